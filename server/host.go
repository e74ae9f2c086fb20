// Package server hosts a pool of worker procedures on a TCP listener,
// the out-of-process counterpart to an in-process pool.Builder: one
// accepted connection becomes one worker.Serve endpoint. A Host keeps
// the listener, per-connection goroutine, and etcd registration shape
// of a classic RPC server, but forwards every connection straight to
// worker.Serve instead of dispatching to reflected service methods.
package server

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/bxdio/workerbridge/codec"
	"github.com/bxdio/workerbridge/registry"
	"github.com/bxdio/workerbridge/transport"
	"github.com/bxdio/workerbridge/worker"
)

// Host listens on a TCP address and serves worker.ProcedureMap over
// every accepted connection.
type Host struct {
	procedures worker.ProcedureMap
	codecType  codec.CodecType
	logger     *zap.Logger

	listener net.Listener
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutdown atomic.Bool

	reg           registry.Registry
	poolName      string
	advertiseAddr string
}

// NewHost creates a Host that will serve procedures over codecType.
func NewHost(procedures worker.ProcedureMap, codecType codec.CodecType, logger *zap.Logger) *Host {
	return &Host{procedures: procedures, codecType: codecType, logger: logger}
}

// Serve listens on address and accepts connections until ctx is
// canceled or Shutdown is called. If reg is non-nil, the host registers
// advertiseAddr under poolName on startup and deregisters it on
// Shutdown.
func (h *Host) Serve(ctx context.Context, network, address, advertiseAddr, poolName string, reg registry.Registry) error {
	listener, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	h.listener = listener

	ctx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	if reg != nil {
		h.reg = reg
		h.poolName = poolName
		h.advertiseAddr = advertiseAddr
		if err := reg.Register(poolName, registry.WorkerInstance{Addr: advertiseAddr, Weight: 10}, 10); err != nil {
			return err
		}
	}

	for {
		conn, err := listener.Accept()
		if err != nil {
			if h.shutdown.Load() || ctx.Err() != nil {
				return nil
			}
			return err
		}
		h.wg.Add(1)
		go h.handleConn(ctx, conn)
	}
}

func (h *Host) handleConn(ctx context.Context, conn net.Conn) {
	defer h.wg.Done()
	endpoint := transport.NewTCPEndpoint(conn, h.codecType)
	if err := worker.Serve(ctx, endpoint, h.procedures, h.logger); err != nil {
		h.logger.Warn("worker connection ended", zap.Error(err))
	}
}

// Shutdown deregisters from the registry, stops accepting new
// connections, cancels every in-flight worker.Serve, and waits up to
// timeout for their connections to close.
func (h *Host) Shutdown(timeout time.Duration) error {
	if h.reg != nil {
		h.reg.Deregister(h.poolName, h.advertiseAddr)
	}

	h.shutdown.Store(true)
	h.listener.Close()
	h.cancel()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("timeout waiting for worker connections to close")
	}
}
