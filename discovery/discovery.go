// Package discovery wires registry.Registry and loadbalance.Balancer into
// a pool.Builder, so a Pool's slots can be satisfied by dialing real
// out-of-process workers instead of spawning in-process ones: discover,
// pick, dial, once per slot construction rather than once per call.
//
// Kept separate from the registry package because loadbalance already
// imports registry for WorkerInstance; a registry->loadbalance import
// here would close that cycle.
package discovery

import (
	"context"
	"net"

	"github.com/bxdio/workerbridge/codec"
	"github.com/bxdio/workerbridge/loadbalance"
	"github.com/bxdio/workerbridge/pool"
	"github.com/bxdio/workerbridge/registry"
	"github.com/bxdio/workerbridge/transport"
)

// NewBuilder returns a pool.Builder that, on every slot construction,
// discovers the live instances of poolName, picks one with bal, and
// dials it over TCP.
func NewBuilder(reg registry.Registry, bal loadbalance.Balancer, poolName string, codecType codec.CodecType) pool.Builder {
	return func(ctx context.Context) (transport.Endpoint, error) {
		instances, err := reg.Discover(poolName)
		if err != nil {
			return nil, err
		}

		instance, err := bal.Pick(instances)
		if err != nil {
			return nil, err
		}

		var dialer net.Dialer
		conn, err := dialer.DialContext(ctx, "tcp", instance.Addr)
		if err != nil {
			return nil, err
		}

		return transport.NewTCPEndpoint(conn, codecType), nil
	}
}
