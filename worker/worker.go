// Package worker provides the worker-side public API: registering
// procedures, installing the message handler, and emitting the startup
// ready sentinel.
package worker

import (
	"context"

	"go.uber.org/zap"

	"github.com/bxdio/workerbridge/dispatcher"
	"github.com/bxdio/workerbridge/marshal"
	"github.com/bxdio/workerbridge/message"
	"github.com/bxdio/workerbridge/transport"
)

// Procedure is a remotely invokable function registered by name.
type Procedure = marshal.Callable

// ProcedureMap names the procedures a worker exposes.
type ProcedureMap map[string]Procedure

// Init validates procedures and returns it unchanged. A Go program has
// no implicit ambient worker context to register against (unlike a JS
// worker's global self), so the actual handler installation and
// handshake happen in Serve, which takes the endpoint explicitly. Init
// exists so callers can build their ProcedureMap once, fail fast on a
// nil map, and pass the same value to Serve.
func Init(procedures ProcedureMap) ProcedureMap {
	if procedures == nil {
		panic("worker: Init called with a nil ProcedureMap")
	}
	return procedures
}

// Serve installs procedures on endpoint, posts the ready sentinel, and
// blocks until ctx is canceled. It is a fatal, synchronous failure to
// call Serve with a nil endpoint: a missing worker context is a startup
// failure that should surface immediately, not leak into a hung call.
func Serve(ctx context.Context, endpoint transport.Endpoint, procedures ProcedureMap, logger *zap.Logger) error {
	if endpoint == nil {
		panic("worker: Serve called without a worker-side endpoint")
	}

	d := dispatcher.New(endpoint, logger)
	d.SetProcedures(func(name string) (dispatcher.Procedure, bool) {
		p, ok := procedures[name]
		return p, ok
	})

	if err := endpoint.Post(ctx, &message.Ready, nil); err != nil {
		return err
	}

	<-ctx.Done()
	d.Close(ctx.Err())
	return endpoint.Terminate()
}
