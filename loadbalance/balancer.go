// Package loadbalance provides load balancing strategies for picking a
// worker address out of a discovered pool:
//   - RoundRobin:     equal-capacity workers
//   - WeightedRandom: heterogeneous workers (different CPU/memory)
package loadbalance

import "github.com/bxdio/workerbridge/registry"

// Balancer is the interface for load balancing strategies.
// discovery.NewBuilder calls Pick() before each slot construction
// to select a target worker address.
type Balancer interface {
	// Pick selects one instance from the available list.
	// Called on every slot construction — must be goroutine-safe.
	Pick(instances []registry.WorkerInstance) (*registry.WorkerInstance, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}
