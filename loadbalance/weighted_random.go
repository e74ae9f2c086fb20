package loadbalance

import (
	"fmt"
	"math/rand"

	"github.com/bxdio/workerbridge/registry"
)

// WeightedRandomBalancer picks a worker with probability proportional to
// its advertised Weight, for a pool of heterogeneous workers.
type WeightedRandomBalancer struct{}

func (b *WeightedRandomBalancer) Pick(instances []registry.WorkerInstance) (*registry.WorkerInstance, error) {
	if len(instances) == 0 {
		return nil, fmt.Errorf("no instances available")
	}

	totalWeight := 0
	for _, v := range instances {
		totalWeight += v.Weight
	}

	r := rand.Intn(totalWeight)
	for i := range instances {
		r -= instances[i].Weight
		if r < 0 {
			return &instances[i], nil
		}
	}

	return nil, fmt.Errorf("unexpected error in weighted random selection")
}

func (b *WeightedRandomBalancer) Name() string {
	return "WeightedRandom"
}
