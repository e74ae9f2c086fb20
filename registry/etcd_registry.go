// Package registry's etcd-based Registry: lease/TTL/Watch semantics
// over a flat key layout naming worker process addresses.
//
//	Key:   /workerbridge/{poolName}/{Addr}
//	Value: JSON-encoded WorkerInstance
package registry

import (
	"context"
	"encoding/json"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// EtcdRegistry implements Registry using etcd v3.
type EtcdRegistry struct {
	client *clientv3.Client
}

// NewEtcdRegistry creates a new registry connected to the given etcd
// endpoints.
func NewEtcdRegistry(endpoints []string) (*EtcdRegistry, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints: endpoints,
	})
	if err != nil {
		return nil, err
	}
	return &EtcdRegistry{client: c}, nil
}

// Register adds a worker instance to etcd with a TTL lease, renewed via
// KeepAlive until the process exits; a crashed worker's entry expires on
// its own without an explicit Deregister.
func (r *EtcdRegistry) Register(poolName string, instance WorkerInstance, ttl int64) error {
	ctx := context.TODO()

	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return err
	}

	val, err := json.Marshal(instance)
	if err != nil {
		return err
	}

	_, err = r.client.Put(ctx, "/workerbridge/"+poolName+"/"+instance.Addr, string(val), clientv3.WithLease(lease.ID))
	if err != nil {
		return err
	}

	ch, err := r.client.KeepAlive(ctx, lease.ID)
	if err != nil {
		return err
	}
	go func() {
		for range ch {
		}
	}()
	return nil
}

// Deregister removes a worker instance from etcd, called during a
// worker's graceful shutdown.
func (r *EtcdRegistry) Deregister(poolName string, addr string) error {
	ctx := context.TODO()
	_, err := r.client.Delete(ctx, "/workerbridge/"+poolName+"/"+addr)
	return err
}

// Watch monitors a pool's address prefix and emits the updated instance
// list on every change (new registrations, deregistrations, lease
// expirations), using etcd's server-push Watch API.
func (r *EtcdRegistry) Watch(poolName string) <-chan []WorkerInstance {
	ctx := context.TODO()
	ch := make(chan []WorkerInstance, 1)
	prefix := "/workerbridge/" + poolName + "/"

	go func() {
		watchChan := r.client.Watch(ctx, prefix, clientv3.WithPrefix())
		for range watchChan {
			instances, _ := r.Discover(poolName)
			ch <- instances
		}
	}()

	return ch
}

// Discover returns every instance currently registered under poolName.
func (r *EtcdRegistry) Discover(poolName string) ([]WorkerInstance, error) {
	ctx := context.TODO()
	prefix := "/workerbridge/" + poolName + "/"

	resp, err := r.client.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	instances := make([]WorkerInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance WorkerInstance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			continue
		}
		instances = append(instances, instance)
	}

	return instances, nil
}
