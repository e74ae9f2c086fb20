// Package callback holds the per-side bookkeeping that lets a callable
// argument be substituted with a wire token in one direction and
// reconstructed as an invocation proxy in the other, scoped to the
// request that owns it.
//
// It is a concurrency-safe map guarded by a single mutex, keyed by
// callback.Key instead of a service name, with eviction driven by
// request completion instead of a lease TTL.
package callback

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/bxdio/workerbridge/marshal"
)

// Key identifies one callback slot: the request that owns it and the
// token minted for this particular callable. It is the Go-idiomatic
// realization of spec's "{requestId}:{token}" composite string key —
// no concatenation needed since Go lets a struct be a map key directly.
type Key struct {
	RequestID uint64
	Token     string
}

// Registry holds two maps for one side of one transport: callables this
// side has handed out placeholders for (Callbacks), and proxies this
// side built for placeholders it received (Proxies). Both are cleared
// together when their owning request ends.
type Registry struct {
	mu        sync.Mutex
	callbacks map[Key]marshal.Callable
	proxies   map[Key]marshal.Callable
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		callbacks: make(map[Key]marshal.Callable),
		proxies:   make(map[Key]marshal.Callable),
	}
}

// Register mints a fresh "{requestID}:{random}" token for c under
// requestID and stores it in the callbacks map, returning the token to
// embed in a Placeholder. It is the RegisterFunc a dispatcher hands to
// marshal.Marshal.
func (r *Registry) Register(requestID uint64, c marshal.Callable) (string, error) {
	random, err := NewToken()
	if err != nil {
		return "", fmt.Errorf("callback: mint token: %w", err)
	}
	token := fmt.Sprintf("%d:%s", requestID, random)
	r.mu.Lock()
	r.callbacks[Key{RequestID: requestID, Token: token}] = c
	r.mu.Unlock()
	return token, nil
}

// Callback returns the callable registered under (requestID, token), or
// false if no such callback is live. Called when a callback_call arrives
// and must be dispatched to the local callable it names.
func (r *Registry) Callback(requestID uint64, token string) (marshal.Callable, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.callbacks[Key{RequestID: requestID, Token: token}]
	return c, ok
}

// Proxy returns the memoized proxy for (requestID, token), constructing
// it via build and storing it on first use. Repeated calls with the same
// key return the identical value, preserving proxy identity within a
// request.
func (r *Registry) Proxy(requestID uint64, token string, build func() marshal.Callable) marshal.Callable {
	key := Key{RequestID: requestID, Token: token}

	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.proxies[key]; ok {
		return p
	}
	p := build()
	r.proxies[key] = p
	return p
}

// Clear removes every callback and proxy entry owned by requestID. It is
// the Go realization of spec's "{requestId}:" prefix scan, done as a
// typed field comparison instead of string prefixing.
func (r *Registry) Clear(requestID uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k := range r.callbacks {
		if k.RequestID == requestID {
			delete(r.callbacks, k)
		}
	}
	for k := range r.proxies {
		if k.RequestID == requestID {
			delete(r.proxies, k)
		}
	}
}

// NewToken mints a fresh random hex token, used both for callback
// registration tokens and for the per-invocation callId a dispatcher
// proxy generates.
func NewToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
