package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"agentgw/internal/domain"
)

type callResult struct {
	result json.RawMessage
	err    error
}

// PendingRequest is an issued request awaiting its response. done has
// capacity one and receives exactly one value.
type PendingRequest struct {
	id        string
	method    string
	createdAt time.Time
	done      chan callResult
	registry  *Registry
}

// ID returns the correlation id.
func (p *PendingRequest) ID() string { return p.id }

// Age returns how long the request has been outstanding.
func (p *PendingRequest) Age() time.Duration { return time.Since(p.createdAt) }

// Registry correlates request ids with the callers waiting on them. A Registry
// belongs to one Conn; once FailAll runs it is sealed and rejects new entries.
type Registry struct {
	mu      sync.Mutex
	pending map[string]*PendingRequest
	sealed  bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{pending: make(map[string]*PendingRequest)}
}

// Register records a pending request under id. It must be called before the
// request is written so the reader can never see a response for an unknown id.
func (r *Registry) Register(id, method string) (*PendingRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return nil, domain.ErrNotConnected
	}
	if _, dup := r.pending[id]; dup {
		return nil, domain.NewDomainError("Registry.Register", domain.ErrInvalidInput, "duplicate request id "+id)
	}
	p := &PendingRequest{
		id:        id,
		method:    method,
		createdAt: time.Now(),
		done:      make(chan callResult, 1),
		registry:  r,
	}
	r.pending[id] = p
	return p, nil
}

// take removes and returns the entry for id.
func (r *Registry) take(id string) (*PendingRequest, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pending[id]
	if ok {
		delete(r.pending, id)
	}
	return p, ok
}

// Resolve completes the request matching f. It reports false when no request
// with that id is pending.
func (r *Registry) Resolve(f *Frame) bool {
	p, ok := r.take(string(f.ID))
	if !ok {
		return false
	}
	switch {
	case f.Error != nil:
		ge := *f.Error
		ge.Method = p.method
		p.done <- callResult{err: &ge}
	case f.Result != nil:
		p.done <- callResult{result: f.Result}
	default:
		p.done <- callResult{err: fmt.Errorf("%w: response %s to %s has neither result nor error",
			domain.ErrMalformedResponse, p.id, p.method)}
	}
	return true
}

// Fail resolves the request pending under id with err. It reports whether
// such a request existed.
func (r *Registry) Fail(id string, err error) bool {
	p, ok := r.take(id)
	if ok {
		p.done <- callResult{err: err}
	}
	return ok
}

// Remove drops the entry for id without resolving it. It reports whether the
// entry was still pending.
func (r *Registry) Remove(id string) bool {
	_, ok := r.take(id)
	return ok
}

// FailAll resolves every pending request with a DisconnectError carrying
// cause, then seals the registry. It returns the number of failed requests.
func (r *Registry) FailAll(cause error) int {
	r.mu.Lock()
	pending := r.pending
	r.pending = make(map[string]*PendingRequest)
	r.sealed = true
	r.mu.Unlock()

	for _, p := range pending {
		p.done <- callResult{err: &domain.DisconnectError{ID: p.id, Method: p.method, Cause: cause}}
	}
	return len(pending)
}

// Len returns the number of outstanding requests.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Wait blocks until p resolves or ctx is done. A cancelled wait removes the
// entry; if the reader won the race the delivered result is returned instead.
func (p *PendingRequest) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case res := <-p.done:
		return res.result, res.err
	case <-ctx.Done():
		if p.registry.Remove(p.id) {
			return nil, ctx.Err()
		}
		res := <-p.done
		return res.result, res.err
	}
}
