package engine

import (
	"context"
	"fmt"
	"slices"

	"golang.org/x/time/rate"
)

// CapabilityFunc executes one capability call. Implementations validate
// their own config and return a *CapabilityError for classified failures.
type CapabilityFunc func(ctx context.Context, config Config, input Output) (Output, error)

// Capability is a Step Registry entry.
type Capability struct {
	// ID is the capability identifier referenced by nodes, e.g. "send-email".
	ID string

	// Description is shown by the CLI.
	Description string

	// Execute performs the work.
	Execute CapabilityFunc

	// SideEffect is true when the capability mutates external state.
	SideEffect bool

	// Idempotent is true when repeating a call with the same input is safe.
	Idempotent bool

	// RateLimit caps calls per second across all runs. Zero disables throttling.
	RateLimit float64

	// Burst is the token bucket size used with RateLimit. Defaults to 1.
	Burst int
}

type registryEntry struct {
	Capability
	limiter *rate.Limiter
}

// Registry maps capability IDs to executors. It is immutable after
// construction and safe for unsynchronized concurrent reads.
type Registry struct {
	entries map[string]*registryEntry
	ids     []string
}

// NewRegistry builds a registry from the given capabilities.
func NewRegistry(capabilities ...Capability) (*Registry, error) {
	r := &Registry{entries: make(map[string]*registryEntry, len(capabilities))}

	for _, c := range capabilities {
		if c.ID == "" {
			return nil, NewPermanentError("capability ID cannot be empty", nil).
				WithCode(ErrCodeValidation)
		}
		if c.Execute == nil {
			return nil, NewPermanentError("capability has no executor", nil).
				WithCode(ErrCodeValidation).
				WithResource(c.ID)
		}
		if _, exists := r.entries[c.ID]; exists {
			return nil, NewPermanentError("duplicate capability ID", nil).
				WithCode(ErrCodeAlreadyExists).
				WithResource(c.ID)
		}

		entry := &registryEntry{Capability: c}
		if c.RateLimit > 0 {
			burst := c.Burst
			if burst <= 0 {
				burst = 1
			}
			entry.limiter = rate.NewLimiter(rate.Limit(c.RateLimit), burst)
		}
		r.entries[c.ID] = entry
		r.ids = append(r.ids, c.ID)
	}

	slices.Sort(r.ids)
	return r, nil
}

// Has reports whether the capability is registered.
func (r *Registry) Has(id string) bool {
	_, ok := r.entries[id]
	return ok
}

// Lookup returns the capability with the given ID.
func (r *Registry) Lookup(id string) (Capability, bool) {
	e, ok := r.entries[id]
	if !ok {
		return Capability{}, false
	}
	return e.Capability, true
}

// IDs returns the registered capability IDs in sorted order.
func (r *Registry) IDs() []string {
	return slices.Clone(r.ids)
}

// Invoke runs a capability. A call waiting on the capability's rate limiter
// counts against the step timeout carried by ctx. Capabilities must honor
// ctx: the scheduler cannot interrupt a call that ignores it, so such a call
// holds its tier until it returns and its result is then recorded as a
// timeout.
func (r *Registry) Invoke(ctx context.Context, id string, config Config, input Output) (out Output, err error) {
	e, ok := r.entries[id]
	if !ok {
		return nil, NewCapabilityError(ErrorKindUnknownCapability,
			fmt.Sprintf("capability %q is not registered", id), nil)
	}

	if e.limiter != nil {
		if werr := e.limiter.Wait(ctx); werr != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, NewCapabilityError(ErrorKindRateLimited, "rate limit wait exceeds step deadline", werr)
		}
	}

	defer func() {
		if p := recover(); p != nil {
			out = nil
			err = NewCapabilityError(ErrorKindUpstreamFailure, "capability panicked",
				fmt.Errorf("panic: %v", p))
		}
	}()

	return e.Execute(ctx, config, input)
}
