// Package provider defines the agent provider capability: run a prompt,
// return output or a classified failure. Providers are registered in a ranked
// registry the orchestration pipeline consults for failover ordering.
package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// FailureCode classifies provider failures into a closed set.
type FailureCode string

const (
	CodeUnauthenticated FailureCode = "unauthenticated"
	CodeQuotaExceeded   FailureCode = "quota-exceeded"
	CodeTransport       FailureCode = "transport-error"
	CodeUnsupported     FailureCode = "unsupported-request"
	CodeInternal        FailureCode = "internal"
)

// FailoverEligible reports whether a failure with this code should move the
// pipeline to the next provider instead of failing the attempt.
func (c FailureCode) FailoverEligible() bool {
	switch c {
	case CodeUnauthenticated, CodeQuotaExceeded, CodeTransport:
		return true
	default:
		return false
	}
}

// Error is a classified provider failure.
type Error struct {
	Code    FailureCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error, enabling errors.Is and errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a classified provider error.
func NewError(code FailureCode, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// Classify extracts the failure code from an error. Unclassified errors are
// internal: they never trigger failover.
func Classify(err error) FailureCode {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return CodeInternal
}

// Meta carries run identity into an invocation so provider-side logging and
// tracing can correlate with the event stream.
type Meta struct {
	SessionID string
	RunID     string
	Mode      string
}

// Provider runs one prompt against an external agent.
type Provider interface {
	ID() string
	Invoke(ctx context.Context, prompt string, meta Meta) (string, error)
}

// Stats is a rolling per-provider record used to order failover.
type Stats struct {
	Successes           int64
	Failures            int64
	ConsecutiveFailures int
	LastFailureCode     FailureCode
	LastUsed            time.Time
}

// deprioritizeAfter is the consecutive-failure count that pushes a provider
// to the back of the ranked order.
const deprioritizeAfter = 3

// Registry holds registered providers and their ranked failover order.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	ranking   []string
	stats     map[string]*Stats
}

// NewRegistry creates a registry with the given default ranking. Providers
// registered later but absent from the ranking rank after it, alphabetically.
func NewRegistry(ranking []string) *Registry {
	return &Registry{
		providers: make(map[string]Provider),
		ranking:   append([]string(nil), ranking...),
		stats:     make(map[string]*Stats),
	}
}

// Register adds a provider. Re-registering an id replaces it.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.ID()] = p
	if _, ok := r.stats[p.ID()]; !ok {
		r.stats[p.ID()] = &Stats{}
	}
}

// Get returns a provider by id.
func (r *Registry) Get(id string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	return p, ok
}

// Ranked returns registered provider ids in failover order: the configured
// ranking first, then unranked providers alphabetically. Providers with too
// many consecutive failures sink to the back, keeping their relative order.
func (r *Registry) Ranked() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool, len(r.providers))
	ordered := make([]string, 0, len(r.providers))
	for _, id := range r.ranking {
		if _, ok := r.providers[id]; ok && !seen[id] {
			ordered = append(ordered, id)
			seen[id] = true
		}
	}

	var rest []string
	for id := range r.providers {
		if !seen[id] {
			rest = append(rest, id)
		}
	}
	sort.Strings(rest)
	ordered = append(ordered, rest...)

	var healthy, degraded []string
	for _, id := range ordered {
		if s := r.stats[id]; s != nil && s.ConsecutiveFailures >= deprioritizeAfter {
			degraded = append(degraded, id)
		} else {
			healthy = append(healthy, id)
		}
	}
	return append(healthy, degraded...)
}

// RecordSuccess updates the rolling stats after a successful invocation.
func (r *Registry) RecordSuccess(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.statsLocked(id)
	s.Successes++
	s.ConsecutiveFailures = 0
	s.LastUsed = time.Now()
}

// RecordFailure updates the rolling stats after a failed invocation.
func (r *Registry) RecordFailure(id string, code FailureCode) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.statsLocked(id)
	s.Failures++
	s.ConsecutiveFailures++
	s.LastFailureCode = code
	s.LastUsed = time.Now()
}

// StatsFor returns a snapshot of one provider's rolling stats.
func (r *Registry) StatsFor(id string) Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.stats[id]; ok {
		return *s
	}
	return Stats{}
}

func (r *Registry) statsLocked(id string) *Stats {
	s, ok := r.stats[id]
	if !ok {
		s = &Stats{}
		r.stats[id] = s
	}
	return s
}
