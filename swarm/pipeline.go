// Package swarm implements the orchestration pipeline the job queue invokes:
// it selects a provider for the job, runs it, fails over across providers on
// classified-eligible failures, gates destructive writes behind a human
// confirmation and emits ordered status events for the run.
package swarm

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"swarmq/events"
	"swarmq/log"
	"swarmq/provider"
	"swarmq/queue"
)

// attemptState tracks where a dispatch attempt is in its lifecycle. Used for
// debug logging only.
type attemptState int

const (
	stateSelecting attemptState = iota
	stateAttempting
	stateFailingOver
	stateSucceeded
	stateExhausted
)

func (s attemptState) String() string {
	switch s {
	case stateSelecting:
		return "selecting-provider"
	case stateAttempting:
		return "attempting"
	case stateFailingOver:
		return "failing-over"
	case stateSucceeded:
		return "succeeded"
	case stateExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// ProviderAttempt is one entry in a run's provider trail.
type ProviderAttempt struct {
	Provider     string        `json:"provider"`
	FailoverFrom string        `json:"failover_from,omitempty"`
	FailureCode  string        `json:"failure_code,omitempty"`
	Error        string        `json:"error,omitempty"`
	Duration     time.Duration `json:"duration"`
}

// GateFunc asks for human approval of one destructive write. It returns
// whether the write is approved; an error means the gate itself failed (for
// example a timeout) and the attempt should fail.
type GateFunc func(ctx context.Context, path, diff string) (bool, error)

// Applier turns provider output into side effects. Implementations must call
// gate before each destructive write and skip writes the gate declines.
// A nil applier treats output as opaque and applies nothing.
type Applier interface {
	Apply(ctx context.Context, job queue.Job, output string, gate GateFunc) error
}

// ErrRejected is returned when a declined confirmation is fatal under the
// pipeline's policy.
var ErrRejected = fmt.Errorf("confirmation rejected")

// Options configures pipeline policy.
type Options struct {
	// ConfirmTimeout bounds each confirmation-gate wait.
	ConfirmTimeout time.Duration
	// RejectionFatal makes a declined confirmation fail the attempt instead
	// of skipping the write.
	RejectionFatal bool
	// Applier interprets provider output. Optional.
	Applier Applier
}

// Pipeline executes jobs against the provider registry. It satisfies
// queue.Executor.
type Pipeline struct {
	providers *provider.Registry
	bus       *events.Bus
	confirmer *events.Confirmer
	opts      Options
}

// New creates a pipeline.
func New(providers *provider.Registry, bus *events.Bus, confirmer *events.Confirmer, opts Options) *Pipeline {
	if opts.ConfirmTimeout <= 0 {
		opts.ConfirmTimeout = 2 * time.Minute
	}
	return &Pipeline{
		providers: providers,
		bus:       bus,
		confirmer: confirmer,
		opts:      opts,
	}
}

// Execute runs one dispatch attempt for the job. Failover-eligible provider
// failures move on to the next not-yet-attempted provider within this same
// call; only the final outcome reaches the queue, so failover never consumes
// the job's retry budget.
func (p *Pipeline) Execute(ctx context.Context, job queue.Job) (string, error) {
	runID := uuid.NewString()

	p.publish(events.TypeRunAccepted, job.SessionID, runID, map[string]interface{}{
		"job_id":   job.ID,
		"mode":     string(job.Mode),
		"priority": job.Priority,
		"attempt":  job.Attempts + 1,
	})

	candidates := p.selectProviders(job)
	if len(candidates) == 0 {
		err := provider.NewError(provider.CodeInternal, "no providers registered", nil)
		p.publishError(job.SessionID, runID, nil, err)
		return "", err
	}

	var trail []ProviderAttempt
	state := stateSelecting
	failoverFrom := ""

	for i, id := range candidates {
		prov, ok := p.providers.Get(id)
		if !ok {
			continue
		}

		state = stateAttempting
		log.DebugLog.Printf("run %s: %s on provider %s", runID, state, id)

		p.publish(events.TypeProviderAttemptStarted, job.SessionID, runID, map[string]interface{}{
			"provider":      id,
			"failover_from": failoverFrom,
		})

		start := time.Now()
		output, err := prov.Invoke(ctx, job.Prompt, provider.Meta{
			SessionID: job.SessionID,
			RunID:     runID,
			Mode:      string(job.Mode),
		})
		attempt := ProviderAttempt{
			Provider:     id,
			FailoverFrom: failoverFrom,
			Duration:     time.Since(start),
		}

		if err == nil {
			p.providers.RecordSuccess(id)
			trail = append(trail, attempt)

			p.publish(events.TypeOutputChunk, job.SessionID, runID, map[string]interface{}{
				"provider": id,
				"content":  output,
			})

			if applyErr := p.apply(ctx, job, runID, output); applyErr != nil {
				p.publishError(job.SessionID, runID, trail, applyErr)
				return "", applyErr
			}

			state = stateSucceeded
			log.DebugLog.Printf("run %s: %s on provider %s", runID, state, id)
			p.publish(events.TypeRunResult, job.SessionID, runID, map[string]interface{}{
				"provider": id,
				"output":   output,
				"trail":    trail,
			})
			return output, nil
		}

		code := provider.Classify(err)
		attempt.FailureCode = string(code)
		attempt.Error = err.Error()
		trail = append(trail, attempt)
		p.providers.RecordFailure(id, code)

		// Cancellation and attempt-timeout expiry end the run here and
		// never trigger failover.
		if ctx.Err() != nil {
			p.publishError(job.SessionID, runID, trail, err)
			return "", err
		}

		if !code.FailoverEligible() || i == len(candidates)-1 {
			state = stateExhausted
			log.WarningLog.Printf("run %s: %s after provider %s (%s)", runID, state, id, code)
			p.publishError(job.SessionID, runID, trail, err)
			return "", fmt.Errorf("provider %s failed: %w", id, err)
		}

		state = stateFailingOver
		log.WarningLog.Printf("run %s: %s from provider %s (%s)", runID, state, id, code)
		p.publish(events.TypeFailover, job.SessionID, runID, map[string]interface{}{
			"from": id,
			"to":   candidates[i+1],
			"code": string(code),
		})
		failoverFrom = id
	}

	err := provider.NewError(provider.CodeInternal, "no registered provider could be attempted", nil)
	p.publishError(job.SessionID, runID, trail, err)
	return "", err
}

// selectProviders returns the failover order for a job: the preferred
// provider first when registered, then the registry's ranked list.
func (p *Pipeline) selectProviders(job queue.Job) []string {
	ranked := p.providers.Ranked()

	if job.PreferredAgent == "" {
		return ranked
	}
	if _, ok := p.providers.Get(job.PreferredAgent); !ok {
		log.WarningLog.Printf("preferred provider %s not registered, using ranked order", job.PreferredAgent)
		return ranked
	}

	out := []string{job.PreferredAgent}
	for _, id := range ranked {
		if id != job.PreferredAgent {
			out = append(out, id)
		}
	}
	return out
}

// apply runs the configured applier over the output, exposing the
// confirmation gate to it.
func (p *Pipeline) apply(ctx context.Context, job queue.Job, runID, output string) error {
	if p.opts.Applier == nil {
		return nil
	}
	gate := func(gctx context.Context, path, diff string) (bool, error) {
		return p.confirmWrite(gctx, job.SessionID, runID, path, diff)
	}
	return p.opts.Applier.Apply(ctx, job, output, gate)
}

// confirmWrite publishes a confirmation request and blocks until it is
// resolved or times out. A timeout fails the attempt so a worker slot is
// never held indefinitely.
func (p *Pipeline) confirmWrite(ctx context.Context, sessionID, runID, path, diff string) (bool, error) {
	requestID := uuid.NewString()

	p.publish(events.TypeConfirmationRequested, sessionID, runID, map[string]interface{}{
		"request_id": requestID,
		"path":       path,
		"diff":       diff,
	})

	decision := p.confirmer.Await(ctx, requestID, p.opts.ConfirmTimeout)

	p.publish(events.TypeConfirmationResolved, sessionID, runID, map[string]interface{}{
		"request_id": requestID,
		"decision":   decision.String(),
		"path":       path,
	})

	switch decision {
	case events.DecisionApproved:
		return true, nil
	case events.DecisionRejected:
		if p.opts.RejectionFatal {
			return false, fmt.Errorf("write to %s: %w", path, ErrRejected)
		}
		return false, nil
	default:
		return false, fmt.Errorf("confirmation for %s timed out after %s", path, p.opts.ConfirmTimeout)
	}
}

func (p *Pipeline) publish(t events.Type, sessionID, runID string, payload map[string]interface{}) {
	p.bus.Publish(events.Event{
		Type:      t,
		SessionID: sessionID,
		RunID:     runID,
		Payload:   payload,
	})
}

func (p *Pipeline) publishError(sessionID, runID string, trail []ProviderAttempt, err error) {
	payload := map[string]interface{}{
		"error": err.Error(),
		"code":  string(provider.Classify(err)),
	}
	if len(trail) > 0 {
		payload["trail"] = trail
	}
	p.publish(events.TypeRunError, sessionID, runID, payload)
}
