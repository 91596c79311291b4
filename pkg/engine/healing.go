package engine

import (
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// Action is the self-healing decision for a failed attempt.
type Action string

const (
	ActionRetry      Action = "retry"
	ActionSkip       Action = "skip"
	ActionSubstitute Action = "substitute"
	ActionAbort      Action = "abort"
)

// Decision is returned by a Healer for every failed attempt.
type Decision struct {
	Action Action

	// Delay is the wait before the next attempt (Retry only).
	Delay time.Duration

	// CapabilityID is the replacement capability (Substitute only).
	CapabilityID string

	// Resolution is the terminal node state (Skip and Abort).
	Resolution StepStatus

	// Reason is a short human-readable explanation.
	Reason string
}

// Failure describes a failed attempt presented to the Healer.
type Failure struct {
	Node *PlanNode

	// Critical is the effective criticality after applying the failure policy.
	Critical bool

	// Attempt counts attempts made with the current capability, starting at 1.
	Attempt int

	// Substituted is true once the fallback capability has been used.
	Substituted bool

	Err *CapabilityError
}

// Healer decides how the scheduler reacts to a failed attempt.
type Healer interface {
	OnFailure(f Failure) Decision
}

// HealingConfig configures the retry backoff.
type HealingConfig struct {
	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration

	// MaxDelay caps the exponential delay before jitter.
	MaxDelay time.Duration

	// JitterFraction adds up to this fraction of the delay at random.
	JitterFraction float64
}

// DefaultHealingConfig returns the default backoff settings.
func DefaultHealingConfig() HealingConfig {
	return HealingConfig{
		BaseDelay:      500 * time.Millisecond,
		MaxDelay:       30 * time.Second,
		JitterFraction: 0.25,
	}
}

// HealingPolicy is the classification-driven Healer.
type HealingPolicy struct {
	cfg    HealingConfig
	random func() float64
}

// NewHealingPolicy creates a policy. Zero config fields take defaults.
func NewHealingPolicy(cfg HealingConfig) *HealingPolicy {
	def := DefaultHealingConfig()
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.JitterFraction < 0 {
		cfg.JitterFraction = 0
	}
	return &HealingPolicy{cfg: cfg, random: rand.Float64}
}

// WithRandom replaces the jitter source. Used by tests for determinism.
func (h *HealingPolicy) WithRandom(fn func() float64) *HealingPolicy {
	h.random = fn
	return h
}

// OnFailure implements Healer.
//
// Transient kinds are retried up to the node's max_retries. When retries are
// exhausted, or the kind is permanent, the fallback capability is tried once
// if declared. Otherwise a critical node aborts the run; a non-critical node is
// skipped after transient exhaustion and failed after a permanent error.
func (h *HealingPolicy) OnFailure(f Failure) Decision {
	kind := ErrorKindUpstreamFailure
	if f.Err != nil {
		kind = f.Err.Kind
	}

	if kind == ErrorKindAborted {
		return Decision{Action: ActionSkip, Resolution: StepStatusSkipped, Reason: "interrupted by abort"}
	}

	if kind.IsTransient() && f.Attempt <= f.Node.MaxRetries {
		return Decision{
			Action: ActionRetry,
			Delay:  h.Backoff(f.Attempt),
			Reason: fmt.Sprintf("%s on attempt %d of %d", kind, f.Attempt, f.Node.MaxRetries+1),
		}
	}

	if h.canSubstitute(f, kind) {
		return Decision{
			Action:       ActionSubstitute,
			CapabilityID: f.Node.FallbackCapabilityID,
			Reason:       fmt.Sprintf("%s from %s", kind, f.Node.CapabilityID),
		}
	}

	if f.Critical {
		return Decision{Action: ActionAbort, Resolution: StepStatusFailed,
			Reason: fmt.Sprintf("critical node failed with %s", kind)}
	}

	if kind.IsTransient() {
		return Decision{Action: ActionSkip, Resolution: StepStatusSkipped,
			Reason: fmt.Sprintf("retries exhausted on %s", kind)}
	}
	return Decision{Action: ActionSkip, Resolution: StepStatusFailed,
		Reason: fmt.Sprintf("permanent failure %s", kind)}
}

// canSubstitute allows one substitution per node. A rejected config is
// deterministic, so it is never substituted.
func (h *HealingPolicy) canSubstitute(f Failure, kind ErrorKind) bool {
	if f.Substituted || f.Node.FallbackCapabilityID == "" {
		return false
	}
	return kind != ErrorKindInvalidConfig
}

// Backoff returns base * 2^(attempt-1), capped at MaxDelay, plus jitter.
func (h *HealingPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(h.cfg.BaseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(h.cfg.MaxDelay) {
		delay = float64(h.cfg.MaxDelay)
	}
	if h.cfg.JitterFraction > 0 && h.random != nil {
		delay += delay * h.cfg.JitterFraction * h.random()
	}
	return time.Duration(delay)
}
