package execution

import (
	"context"
	"errors"
	"time"

	"github.com/rovshanmuradov/solana-copybot/internal/events"
	"github.com/rovshanmuradov/solana-copybot/internal/position"
	"github.com/rovshanmuradov/solana-copybot/internal/protocol"
)

var (
	// ErrRetriesExhausted is returned when every attempt failed with a retryable error.
	ErrRetriesExhausted = errors.New("sell retries exhausted")
	// ErrForceSellFailed is returned when the force-sell submission failed.
	ErrForceSellFailed = errors.New("force sell failed")
	// ErrUnconfirmed means a submission may have landed and could not be confirmed.
	ErrUnconfirmed = errors.New("submission outcome could not be confirmed")
	// ErrAckTimeout is returned when the venue did not acknowledge in time.
	ErrAckTimeout = errors.New("acknowledgement timeout")
	// ErrCycleInProgress is returned when the token already has an execution in flight.
	ErrCycleInProgress = errors.New("execution already in progress")
	// ErrNothingHeld is returned when holdings dropped to zero before submission.
	ErrNothingHeld = errors.New("nothing held")
	// ErrAwaitingConfirmation is returned while an earlier submission for the
	// token may still land.
	ErrAwaitingConfirmation = errors.New("earlier submission awaiting confirmation")
)

// Mode controls whether callers wait for the terminal outcome.
type Mode string

const (
	ModeVerify        Mode = "verify"
	ModeFireAndForget Mode = "fire_and_forget"
)

// Config holds the retry, escalation and force-sell policy.
type Config struct {
	Mode                  Mode
	MaxAttempts           int
	SlippageStepBps       int
	ForceSellEnabled      bool
	ForceSellSlippageBps  int
	StopLossFailureLimit  int
	AlternateRouteOnRetry bool
	BackoffInitial        time.Duration
	BackoffMax            time.Duration
	AckTimeout            time.Duration
	ConfirmPoll           time.Duration
	// UnconfirmedHold is how long a token stays blocked after a submission
	// whose outcome could not be confirmed.
	UnconfirmedHold time.Duration
}

func (c *Config) setDefaults() {
	if c.Mode == "" {
		c.Mode = ModeVerify
	}
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 3
	}
	if c.SlippageStepBps < 1 {
		c.SlippageStepBps = 100
	}
	if c.ForceSellSlippageBps <= 0 {
		c.ForceSellSlippageBps = 1000
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = 200 * time.Millisecond
	}
	if c.BackoffMax < c.BackoffInitial {
		c.BackoffMax = c.BackoffInitial
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = 5 * time.Second
	}
	if c.ConfirmPoll <= 0 {
		c.ConfirmPoll = 250 * time.Millisecond
	}
	if c.UnconfirmedHold <= 0 {
		c.UnconfirmedHold = time.Minute
	}
}

// Outcome of an attempt.
type Outcome string

const (
	OutcomePending Outcome = "pending"
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Attempt records one submission and its escalation parameters.
type Attempt struct {
	DecisionID   string
	Token        string
	Reason       string
	Chunk        int
	Number       int
	Forced       bool
	Protocol     string
	SlippageBps  int
	Priority     protocol.PriorityConfig
	Route        protocol.Route
	Amount       float64
	Outcome      Outcome
	Error        string
	SubmissionID string
	Filled       float64
	Price        float64
	At           time.Time
	Duration     time.Duration
}

// ChunkResult is the outcome of one chunk of a progressive exit.
type ChunkResult struct {
	Index  int
	Amount float64
	Filled float64
	Err    error
}

// Result is the terminal outcome of a sell cycle.
type Result struct {
	DecisionID string
	Token      string
	Intended   float64
	Filled     float64
	Attempts   int
	Chunks     []ChunkResult
	Forced     bool
	Closed     bool
	Err        error
}

// PositionStore is the slice of the metrics store the coordinator mutates.
type PositionStore interface {
	Snapshot(token string) (position.TrackedPosition, bool)
	ApplyFill(f position.Fill) (position.TrackedPosition, bool, error)
	MarkPending(token string) bool
	ClearPending(token string)
}

// Selector resolves venues and forgets them after failures.
type Selector interface {
	Select(ctx context.Context, token string) (string, error)
	Invalidate(token string)
	Adapter(name string) (protocol.Adapter, error)
}

// Journal persists attempts.
type Journal interface {
	RecordAttempt(ctx context.Context, a Attempt) error
}

// Publisher delivers notifications without blocking.
type Publisher interface {
	Publish(e events.Event) error
}
