// internal/protocol/types.go
package protocol

import (
	"context"
	"errors"
	"fmt"
)

// Known venue names.
const (
	PumpFun  = "pump.fun"
	PumpSwap = "pump.swap"
)

var (
	// ErrNotFound is returned by GetPrice when the venue does not know the token.
	ErrNotFound = errors.New("token not found on protocol")

	// ErrUnsupportedToken is returned when no registered venue can trade the token.
	ErrUnsupportedToken = errors.New("unsupported token")

	// ErrRejected is matched by every *RejectedError.
	ErrRejected = errors.New("submission rejected")

	// ErrAmbiguous means the submission may or may not have landed.
	ErrAmbiguous = errors.New("submission outcome unknown")
)

// RejectedError describes a venue-side rejection.
type RejectedError struct {
	Protocol  string
	Reason    string
	Retryable bool
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s rejected sell: %s", e.Protocol, e.Reason)
}

// Is lets errors.Is(err, ErrRejected) match.
func (e *RejectedError) Is(target error) bool {
	return target == ErrRejected
}

// Route is the submission path for an order.
type Route string

const (
	RoutePrimary   Route = "primary"
	RouteAlternate Route = "alternate"
)

// SellOrder is one submission request.
type SellOrder struct {
	DecisionID  string
	Token       string
	Amount      float64
	SlippageBps int
	Priority    PriorityConfig
	Route       Route
	Attempt     int
}

// Submission is the venue acknowledgement of a SellOrder.
type Submission struct {
	ID       string // transaction signature
	Protocol string
	Filled   float64
	Price    float64
}

// Adapter is the contract every venue implements.
type Adapter interface {
	Name() string
	GetPrice(ctx context.Context, token string) (float64, error)
	SubmitSell(ctx context.Context, order SellOrder) (Submission, error)
}

// Confirmer is implemented by adapters that can tell whether a submission landed.
type Confirmer interface {
	ConfirmSubmission(ctx context.Context, sub Submission) (landed bool, err error)
}

// IsRetryable reports whether a submission error may succeed on another attempt.
func IsRetryable(err error) bool {
	var rejected *RejectedError
	if errors.As(err, &rejected) {
		return rejected.Retryable
	}
	// ErrNotFound stays retryable: the token may have migrated and the
	// next attempt re-selects the venue.
	if errors.Is(err, ErrUnsupportedToken) {
		return false
	}
	return true
}
