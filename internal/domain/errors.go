package domain

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Kind classifies an error for the boundary layer.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindInsufficientFunds
	KindConflict
	KindForbidden
	KindNotFound
	KindRetryable
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation_error"
	case KindInsufficientFunds:
		return "insufficient_funds"
	case KindConflict:
		return "state_conflict"
	case KindForbidden:
		return "forbidden"
	case KindNotFound:
		return "not_found"
	case KindRetryable:
		return "retryable"
	default:
		return "internal_error"
	}
}

var (
	ErrNotFound          = errors.New("not found")
	ErrValidation        = errors.New("validation failed")
	ErrInsufficientFunds = errors.New("insufficient funds")

	// State conflicts: rejected before any mutation and not retryable
	// without changing the request.
	ErrInvalidTransition  = errors.New("transition not allowed from current status")
	ErrNotParty           = errors.New("caller is not a party to this entity")
	ErrAdminOnly          = errors.New("only an admin may perform this action")
	ErrProposalPending    = errors.New("a proposal is already pending")
	ErrNoPendingProposal  = errors.New("no pending proposal")
	ErrOwnProposal        = errors.New("cannot respond to your own proposal")
	ErrExpired            = errors.New("entity has expired")
	ErrDeadlinePassed     = errors.New("confirmation deadline has passed")
	ErrAlreadyFinal       = errors.New("entity is in a terminal status")
	ErrAlreadyResponded   = errors.New("provider has already responded to this dispute")
	ErrCapacityReached    = errors.New("provider has reached the maximum number of concurrent orders")
	ErrNotMutuallyAgreed  = errors.New("both parties must accept the terms with no pending proposal")
	ErrProviderUnassigned = errors.New("order has no provider assigned")

	// ErrEscrowInsufficient signals a prior consistency bug: an order's
	// escrow is smaller than what it is supposed to hold.
	ErrEscrowInsufficient = errors.New("escrow balance below order commitment")
)

// ValidationError is bad input rejected before any mutation.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Validation builds a *ValidationError.
func Validation(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// InsufficientFundsError carries the numbers behind a failed balance check.
type InsufficientFundsError struct {
	Party     Role            `json:"party"`
	UserID    string          `json:"userId"`
	Required  decimal.Decimal `json:"required"`
	Available decimal.Decimal `json:"available"`
	Shortfall decimal.Decimal `json:"shortfall"`
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds for %s %s: required %s, available %s, shortfall %s",
		e.Party, e.UserID, e.Required.StringFixed(2), e.Available.StringFixed(2), e.Shortfall.StringFixed(2))
}

func (e *InsufficientFundsError) Is(target error) bool { return target == ErrInsufficientFunds }

// ShortfallReport is an itemized insufficient-funds result covering every
// party whose balance does not cover its commitment.
type ShortfallReport struct {
	Items []*InsufficientFundsError `json:"items"`
}

func (r *ShortfallReport) Error() string {
	parts := make([]string, 0, len(r.Items))
	for _, it := range r.Items {
		parts = append(parts, it.Error())
	}
	return strings.Join(parts, "; ")
}

func (r *ShortfallReport) Is(target error) bool { return target == ErrInsufficientFunds }

func (r *ShortfallReport) Unwrap() []error {
	errs := make([]error, len(r.Items))
	for i, it := range r.Items {
		errs[i] = it
	}
	return errs
}

// For returns the item for the given party, or nil.
func (r *ShortfallReport) For(party Role) *InsufficientFundsError {
	for _, it := range r.Items {
		if it.Party == party {
			return it
		}
	}
	return nil
}

// TransitionError is a rejected status move.
type TransitionError struct {
	Entity string
	From   string
	To     string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s cannot move from %s to %s", e.Entity, e.From, e.To)
}

func (e *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// Transition returns a *TransitionError for the given statuses.
func Transition[S ~string](entity string, from, to S) error {
	return &TransitionError{Entity: entity, From: string(from), To: string(to)}
}

// RetryableError reports that part of an operation committed and a later
// step failed. Recorded tells the caller whether its own step persisted.
type RetryableError struct {
	Op       string
	Recorded bool
	Err      error
}

func (e *RetryableError) Error() string {
	if e.Recorded {
		return fmt.Sprintf("%s: your action was recorded; the next step failed and can be retried: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: your action was NOT recorded: %v", e.Op, e.Err)
}

func (e *RetryableError) Unwrap() error { return e.Err }

// KindOf classifies err. The outermost RetryableError wins so callers learn
// that their step persisted even when the inner cause is a domain error.
func KindOf(err error) Kind {
	if err == nil {
		return KindInternal
	}
	var re *RetryableError
	if errors.As(err, &re) {
		return KindRetryable
	}
	switch {
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrInsufficientFunds):
		return KindInsufficientFunds
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrNotParty), errors.Is(err, ErrAdminOnly):
		return KindForbidden
	case errors.Is(err, ErrEscrowInsufficient):
		return KindInternal
	case isConflict(err):
		return KindConflict
	}
	return KindInternal
}

func isConflict(err error) bool {
	for _, target := range []error{
		ErrInvalidTransition, ErrProposalPending, ErrNoPendingProposal, ErrOwnProposal,
		ErrExpired, ErrDeadlinePassed, ErrAlreadyFinal, ErrAlreadyResponded,
		ErrCapacityReached, ErrNotMutuallyAgreed, ErrProviderUnassigned,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
