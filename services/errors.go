// services/errors.go
package services

import (
	"context"
	"errors"
	"fmt"

	"tournament-escrow/safety"
)

// Kind classifies an error for retry and HTTP mapping decisions.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindDomain
	KindTransient
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindDomain:
		return "domain"
	case KindTransient:
		return "transient"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// kindError tags a sentinel with its Kind and the settlement program error code
// it corresponds to, if any.
type kindError struct {
	kind Kind
	code string
	msg  string
}

func (e *kindError) Error() string { return e.msg }

func newErr(kind Kind, code, msg string) error {
	return &kindError{kind: kind, code: code, msg: msg}
}

// Validation: rejected before any external call, never retried.
var (
	ErrInvalidFeePercentage = newErr(KindValidation, "InvalidFeePercentage", "platform fee percentage must be in (0, 20]")
	ErrInvalidEntryFee      = newErr(KindValidation, "InvalidEntryFee", "entry fee must be greater than zero")
	ErrInvalidPlayerCap     = newErr(KindValidation, "InvalidMaxPlayers", "max players must be in 1..1000")
	ErrInvalidTimeRange     = newErr(KindValidation, "InvalidTimeRange", "start time must be before end time")
	ErrInvalidRequest       = newErr(KindValidation, "", "invalid request")
)

// Domain state: surfaced to callers, drive lifecycle branches.
var (
	ErrNotFound                = newErr(KindDomain, "AccountNotFound", "not found")
	ErrTournamentNotActive     = newErr(KindDomain, "TournamentNotActive", "tournament is not accepting this operation")
	ErrTournamentFinalized     = newErr(KindDomain, "TournamentAlreadyFinalized", "tournament already finalized")
	ErrTournamentFull          = newErr(KindDomain, "TournamentFull", "tournament is full")
	ErrTournamentEnded         = newErr(KindDomain, "TournamentEnded", "tournament has ended")
	ErrAlreadyRegistered       = newErr(KindDomain, "AlreadyRegistered", "wallet already registered for tournament")
	ErrTournamentNotEnded      = newErr(KindDomain, "TournamentNotEnded", "tournament has not ended")
	ErrMismatchedWinners       = newErr(KindDomain, "MismatchedWinnersAndPrizes", "winner and prize arrays differ in length")
	ErrInvalidPrizePercentages = newErr(KindDomain, "InvalidPrizePercentages", "prize percentages must sum to 100")
	ErrNoFeesToCollect         = newErr(KindDomain, "NoFeesToCollect", "no platform fees to collect")
	ErrTournamentStillActive   = newErr(KindDomain, "TournamentStillActive", "tournament is still active")
	ErrNotRegistered           = newErr(KindDomain, "NotRegistered", "wallet is not registered for tournament")
	ErrAlreadyRefunded         = newErr(KindDomain, "AlreadyRefunded", "registration already refunded")
	ErrInsufficientBalance     = newErr(KindDomain, "InsufficientBalance", "wallet balance below entry fee")
	ErrTransitionNotAllowed    = newErr(KindDomain, "", "lifecycle transition not allowed from current status")
	ErrInsufficientPlayers     = newErr(KindDomain, "", "insufficient participants")
	ErrDuplicateInstance       = newErr(KindDomain, "", "tournament instance already exists for slot")
)

// Infrastructure.
var (
	ErrUnavailable = newErr(KindTransient, "", "settlement capability unavailable")
	ErrFatal       = newErr(KindFatal, "", "settlement capability failed to initialize")
)

var programErrors = []error{
	ErrInvalidFeePercentage, ErrInvalidEntryFee, ErrInvalidPlayerCap, ErrInvalidTimeRange,
	ErrNotFound, ErrTournamentNotActive, ErrTournamentFinalized, ErrTournamentFull,
	ErrTournamentEnded, ErrAlreadyRegistered, ErrTournamentNotEnded, ErrMismatchedWinners,
	ErrInvalidPrizePercentages, ErrNoFeesToCollect, ErrTournamentStillActive,
	ErrNotRegistered, ErrAlreadyRefunded, ErrInsufficientBalance,
}

// errorForCode maps a settlement program error code to its sentinel.
func errorForCode(code string) (error, bool) {
	for _, e := range programErrors {
		if ke := e.(*kindError); ke.code != "" && ke.code == code {
			return e, true
		}
	}
	return nil, false
}

// KindOf classifies err. Rate limits, open circuits and deadlines are transient.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind
	}
	switch {
	case errors.Is(err, safety.ErrRateLimitExceeded),
		safety.IsCircuitOpen(err),
		errors.Is(err, context.DeadlineExceeded):
		return KindTransient
	}
	return KindUnknown
}

// IsRetryable reports whether a caller should retry err with backoff. Unknown
// errors from the network are treated as retryable; a timed out settlement
// call may still land and must never be read as "did not happen".
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindUnknown:
		return err != nil
	default:
		return false
	}
}

// IsDomain reports whether err is a domain-state error.
func IsDomain(err error) bool { return KindOf(err) == KindDomain }

// unavailable wraps a transport failure so it classifies as transient while
// keeping the cause.
func unavailable(op string, cause error) error {
	return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, cause)
}
