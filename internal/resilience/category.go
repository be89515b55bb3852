// Package resilience provides retry with exponential backoff and graceful
// degradation of downstream services.
package resilience

import (
	"context"
	"errors"
	"net"

	"github.com/fyrsmithlabs/regcycle/internal/faults"
)

// Category classifies an error for retry decisions.
type Category string

const (
	CategoryValidation    Category = "validation"
	CategoryNotFound      Category = "not_found"
	CategoryAuthorization Category = "authorization"
	CategoryDependency    Category = "dependency"
	CategoryAttestation   Category = "attestation"
	CategoryBlocking      Category = "blocking"
	CategoryExpired       Category = "expired"
	CategoryToolExecution Category = "tool_execution"
	CategoryTimeout       Category = "timeout"
	CategoryNetwork       Category = "network"
	CategoryRateLimit     Category = "rate_limit"
	CategoryUnknown       Category = "unknown"
)

// ErrRateLimited marks an error caused by a rate limit.
var ErrRateLimited = errors.New("rate limit exceeded")

// TransientCategories are retried by DefaultRetryConfig.
func TransientCategories() []Category {
	return []Category{CategoryToolExecution, CategoryTimeout, CategoryNetwork, CategoryRateLimit}
}

// IsTransient reports whether err may succeed when retried: its category is
// one of TransientCategories and it is not a *faults.Error explicitly marked
// non-retryable.
func IsTransient(err error) bool {
	if err == nil || markedPermanent(err) {
		return false
	}
	cat := Categorize(err)
	for _, c := range TransientCategories() {
		if c == cat {
			return true
		}
	}
	return false
}

func markedPermanent(err error) bool {
	var fe *faults.Error
	return errors.As(err, &fe) && fe.Kind == faults.KindToolExecution && !fe.Retryable
}

// Categorize maps an error to its category.
func Categorize(err error) Category {
	if err == nil {
		return CategoryUnknown
	}
	if errors.Is(err, ErrRateLimited) {
		return CategoryRateLimit
	}

	switch faults.KindOf(err) {
	case faults.KindValidation, faults.KindInvalidTransition:
		return CategoryValidation
	case faults.KindNotFound:
		return CategoryNotFound
	case faults.KindAuthorization:
		return CategoryAuthorization
	case faults.KindDependency:
		return CategoryDependency
	case faults.KindAttestation:
		return CategoryAttestation
	case faults.KindCriticalIssue:
		return CategoryBlocking
	case faults.KindActionExpired:
		return CategoryExpired
	case faults.KindToolExecution:
		return CategoryToolExecution
	case faults.KindTimeout:
		return CategoryTimeout
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return CategoryTimeout
		}
		return CategoryNetwork
	}
	return CategoryUnknown
}
