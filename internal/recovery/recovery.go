// Package recovery centralizes timeout enforcement and the
// retry/abort decision for every fault the transfer subsystem can
// produce.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mysqlbak/transfer/internal/errs"
)

// TimeoutError carries the operation kind and both the configured and
// actual elapsed duration, so callers can log and decide without
// re-deriving context from a bare context.DeadlineExceeded.
type TimeoutError struct {
	Kind       string
	Configured time.Duration
	Actual     time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s (budget %s)", e.Kind, e.Actual, e.Configured)
}

// Decision is the outcome of classifying a fault against the
// Coordinator's policy table.
type Decision struct {
	Retry         bool
	ResumeCapable bool
	Reason        string
}

// Coordinator wraps calls with a deadline and classifies their
// failures into a retry decision.
type Coordinator struct {
	now func() time.Time
}

// New returns a Coordinator.
func New() *Coordinator {
	return &Coordinator{now: time.Now}
}

// WithDeadline runs fn under a context bounded by timeout, converting
// a context.DeadlineExceeded into a typed *TimeoutError whose Kind (and
// the wrapping error's Scope) is op.
func (c *Coordinator) WithDeadline(ctx context.Context, op string, timeout time.Duration, fn func(context.Context) error) error {
	start := c.now()
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := fn(callCtx)
	if err == nil {
		return nil
	}
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return errs.NewScoped(errs.KindTimeout, op, "RecoveryCoordinator.withDeadline", &TimeoutError{
			Kind:       op,
			Configured: timeout,
			Actual:     c.now().Sub(start),
		})
	}
	return err
}

// Classify maps an error's Kind onto the retry/resume decision table.
// resumeTokenPresent narrows the TimeoutError(transfer) case, which
// only retries when a resume token exists to pick the transfer back
// up; a TransportError always retries and is resume-capable only when
// a token is present. wholeFile marks a file-scope ChecksumError, which
// is never retried.
func (c *Coordinator) Classify(err error, resumeTokenPresent bool, wholeFile bool) Decision {
	switch errs.Of(err) {
	case errs.KindTimeout:
		if resumeTokenPresent {
			return Decision{Retry: true, ResumeCapable: true, Reason: "timeout with resume token"}
		}
		return Decision{Retry: false, Reason: "timeout, no resume token"}
	case errs.KindChecksum:
		if wholeFile {
			return Decision{Retry: false, Reason: "whole-file checksum mismatch"}
		}
		return Decision{Retry: true, Reason: "chunk checksum mismatch, retry once"}
	case errs.KindOrder:
		return Decision{Retry: false, Reason: "out-of-order chunk"}
	case errs.KindAuth, errs.KindAuthz, errs.KindLockedOut:
		return Decision{Retry: false, Reason: "authentication/authorization failure"}
	case errs.KindStorageFull:
		return Decision{Retry: false, Reason: "destination storage full"}
	case errs.KindTransport:
		return Decision{Retry: true, ResumeCapable: resumeTokenPresent, Reason: "transport reset or closed"}
	default:
		return Decision{Retry: false, Reason: "unclassified error"}
	}
}
