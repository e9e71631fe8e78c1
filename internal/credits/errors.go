package credits

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthentication means no valid identity was presented. Surfaced as 401.
	ErrAuthentication = errors.New("authentication required")

	// ErrUsageUnavailable is not a fault: the provider response carried no
	// usage metadata and the estimate becomes the final charge.
	ErrUsageUnavailable = errors.New("usage metadata unavailable")

	// ErrInsufficientBalance is returned by a conditional debit that matched no
	// row because the balance could not cover it.
	ErrInsufficientBalance = errors.New("insufficient balance")
)

// InsufficientCreditsError is the only billing outcome allowed to reject a
// request. Surfaced as 402 and never retried.
type InsufficientCreditsError struct {
	Estimated  Amount
	Available  Amount
	Shortfall  Amount
	OrgCredits bool
	OrgID      string
	Reason     string
}

func (e *InsufficientCreditsError) Error() string {
	if e.OrgCredits {
		return fmt.Sprintf("insufficient organization credits: need %s, available %s", e.Estimated, e.Available)
	}
	return fmt.Sprintf("insufficient credits: need %s, available %s", e.Estimated, e.Available)
}

// Fault is a BillingSystemFault: the store was unreachable, a transaction
// failed, or a usage payload was malformed. Faults never reach the client.
type Fault struct {
	Op  string
	Err error
}

func (f *Fault) Error() string {
	return fmt.Sprintf("billing fault in %s: %v", f.Op, f.Err)
}

func (f *Fault) Unwrap() error {
	return f.Err
}

// NewFault wraps err as a fault raised by op. A nil err yields nil.
func NewFault(op string, err error) error {
	if err == nil {
		return nil
	}
	var existing *Fault
	if errors.As(err, &existing) {
		return err
	}
	return &Fault{Op: op, Err: err}
}

// IsFault reports whether err is (or wraps) a billing fault.
func IsFault(err error) bool {
	var f *Fault
	return errors.As(err, &f)
}
