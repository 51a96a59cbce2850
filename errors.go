package x402

import (
	"errors"
	"fmt"
)

// Reason is a machine-readable verification or settlement failure code.
type Reason string

// Verify-time reasons.
const (
	ReasonSchemeMismatch        Reason = "scheme_mismatch"
	ReasonNetworkMismatch       Reason = "network_mismatch"
	ReasonRecipientMismatch     Reason = "recipient_mismatch"
	ReasonAmountInsufficient    Reason = "amount_insufficient"
	ReasonExpired               Reason = "authorization_expired"
	ReasonNotYetValid           Reason = "authorization_not_yet_valid"
	ReasonTimeoutWindowExceeded Reason = "timeout_window_exceeded"
	ReasonAssetMismatch         Reason = "asset_mismatch"
	ReasonSignatureInvalid      Reason = "invalid_signature"
	ReasonMalformedPayload      Reason = "malformed_payload"

	ReasonUnsupportedScheme         Reason = "unsupported_scheme"
	ReasonUnsupportedNetwork        Reason = "unsupported_network"
	ReasonUnsupportedTransferMethod Reason = "unsupported_transfer_method"
)

// Settle-time reasons.
const (
	ReasonAlreadyReserved   Reason = "already_reserved"
	ReasonAlreadyUsed       Reason = "already_used"
	ReasonLedgerRejected    Reason = "ledger_rejected"
	ReasonLedgerTimeout     Reason = "ledger_timeout"
	ReasonLedgerUnavailable Reason = "ledger_unavailable"
)

// Retryable reports whether the caller may retry with the same signed payload.
// LedgerRejected and AlreadyUsed are terminal: a new authorization is required.
func (r Reason) Retryable() bool {
	switch r {
	case ReasonAlreadyReserved, ReasonLedgerTimeout, ReasonLedgerUnavailable:
		return true
	}
	return false
}

// PaymentError represents an error related to payment processing.
type PaymentError struct {
	Reason  Reason
	Message string
	Cause   error
}

func (e *PaymentError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Reason, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}

func (e *PaymentError) Unwrap() error {
	return e.Cause
}

// NewPaymentError creates a new PaymentError.
func NewPaymentError(reason Reason, message string, cause error) *PaymentError {
	return &PaymentError{
		Reason:  reason,
		Message: message,
		Cause:   cause,
	}
}

// IsPaymentError checks if an error is, or wraps, a PaymentError.
func IsPaymentError(err error) bool {
	var pe *PaymentError
	return errors.As(err, &pe)
}

// ReasonOf extracts the reason from the first PaymentError in err's chain.
// It returns fallback when there is none.
func ReasonOf(err error, fallback Reason) Reason {
	var pe *PaymentError
	if errors.As(err, &pe) {
		return pe.Reason
	}
	return fallback
}
