package zap

import "fmt"

// ErrorCode is the closed set of ways a zap can fail
type ErrorCode int

const (
	AddressFormat ErrorCode = iota + 1
	EndpointUnreachable
	AmountOutOfBounds
	ZapRequestBuild
	InvoiceFetch
	WalletNotConfigured
	PaymentTimeout
	WalletPayment
)

func (c ErrorCode) String() string {
	switch c {
	case AddressFormat:
		return "address_format"
	case EndpointUnreachable:
		return "endpoint_unreachable"
	case AmountOutOfBounds:
		return "amount_out_of_bounds"
	case ZapRequestBuild:
		return "zap_request_build"
	case InvoiceFetch:
		return "invoice_fetch"
	case WalletNotConfigured:
		return "wallet_not_configured"
	case PaymentTimeout:
		return "payment_timeout"
	case WalletPayment:
		return "wallet_payment"
	default:
		return "unknown"
	}
}

// Error is the terminal failure of a zap. Message is safe to show to a user.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same code, so errors.Is(err, &Error{Code: PaymentTimeout}) works
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

func newError(code ErrorCode, err error, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}
