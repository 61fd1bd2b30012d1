package intermediary

import "fmt"

// Business response codes returned inside a 200 response body. Codes in the
// 20xxx range belong to the swap endpoints, 1000x to the invoice-status
// endpoints.
const (
	CodeSuccess            = 20000
	CodeNotEnoughLiquidity = 20001
	CodeNotEnoughTime      = 20002
	CodeAmountTooLow       = 20003
	CodeAmountTooHigh      = 20004
	CodeNotCommitted       = 20005
	CodeAlreadyPaid        = 20006
	CodeSwapNotFound       = 20007
	CodePaymentInFlight    = 20008
	CodeAuthExpired        = 20009
	CodeSwapAlreadyExists  = 20010
	CodeInvalidSequence    = 20042
	CodeInvalidBounty      = 20043
	CodeDuplicateSequence  = 20060
	CodeInvalidBody        = 20100
	CodeInvalidChain       = 20200
	CodePluginMessage      = 29999

	CodeInvoiceReady    = 10000
	CodeInvoicePending  = 10001
	CodeInvoiceExpired  = 10002
	CodeInvoiceNotFound = 10003
	CodeAuthPending     = 10004
)

// Error is a user-visible business error carried through the handlers and
// serialized by the HTTP layer as {code, msg, data}.
type Error struct {
	Code       int
	Msg        string
	Data       interface{}
	HTTPStatus int
}

func (e *Error) Error() string {
	return fmt.Sprintf("code %d: %s", e.Code, e.Msg)
}

// NewError creates a business error with the default 200 HTTP status.
func NewError(code int, msg string) *Error {
	return &Error{Code: code, Msg: msg}
}

// NewErrorData creates a business error carrying extra response data.
func NewErrorData(code int, msg string, data interface{}) *Error {
	return &Error{Code: code, Msg: msg, Data: data}
}
