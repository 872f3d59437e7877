package tds

import "fmt"

// HandlerStatus is the outcome of a token handler invocation.
//
// HandlerNotEnoughBytes is flow control, not an error: it asks the session
// to fetch another PDU, merge it with the unconsumed residue, and re-run the
// handler from the start of the token. The remaining statuses other than
// HandlerSuccess are terminal for the current query.
type HandlerStatus uint8

const (
	HandlerSuccess HandlerStatus = iota
	HandlerNotEnoughBytes
	HandlerNotEnoughMemory
	HandlerInvalidFieldLength
	HandlerMissingColMetadata
	HandlerUnknownSizeType
	HandlerUnhandled
)

func (s HandlerStatus) String() string {
	switch s {
	case HandlerSuccess:
		return "success"
	case HandlerNotEnoughBytes:
		return "not_enough_bytes"
	case HandlerNotEnoughMemory:
		return "not_enough_memory"
	case HandlerInvalidFieldLength:
		return "invalid_field_length"
	case HandlerMissingColMetadata:
		return "missing_prior_colmetadata"
	case HandlerUnknownSizeType:
		return "unknown_column_size_type"
	case HandlerUnhandled:
		return "unhandled"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// HandlerResult carries a handler status plus, for HandlerNotEnoughBytes,
// the minimum number of additional bytes the handler needs before it can
// make progress.
type HandlerResult struct {
	Status      HandlerStatus
	NeededBytes int
}

func handlerOK() HandlerResult {
	return HandlerResult{Status: HandlerSuccess}
}

func needMore(n int) HandlerResult {
	if n < 1 {
		n = 1
	}
	return HandlerResult{Status: HandlerNotEnoughBytes, NeededBytes: n}
}

// LoginStatus is the outcome of a login attempt.
type LoginStatus uint8

const (
	LoginSuccess LoginStatus = iota
	LoginFailureNotEnoughMemory
	LoginFailureInvalidResponse
	LoginFailureServerError
)

func (s LoginStatus) String() string {
	switch s {
	case LoginSuccess:
		return "success"
	case LoginFailureNotEnoughMemory:
		return "failure_not_enough_memory"
	case LoginFailureInvalidResponse:
		return "failure_invalid_response"
	case LoginFailureServerError:
		return "failure_server_error"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}
