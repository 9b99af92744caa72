package authority

import (
	"errors"
	"fmt"

	"github.com/protravka/protravka/execution"
)

// Rejections by the authority. They are definitive: repeating the
// same request yields the same answer.
var (
	ErrOrderNotFound   = errors.New("order not found")
	ErrAlreadyClaimed  = errors.New("order already claimed")
	ErrNotExecutable   = errors.New("order not executable")
	ErrNotClaimOwner   = errors.New("not claim owner")
	ErrStaleSnapshot   = errors.New("stale snapshot")
	ErrInvalidSnapshot = errors.New("invalid snapshot")
	ErrRecordNotFound  = errors.New("record not found")
)

// ErrMissingMedia is returned for uploads without id or data.
var ErrMissingMedia = errors.New("missing media")

// ErrUnreachable is wrapped by clients when a request did not get a
// definitive answer from the authority: transport failures, timeouts
// and server errors. The outcome of such a request is unknown.
var ErrUnreachable = errors.New("authority unreachable")

// ErrRequestRejected is wrapped by clients for client error responses
// without an API error code, such as failed authentication. Repeating
// the request does not change the answer but it says nothing about
// the order or record concerned.
var ErrRequestRejected = errors.New("request rejected")

// Error codes of the HTTP API.
const (
	CodeOrderNotFound   = "order_not_found"
	CodeAlreadyClaimed  = "already_claimed"
	CodeNotExecutable   = "not_executable"
	CodeNotClaimOwner   = "not_claim_owner"
	CodeStaleSnapshot   = "stale_snapshot"
	CodeInvalidSnapshot = "invalid_snapshot"
	CodeRecordNotFound  = "record_not_found"
)

var codes = map[string]error{
	CodeOrderNotFound:   ErrOrderNotFound,
	CodeAlreadyClaimed:  ErrAlreadyClaimed,
	CodeNotExecutable:   ErrNotExecutable,
	CodeNotClaimOwner:   ErrNotClaimOwner,
	CodeStaleSnapshot:   ErrStaleSnapshot,
	CodeInvalidSnapshot: ErrInvalidSnapshot,
	CodeRecordNotFound:  ErrRecordNotFound,
}

// ErrorForCode returns the rejection for an API error code, or nil.
func ErrorForCode(code string) error {
	return codes[code]
}

// CodeForError returns the API error code of a rejection, or "".
func CodeForError(err error) string {
	var claimed *ClaimedError
	if errors.As(err, &claimed) {
		return CodeAlreadyClaimed
	}
	for code, codeErr := range codes {
		if errors.Is(err, codeErr) {
			return code
		}
	}
	return ""
}

// IsRejection reports whether err is a definitive answer from the authority.
func IsRejection(err error) bool {
	return CodeForError(err) != ""
}

// IsFinal reports whether repeating the request that failed with err
// can not succeed.
func IsFinal(err error) bool {
	return IsRejection(err) || errors.Is(err, ErrRequestRejected)
}

// ClaimedError is the rejection of a claim for an order another
// operator already executes.
type ClaimedError struct {
	OrderID   string
	ClaimedBy execution.Operator
}

func (e *ClaimedError) Error() string {
	return fmt.Sprintf("%s: %s by %s", ErrAlreadyClaimed, e.OrderID, e.ClaimedBy)
}

func (e *ClaimedError) Unwrap() error {
	return ErrAlreadyClaimed
}
