package sync

import (
	"errors"
	"fmt"
)

// CodeOffline marks errors that are retried once the account is online.
const CodeOffline = 42

// CodeError is an error carrying a numeric code. Two CodeErrors match
// under errors.Is when their codes are equal.
type CodeError struct {
	Code int
	Msg  string
}

func (e *CodeError) Error() string {
	return fmt.Sprintf("%s (code %d)", e.Msg, e.Code)
}

func (e *CodeError) Is(target error) bool {
	t, ok := target.(*CodeError)
	return ok && t.Code == e.Code
}

// ErrOffline is returned by remote operations attempted while offline.
var ErrOffline = &CodeError{Code: CodeOffline, Msg: "client is currently offline"}

// IsOffline reports whether err carries the offline code.
func IsOffline(err error) bool {
	return errors.Is(err, ErrOffline)
}
