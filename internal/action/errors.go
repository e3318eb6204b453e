package action

import (
	"errors"
	"fmt"
)

// InvalidActionError reports a construction attempt with a missing or
// malformed required field. Actions are validated once, at creation; the
// queue never holds an action without its required entity ids.
type InvalidActionError struct {
	Kind  string
	Field string
}

func (e *InvalidActionError) Error() string {
	return fmt.Sprintf("invalid %s action: missing or malformed %s", e.Kind, e.Field)
}

// IsInvalid reports whether err is an InvalidActionError.
func IsInvalid(err error) bool {
	var ie *InvalidActionError
	return errors.As(err, &ie)
}
