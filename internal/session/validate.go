package session

import (
	"errors"
	"fmt"
	"regexp"
)

// ErrInvalidName rejects an instance id that is unsafe as a directory name.
var ErrInvalidName = errors.New("invalid instance id")

var nameRegexp = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

// ValidateName checks that an instance id is safe to use as a directory name.
func ValidateName(name string) error {
	if !nameRegexp.MatchString(name) {
		return fmt.Errorf("%w %q: must match ^[a-zA-Z0-9_-]{1,64}$", ErrInvalidName, name)
	}
	return nil
}
