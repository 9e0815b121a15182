package repositories

import (
	"errors"
	"fmt"
)

type ErrNotFound struct {
	Namespace string
}

func (e *ErrNotFound) Error() string {
	if e.Namespace == "" {
		return "not found"
	}
	return fmt.Sprintf("snapshot %q not found", e.Namespace)
}

func IsNotFound(err error) bool {
	var target *ErrNotFound
	return errors.As(err, &target)
}
