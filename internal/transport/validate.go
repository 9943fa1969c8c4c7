package transport

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

var (
	// ErrInvalidInput wraps every validation failure.
	ErrInvalidInput = errors.New("invalid input")
	// ErrAlreadyResolved is returned when resolving an alert that is already closed.
	ErrAlreadyResolved = errors.New("alert already resolved")
	// ErrAlreadyInactive is returned when deactivating a camera event twice.
	ErrAlreadyInactive = errors.New("camera already inactive")
)

var validate = validator.New()

func check(v any) error {
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}

func defaultClock() time.Time { return time.Now().UTC() }
