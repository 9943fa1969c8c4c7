package backend

import "fmt"

type invalidError struct{ msg string }

func (e *invalidError) Error() string { return "invalid request: " + e.msg }
func (e *invalidError) Unwrap() error { return ErrInvalid }

func errorf(format string, args ...any) error {
	return &invalidError{msg: fmt.Sprintf(format, args...)}
}
