package livesync

import "errors"

// Result is the outcome of a write. Callers must check Success; writes never return a Go
// error or panic on backend failure.
type Result[T any] struct {
	Success bool   `json:"success"`
	Data    T      `json:"data"`
	Error   string `json:"error,omitempty"`

	err error
}

// Ok wraps a successful write.
func Ok[T any](data T) Result[T] {
	return Result[T]{Success: true, Data: data}
}

// Fail wraps a failed write.
func Fail[T any](err error) Result[T] {
	if err == nil {
		err = errors.New("unknown error")
	}
	return Result[T]{Error: err.Error(), err: err}
}

// Err returns the failure as an error, or nil on success. The original error is kept so
// errors.Is works against backend sentinels.
func (r Result[T]) Err() error {
	if r.Success {
		return nil
	}
	if r.err != nil {
		return r.err
	}
	return errors.New(r.Error)
}
