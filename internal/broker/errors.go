package broker

import (
	"errors"
	"fmt"
)

var (
	ErrNotConnected        = errors.New("broker not connected")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInsufficientMargin  = errors.New("insufficient margin")
	ErrUnknownContract     = errors.New("unknown contract")
	ErrUnauthorized        = errors.New("broker authorization failed")
	ErrNoQuote             = errors.New("no quote for symbol")
)

// RejectedError is a broker-side refusal with the broker's code.
type RejectedError struct {
	Code    string
	Message string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("broker rejected request: %s: %s", e.Code, e.Message)
}

// IsFatal reports whether err should stop the bot instead of being retried.
func IsFatal(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}
