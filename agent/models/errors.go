package models

import (
	"errors"
	"fmt"
)

var (
	ErrExec              = errors.New("step execution failed")
	ErrActionNotFound    = errors.New("action not found")
	ErrActionExists      = errors.New("action already exists")
	ErrInvalidRepository = errors.New("invalid repository url")
	ErrCancelled         = errors.New("action cancelled")
)

// StepOutputError is returned when a step exits with a nonzero code.
type StepOutputError struct {
	ExitCode int
}

func (e *StepOutputError) Error() string {
	return fmt.Sprintf("step exited with code %d", e.ExitCode)
}
