package services

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for the supervisor's reset decision.
type Kind int

const (
	KindUnexpected Kind = iota
	KindConfig
	KindSensor
	KindNetwork
	KindParse
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindSensor:
		return "sensor"
	case KindNetwork:
		return "network"
	case KindParse:
		return "parse"
	default:
		return "unexpected"
	}
}

// Fatal reports whether a failure of this kind ends the session.
func (k Kind) Fatal() bool {
	switch k {
	case KindNetwork, KindParse:
		return false
	case KindConfig, KindSensor, KindUnexpected:
		return true
	}
	return true
}

// Error is a failure tagged with its Kind and the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s error: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap tags err with kind. A nil err stays nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the Kind carried by err, or KindUnexpected if untagged.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnexpected
}
