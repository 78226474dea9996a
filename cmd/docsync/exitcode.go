package main

import "errors"

var (
	ErrSecretRequired  = errors.New("jwt secret required (auth.jwt_secret or --secret)")
	ErrSubjectRequired = errors.New("subject required")
)

type exitCodeError struct {
	code  int
	msg   string
	quiet bool
}

func (e *exitCodeError) Error() string {
	return e.msg
}

func (e *exitCodeError) ExitCode() int {
	return e.code
}

func (e *exitCodeError) Quiet() bool {
	return e.quiet
}

func usageError(msg string) error {
	return &exitCodeError{code: 2, msg: msg}
}
