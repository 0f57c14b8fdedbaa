package consign

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is returned for missing or malformed caller input.
	ErrValidation = errors.New("validation failed")

	// ErrAuthRejected is returned when the server refuses the credentials.
	ErrAuthRejected = errors.New("authentication rejected")

	// ErrMalformedResponse is returned when a success response lacks a token
	// or expiry. Such responses are never persisted.
	ErrMalformedResponse = errors.New("malformed server response")

	// ErrNoSession is returned when an operation needs a session and there is none.
	ErrNoSession = errors.New("no session")

	// ErrRefreshFailed is returned when the server does not issue a new credential.
	ErrRefreshFailed = errors.New("refresh failed")

	// ErrSessionEnded is returned by the request pipeline after a failed
	// refresh has logged the user out.
	ErrSessionEnded = errors.New("session ended")

	// ErrStorage is returned when the credential store cannot be written.
	ErrStorage = errors.New("credential storage failed")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid config")
)

// AuthError is the typed failure surfaced to UI code. Kind is one of the
// sentinels above; Err is the underlying cause, if any.
type AuthError struct {
	Op      string
	Kind    error
	Message string
	Status  int
	Err     error
}

func (e *AuthError) Error() string {
	msg := "error"
	if e.Kind != nil {
		msg = e.Kind.Error()
	}
	if e.Message != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Message)
	}
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.Status)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return "consign: " + msg
}

func (e *AuthError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// UserMessage returns text suitable for showing to the person at the keyboard.
func (e *AuthError) UserMessage() string {
	switch {
	case errors.Is(e.Kind, ErrSessionEnded), errors.Is(e.Kind, ErrRefreshFailed):
		return "Your session ended, please sign in again."
	case e.Message != "" && (errors.Is(e.Kind, ErrAuthRejected) || errors.Is(e.Kind, ErrValidation)):
		return e.Message
	case errors.Is(e.Kind, ErrAuthRejected):
		return "Incorrect email or password."
	case errors.Is(e.Kind, ErrValidation):
		return "Please check the highlighted fields."
	default:
		return "Something went wrong, please try again."
	}
}

// UserMessage extracts a displayable message from any error, falling back
// to a generic one for errors that are not an *AuthError.
func UserMessage(err error) string {
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae.UserMessage()
	}
	return "Something went wrong, please try again."
}
