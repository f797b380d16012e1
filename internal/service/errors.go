package service

import (
	"errors"
	"fmt"

	"haven-service/internal/repository"
)

// Error kinds. Callers branch with errors.Is, never on message text.
var (
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("conflict")
	ErrValidation  = errors.New("validation failed")
	ErrForbidden   = errors.New("forbidden")
	ErrGateway     = errors.New("upstream provider failed")
	ErrRateLimited = errors.New("rate limited")
)

// Error is a classified failure with a message safe to show to the caller.
type Error struct {
	Kind    error
	Field   string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Is(target error) bool { return target == e.Kind }

func (e *Error) Unwrap() error { return e.Err }

func notFound(msg string) *Error { return &Error{Kind: ErrNotFound, Message: msg} }

func conflict(field, msg string) *Error {
	return &Error{Kind: ErrConflict, Field: field, Message: msg}
}

func validation(field, msg string) *Error {
	return &Error{Kind: ErrValidation, Field: field, Message: msg}
}

func forbidden(msg string) *Error { return &Error{Kind: ErrForbidden, Message: msg} }

func gateway(msg string, err error) *Error {
	return &Error{Kind: ErrGateway, Message: msg, Err: err}
}

// PublicMessage returns the caller-facing message of a classified error.
func PublicMessage(err error) (string, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Message, true
	}
	return "", false
}

var conflictMessages = map[string]string{
	repository.FieldClerkID:       "User already exists for this identity.",
	repository.FieldEmail:         "Email is already registered to another user.",
	repository.FieldWalletAddress: "Wallet address is already linked to another user.",
	repository.FieldWalletID:      "Wallet id is already linked to another user.",
}

func conflictOn(field string) *Error {
	msg, ok := conflictMessages[field]
	if !ok {
		msg = "Duplicate value for " + field
	}
	return conflict(field, msg)
}

// fromRepository classifies store errors. Anything unclassified is wrapped
// with op and treated as internal by callers.
func fromRepository(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, repository.ErrNotFound) {
		return notFound("User not found")
	}
	if field, ok := repository.IsDuplicateKey(err); ok {
		return conflictOn(field)
	}
	return fmt.Errorf("%s: %w", op, err)
}
