// SPDX-License-Identifier: AGPL-3.0-only

package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind separates failures worth retrying from those that are not.
type ErrorKind int

const (
	// KindTransient covers network failures and rate limiting.
	KindTransient ErrorKind = iota
	// KindPermanent covers authentication failures and rejected payloads.
	KindPermanent
)

func (k ErrorKind) String() string {
	if k == KindPermanent {
		return "permanent"
	}
	return "transient"
}

// Error is a classified provider failure.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient wraps err as a retryable provider failure.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindTransient, Op: op, Err: err}
}

// Permanent wraps err as a provider failure that retrying will not fix.
func Permanent(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindPermanent, Op: op, Err: err}
}

// IsPermanent reports whether err carries a permanent classification.
// Unclassified errors are not permanent.
func IsPermanent(err error) bool {
	var perr *Error
	return errors.As(err, &perr) && perr.Kind == KindPermanent
}

// IsTransient reports whether err should be retried with backoff.
func IsTransient(err error) bool {
	return err != nil && !IsPermanent(err)
}

// ClassifyStatus maps an HTTP status code of a failed call to an error kind.
func ClassifyStatus(code int) ErrorKind {
	switch {
	case code == http.StatusRequestTimeout,
		code == http.StatusTooManyRequests,
		code >= 500:
		return KindTransient
	case code >= 400:
		return KindPermanent
	default:
		return KindTransient
	}
}

// FromStatus wraps err according to the HTTP status code that produced it.
func FromStatus(op string, code int, err error) error {
	if ClassifyStatus(code) == KindPermanent {
		return Permanent(op, err)
	}
	return Transient(op, err)
}

// FromTransport classifies an error returned before any HTTP status was
// received. Cancellation is passed through untouched.
func FromTransport(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return Transient(op, err)
}
