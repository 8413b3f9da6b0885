// util/errors.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package util

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
)

// Error kinds. Errors returned from the storage, container, manifest and
// backup packages are marked with one of these; test for them with
// errors.Is from github.com/cockroachdb/errors.
var (
	ErrIO             = errors.New("i/o error")
	ErrIntegrity      = errors.New("integrity check failed")
	ErrRecursionLimit = errors.New("container recursion limit exceeded")
	ErrNotFound       = errors.New("not found")
	ErrSerialization  = errors.New("serialization error")
)

var kinds = []error{ErrIO, ErrIntegrity, ErrRecursionLimit, ErrNotFound, ErrSerialization}

// Errorf returns a new error of the given kind.
func Errorf(kind error, format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), kind)
}

// Wrapf annotates err with the message and marks it with the given kind.
// It returns nil if err is nil.
func Wrapf(kind error, err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return errors.Mark(errors.Wrapf(err, format, args...), kind)
}

// Kind returns the name of the error kind that err was marked with, or
// "error" if it has none.
func Kind(err error) string {
	for _, k := range kinds {
		if errors.Is(err, k) {
			switch k {
			case ErrIO:
				return "IoError"
			case ErrIntegrity:
				return "IntegrityError"
			case ErrRecursionLimit:
				return "RecursionLimitExceeded"
			case ErrNotFound:
				return "NotFoundError"
			case ErrSerialization:
				return "SerializationError"
			}
		}
	}
	return "error"
}

// ItemError is a per-item failure in a backup or recovery run, with
// enough context for the caller to report it.
type ItemError struct {
	Path       string
	Hash       string
	ManifestID string
	Err        error
}

func (e *ItemError) Error() string {
	var ctx []string
	if e.ManifestID != "" {
		ctx = append(ctx, "manifest "+e.ManifestID)
	}
	if e.Hash != "" {
		ctx = append(ctx, "chunk "+e.Hash)
	}
	s := e.Path
	if len(ctx) > 0 {
		s += " (" + strings.Join(ctx, ", ") + ")"
	}
	return fmt.Sprintf("%s: %s: %v", s, Kind(e.Err), e.Err)
}

func (e *ItemError) Unwrap() error {
	return e.Err
}
