//
// Copyright 2020 Nestybox, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package domain

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrorKind tags the failures produced along the metadata and content paths.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota

	// Store connection absent. No round-trip was attempted.
	KindNotConnected

	// Key absent from the store.
	KindNotFound

	// I/O, timeout or protocol failure while talking to the store.
	KindTransport

	// Attribute blob present but violating the wire-format.
	KindMalformed

	// Content not (yet) available for an entry that requires an origin fetch.
	KindUnavailable
)

func (k ErrorKind) String() string {

	switch k {
	case KindNotConnected:
		return "not-connected"
	case KindNotFound:
		return "not-found"
	case KindTransport:
		return "transport"
	case KindMalformed:
		return "malformed"
	case KindUnavailable:
		return "unavailable"
	}

	return "unknown"
}

// StoreError is the error type returned by the store, codec and cache
// components. Callers are expected to match on its Kind (either directly or
// through errors.Is() against the Err* sentinels below) rather than on its
// message.
type StoreError struct {
	Kind ErrorKind
	Op   string
	Key  string
	Err  error
}

func (e *StoreError) Error() string {

	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Key != "" {
		msg = fmt.Sprintf("%s (key %q)", msg, e.Key)
	}
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}

	return msg
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// Is matches any StoreError carrying the same Kind, which allows the sentinels
// below to be used with errors.Is().
func (e *StoreError) Is(target error) bool {

	t, ok := target.(*StoreError)
	if !ok {
		return false
	}

	return t.Kind == e.Kind && t.Op == "" && t.Key == "" && t.Err == nil
}

var (
	ErrNotConnected = &StoreError{Kind: KindNotConnected}
	ErrNotFound     = &StoreError{Kind: KindNotFound}
	ErrTransport    = &StoreError{Kind: KindTransport}
	ErrMalformed    = &StoreError{Kind: KindMalformed}
	ErrUnavailable  = &StoreError{Kind: KindUnavailable}
)

// NewStoreError builds a StoreError of the given kind.
func NewStoreError(kind ErrorKind, op string, key string, err error) *StoreError {
	return &StoreError{Kind: kind, Op: op, Key: key, Err: err}
}

// ErrorKindOf extracts the ErrorKind of any error chain holding a StoreError.
func ErrorKindOf(err error) ErrorKind {

	var se *StoreError
	if errors.As(err, &se) {
		return se.Kind
	}

	return KindUnknown
}
