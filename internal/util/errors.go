// Copyright 2025 Celine Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package util

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies request failures. Each boundary returns one of these
// instead of throwing; the HTTP layer translates a kind to a status code
// exactly once.
type ErrorKind int

const (
	// KindInvalidRequest covers grammar violations, unknown datasets,
	// statement timeouts and database rejections.
	KindInvalidRequest ErrorKind = iota
	// KindUnauthenticated covers missing or invalid bearer tokens.
	KindUnauthenticated
	// KindForbidden covers policy denials.
	KindForbidden
	// KindNotFound covers absent dataset ids.
	KindNotFound
	// KindConfigError covers unusable catalogue or dataset configuration.
	KindConfigError
	// KindUpstream covers unreachable policy engines and row-filter upstreams.
	KindUpstream
)

// GatewayError is a classified, client-safe error. Message is the string
// rendered to clients; the wrapped cause stays server-side.
type GatewayError struct {
	Kind    ErrorKind
	Message string
	cause   error
}

func (e *GatewayError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

func (e *GatewayError) Unwrap() error { return e.cause }

// HTTPStatus maps the error kind to its response status code.
func (e *GatewayError) HTTPStatus() int {
	switch e.Kind {
	case KindInvalidRequest:
		return http.StatusBadRequest
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConfigError:
		return http.StatusInternalServerError
	case KindUpstream:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// NewError builds a GatewayError with a client-visible message.
func NewError(kind ErrorKind, msg string) *GatewayError {
	return &GatewayError{Kind: kind, Message: msg}
}

// WrapError attaches a server-side cause to a client-visible message.
func WrapError(kind ErrorKind, msg string, cause error) *GatewayError {
	return &GatewayError{Kind: kind, Message: msg, cause: cause}
}

// AsGatewayError unwraps err into a *GatewayError when possible.
func AsGatewayError(err error) (*GatewayError, bool) {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge, true
	}
	return nil, false
}

// Invalidf is shorthand for a formatted InvalidRequest error.
func Invalidf(format string, args ...any) *GatewayError {
	return &GatewayError{Kind: KindInvalidRequest, Message: fmt.Sprintf(format, args...)}
}
