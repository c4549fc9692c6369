// Licensed to the LF AI & Data foundation under one
// or more contributor license agreements. See the NOTICE file
// distributed with this work for additional information
// regarding copyright ownership. The ASF licenses this file
// to you under the Apache License, Version 2.0 (the
// "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package merr

import (
	"github.com/cockroachdb/errors"
	"github.com/samber/lo"
)

const (
	CanceledCode int32 = 10000
	TimeoutCode  int32 = 10001
)

type ErrorType int32

const (
	SystemError ErrorType = 0
	InputError  ErrorType = 1
)

var ErrorTypeName = map[ErrorType]string{
	SystemError: "system_error",
	InputError:  "input_error",
}

func (err ErrorType) String() string {
	return ErrorTypeName[err]
}

// Define leaf errors here,
// WARN: take care to add new error,
// check whether you can use the errors below before adding a new one.
// Name: Err + related prefix + error name
var (
	// Service related
	ErrServiceNotReady    = newCollabError("service not ready", 1, true)
	ErrServiceUnavailable = newCollabError("service unavailable", 2, true)
	ErrServiceInternal    = newCollabError("service internal error", 5, false)
	ErrServiceClosed      = newCollabError("service closed", 6, false)

	// Admission related (handshake & authorization)
	ErrAdmissionDenied     = newCollabError("access denied", 100, false, WithErrorType(InputError))
	ErrNotMember           = newCollabError("not a member", 101, false, WithErrorType(InputError))
	ErrProtocolUnsupported = newCollabError("unsupported protocol version", 102, false, WithErrorType(InputError))

	// Protocol violation related
	ErrProtocolViolation = newCollabError("protocol violation", 200, false, WithErrorType(InputError))
	ErrReadOnlySession   = newCollabError("read-only session", 201, false, WithErrorType(InputError))
	ErrSessionState      = newCollabError("incomplete session state", 202, false)

	// Session & room related
	ErrSessionNotFound   = newCollabError("session not found", 300, false)
	ErrSessionDuplicated = newCollabError("session already joined", 301, false)
	ErrSessionClosed     = newCollabError("session closed", 302, false)
	ErrSendQueueFull     = newCollabError("send queue full", 303, true)

	// Document & codec related
	ErrDocumentNotFound = newCollabError("document not found", 400, false)
	ErrCodecFailure     = newCollabError("crdt codec failure", 401, false)
	ErrDocumentEvicted  = newCollabError("document evicted", 402, true)

	// IO related
	ErrIoKeyNotFound      = newCollabError("key not found", 1000, false)
	ErrIoFailed           = newCollabError("IO failed", 1001, true)
	ErrPersistenceFailure = newCollabError("snapshot persistence failed", 1002, true)

	// Parameter related
	ErrParameterInvalid  = newCollabError("invalid parameter", 1100, false, WithErrorType(InputError))
	ErrParameterMissing  = newCollabError("missing parameter", 1101, false, WithErrorType(InputError))
	ErrParameterTooLarge = newCollabError("parameter too large", 1102, false, WithErrorType(InputError))

	// Message bus related
	ErrBusPublish     = newCollabError("bus publish failed", 1300, true)
	ErrBusClosed      = newCollabError("bus closed", 1301, false)
	ErrBusMalformed   = newCollabError("malformed bus message", 1302, false)
	ErrBroadcastFault = newCollabError("broadcast delivery failed", 1303, false)

	// General
	ErrOperationNotSupported = newCollabError("unsupported operation", 3000, false)

	// Do NOT export this,
	// never allow programmer using this, keep only for converting unknown error to collabError
	errUnexpected = newCollabError("unexpected error", (1<<16)-1, false)
)

type errorOption func(*collabError)

func WithDetail(detail string) errorOption {
	return func(err *collabError) {
		err.detail = detail
	}
}

func WithErrorType(etype ErrorType) errorOption {
	return func(err *collabError) {
		err.errType = etype
	}
}

type collabError struct {
	msg       string
	detail    string
	retriable bool
	errCode   int32
	errType   ErrorType
}

func newCollabError(msg string, code int32, retriable bool, options ...errorOption) collabError {
	err := collabError{
		msg:       msg,
		detail:    msg,
		retriable: retriable,
		errCode:   code,
	}

	for _, option := range options {
		option(&err)
	}
	leafMessages[code] = msg
	return err
}

func (e collabError) code() int32 {
	return e.errCode
}

func (e collabError) Error() string {
	return e.msg
}

func (e collabError) Detail() string {
	return e.detail
}

func (e collabError) Is(err error) bool {
	cause := errors.Cause(err)
	if cause, ok := cause.(collabError); ok {
		return e.errCode == cause.errCode
	}
	return false
}

type multiErrors struct {
	errs []error
}

func (e multiErrors) Unwrap() error {
	if len(e.errs) <= 1 {
		return nil
	}
	// To make merr work for multi errors,
	// we need cause of multi errors, which defined as the last error
	if len(e.errs) == 2 {
		return e.errs[1]
	}

	return multiErrors{
		errs: e.errs[1:],
	}
}

func (e multiErrors) Error() string {
	final := e.errs[0]
	for i := 1; i < len(e.errs); i++ {
		final = errors.Wrap(e.errs[i], final.Error())
	}
	return final.Error()
}

func (e multiErrors) Is(err error) bool {
	for _, item := range e.errs {
		if errors.Is(item, err) {
			return true
		}
	}
	return false
}

func Combine(errs ...error) error {
	errs = lo.Filter(errs, func(err error, _ int) bool { return err != nil })
	if len(errs) == 0 {
		return nil
	}
	return multiErrors{
		errs,
	}
}
