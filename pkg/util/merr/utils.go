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
	"context"
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
)

// leafMessages 记录每个错误码对应的原始（不含字段）描述，
// 用于向客户端返回不泄露内部细节的简短原因。
var leafMessages = map[int32]string{}

// Code 返回给定错误对应的错误码。
func Code(err error) int32 {
	if err == nil {
		return 0
	}

	cause := errors.Cause(err)
	switch specificErr := cause.(type) {
	case collabError:
		return specificErr.code()

	default:
		if errors.Is(specificErr, context.Canceled) {
			return CanceledCode
		} else if errors.Is(specificErr, context.DeadlineExceeded) {
			return TimeoutCode
		} else {
			return errUnexpected.code()
		}
	}
}

func IsRetryableErr(err error) bool {
	var cerr collabError
	if errors.As(err, &cerr) {
		return cerr.retriable
	}
	return false
}

func IsCanceledOrTimeout(err error) bool {
	return errors.IsAny(err, context.Canceled, context.DeadlineExceeded)
}

func GetErrorType(err error) ErrorType {
	var cerr collabError
	if errors.As(err, &cerr) {
		return cerr.errType
	}
	return SystemError
}

// PublicMessage 返回 err 所属错误码的原始描述，不包含任何附加字段。
//
// 未知错误统一返回空字符串，由调用方决定兜底文案。
func PublicMessage(err error) string {
	var cerr collabError
	if !errors.As(err, &cerr) {
		return ""
	}
	return leafMessages[cerr.errCode]
}

// Admission 相关错误封装。
func WrapErrAdmissionDenied(reason string, msg ...string) error {
	err := wrapFieldsWithDesc(ErrAdmissionDenied, reason)
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrNotMember(workspaceID, userID string) error {
	return wrapFields(ErrNotMember, value("workspaceId", workspaceID), value("userId", userID))
}

func WrapErrProtocolUnsupported(version string, supported string) error {
	return wrapFields(ErrProtocolUnsupported, value("version", version), value("supported", supported))
}

// Protocol 相关错误封装。
func WrapErrProtocolViolation(reason string, msg ...string) error {
	err := wrapFieldsWithDesc(ErrProtocolViolation, reason)
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrReadOnlySession(sessionID string) error {
	return wrapFields(ErrReadOnlySession, value("sessionId", sessionID))
}

func WrapErrSessionState(sessionID string, state string) error {
	return wrapFields(ErrSessionState, value("sessionId", sessionID), value("state", state))
}

// Session 相关错误封装。
func WrapErrSessionNotFound(documentID, sessionID string) error {
	return wrapFields(ErrSessionNotFound, value("documentId", documentID), value("sessionId", sessionID))
}

func WrapErrSessionDuplicated(documentID, sessionID string) error {
	return wrapFields(ErrSessionDuplicated, value("documentId", documentID), value("sessionId", sessionID))
}

func WrapErrSendQueueFull(sessionID string, capacity int) error {
	return wrapFields(ErrSendQueueFull, value("sessionId", sessionID), value("capacity", capacity))
}

// Document 相关错误封装。
func WrapErrDocumentNotFound(documentID string) error {
	return wrapFields(ErrDocumentNotFound, value("documentId", documentID))
}

func WrapErrCodecFailure(op string, documentID string, err error) error {
	if err == nil {
		return nil
	}
	return wrapFieldsWithDesc(ErrCodecFailure, err.Error(), value("op", op), value("documentId", documentID))
}

func WrapErrPersistenceFailure(documentID string, err error) error {
	if err == nil {
		return nil
	}
	return wrapFieldsWithDesc(ErrPersistenceFailure, err.Error(), value("documentId", documentID))
}

func WrapErrIoKeyNotFound(key string, msg ...string) error {
	err := wrapFields(ErrIoKeyNotFound, value("key", key))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrIoFailed(key string, err error) error {
	if err == nil {
		return nil
	}
	return wrapFieldsWithDesc(ErrIoFailed, err.Error(), value("key", key))
}

// Parameter 相关错误封装。
func WrapErrParameterInvalid[T any](expected, actual T, msg ...string) error {
	err := wrapFields(ErrParameterInvalid,
		value("expected", expected),
		value("actual", actual),
	)
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrParameterInvalidMsg(fmtMsg string, args ...any) error {
	return errors.Wrapf(ErrParameterInvalid, fmtMsg, args...)
}

func WrapErrParameterMissing[T any](param T, msg ...string) error {
	err := wrapFields(ErrParameterMissing,
		value("missing_param", param),
	)
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrParameterTooLarge(name string, size, limit int) error {
	return wrapFields(ErrParameterTooLarge, bound(name, size, 0, limit))
}

// Bus 相关错误封装。
func WrapErrBusPublish(documentID string, err error) error {
	if err == nil {
		return nil
	}
	return wrapFieldsWithDesc(ErrBusPublish, err.Error(), value("documentId", documentID))
}

func WrapErrBusMalformed(reason string) error {
	return wrapFieldsWithDesc(ErrBusMalformed, reason)
}

func WrapErrBroadcastFault(documentID, sessionID string, err error) error {
	if err == nil {
		return nil
	}
	return wrapFieldsWithDesc(ErrBroadcastFault, err.Error(), value("documentId", documentID), value("sessionId", sessionID))
}

func WrapErrServiceNotReady(component string, msg ...string) error {
	err := wrapFields(ErrServiceNotReady, value("component", component))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrServiceInternal(reason string, msg ...string) error {
	err := wrapFieldsWithDesc(ErrServiceInternal, reason)
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrOperationNotSupported(op string) error {
	return wrapFields(ErrOperationNotSupported, value("op", op))
}

func wrapFields(err collabError, fields ...errorField) error {
	for i := range fields {
		err.msg += fmt.Sprintf("[%s]", fields[i].String())
	}
	err.detail = err.msg
	return err
}

func wrapFieldsWithDesc(err collabError, desc string, fields ...errorField) error {
	for i := range fields {
		err.msg += fmt.Sprintf("[%s]", fields[i].String())
	}
	err.msg += ": " + desc
	err.detail = err.msg
	return err
}

type errorField interface {
	String() string
}

type valueField struct {
	name  string
	value any
}

func value(name string, value any) valueField {
	return valueField{
		name,
		value,
	}
}

func (f valueField) String() string {
	return fmt.Sprintf("%s=%v", f.name, f.value)
}

type boundField struct {
	name  string
	value any
	lower any
	upper any
}

func bound(name string, value, lower, upper any) boundField {
	return boundField{
		name,
		value,
		lower,
		upper,
	}
}

func (f boundField) String() string {
	return fmt.Sprintf("%v out of range %v <= %s <= %v", f.value, f.lower, f.name, f.upper)
}
