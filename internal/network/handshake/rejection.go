package handshake

import (
	"unicode/utf8"

	"github.com/cockroachdb/errors"

	"github.com/lk2023060901/collab-sync-go/pkg/util/merr"
)

const (
	// MaxCloseReasonLength 为关闭原因的最大字节数，WebSocket 关闭帧的负载上限为 125 字节。
	MaxCloseReasonLength = 120
	DefaultCloseReason   = "access denied"
)

// 拒绝原因的监控标签。
const (
	LabelMissingWorkspace    = "missing_workspace"
	LabelMissingUser         = "missing_user"
	LabelUnsupportedProtocol = "unsupported_protocol"
	LabelInvalidVector       = "invalid_vector"
	LabelNotMember           = "not_member"
	LabelMembershipError     = "membership_error"
)

// Rejection 为握手拒绝，Reason 可直接返回给客户端，Err 为内部原因。
type Rejection struct {
	Label  string
	Reason string
	Err    error
}

func reject(label, reason string, err error) *Rejection {
	return &Rejection{Label: label, Reason: reason, Err: err}
}

func (r *Rejection) Error() string {
	if r.Err == nil {
		return r.Reason
	}
	return r.Reason + ": " + r.Err.Error()
}

func (r *Rejection) Unwrap() error {
	return r.Err
}

// CloseReason 返回可以放入关闭帧的原因。
//
// 优先使用 *Rejection 的 Reason，其次使用错误码的原始描述；
// 结果为空、超长或不是合法 UTF-8 时使用 DefaultCloseReason。
func CloseReason(err error) string {
	var reason string
	var rej *Rejection
	if errors.As(err, &rej) {
		reason = rej.Reason
	} else {
		reason = merr.PublicMessage(err)
	}
	return BoundReason(reason)
}

// BoundReason 把原因限制在关闭帧允许的范围内。
func BoundReason(reason string) string {
	if reason == "" || len(reason) > MaxCloseReasonLength || !utf8.ValidString(reason) {
		return DefaultCloseReason
	}
	return reason
}
