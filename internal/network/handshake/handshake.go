// Package handshake 校验入站连接的参数与成员身份，生成会话描述。
//
// 校验全部在建立任何会话状态之前完成，失败时调用方只需关闭连接。
package handshake

import (
	"context"
	"encoding/base64"
	"net/http"
	"strings"

	"github.com/blang/semver/v4"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lk2023060901/collab-sync-go/internal/membership"
	"github.com/lk2023060901/collab-sync-go/pkg/log"
	"github.com/lk2023060901/collab-sync-go/pkg/metrics"
	"github.com/lk2023060901/collab-sync-go/pkg/util/merr"
)

const (
	QueryWorkspaceID = "workspaceId"
	QueryDocumentID  = "documentId"
	QueryVector      = "vector"
	QueryUserID      = "userId"
	QueryProtocol    = "protocol"

	// HeaderUserID 由前置的认证网关设置，优先于查询参数。
	HeaderUserID = "X-User-Id"

	DefaultProtocolRange = ">=1.0.0 <2.0.0"
)

// Request 为连接携带的握手参数。
type Request struct {
	WorkspaceID string
	DocumentID  string
	Vector      string
	UserID      string
	Protocol    string
}

// RequestFromHTTP 从升级请求中提取握手参数。
func RequestFromHTTP(r *http.Request) Request {
	q := r.URL.Query()
	req := Request{
		WorkspaceID: strings.TrimSpace(q.Get(QueryWorkspaceID)),
		DocumentID:  strings.TrimSpace(q.Get(QueryDocumentID)),
		Vector:      q.Get(QueryVector),
		UserID:      strings.TrimSpace(q.Get(QueryUserID)),
		Protocol:    strings.TrimSpace(q.Get(QueryProtocol)),
	}
	if user := strings.TrimSpace(r.Header.Get(HeaderUserID)); user != "" {
		req.UserID = user
	}
	return req
}

// Descriptor 为通过鉴权的会话描述。
type Descriptor struct {
	SessionID    string
	WorkspaceID  string
	DocumentID   string
	UserID       string
	Role         membership.Role
	ReadOnly     bool
	ClientVector []byte
	Protocol     string
}

// DocumentID 返回文档在进程内的键：仅有工作区时为 workspaceId，否则为 workspaceId/documentId。
func DocumentID(workspaceID, documentID string) string {
	if documentID == "" {
		return workspaceID
	}
	return workspaceID + "/" + documentID
}

type Config struct {
	// ProtocolRange 为接受的客户端协议版本范围，客户端未声明版本时不做限制。
	ProtocolRange string `mapstructure:"protocolRange"`
}

// Authorizer 执行握手校验与成员鉴权。
type Authorizer struct {
	resolver  membership.Resolver
	versions  semver.Range
	rangeExpr string
	newID     func() string
}

func NewAuthorizer(resolver membership.Resolver, cfg Config) (*Authorizer, error) {
	if resolver == nil {
		return nil, merr.WrapErrParameterMissing("membership resolver")
	}
	expr := cfg.ProtocolRange
	if expr == "" {
		expr = DefaultProtocolRange
	}
	versions, err := semver.ParseRange(expr)
	if err != nil {
		return nil, merr.WrapErrParameterInvalidMsg("invalid protocol range %q: %s", expr, err.Error())
	}
	return &Authorizer{
		resolver:  resolver,
		versions:  versions,
		rangeExpr: expr,
		newID:     uuid.NewString,
	}, nil
}

// Authorize 校验 req 并返回会话描述，失败时返回 *Rejection。
func (a *Authorizer) Authorize(ctx context.Context, req Request) (*Descriptor, error) {
	desc, err := a.authorize(ctx, req)
	if err != nil {
		var rej *Rejection
		if errors.As(err, &rej) {
			metrics.AdmissionRejections.WithLabelValues(rej.Label).Inc()
		}
		log.Ctx(ctx).Info("connection rejected",
			log.FieldWorkspace(req.WorkspaceID),
			log.FieldUser(req.UserID),
			zap.Error(err))
		return nil, err
	}
	return desc, nil
}

func (a *Authorizer) authorize(ctx context.Context, req Request) (*Descriptor, error) {
	if req.WorkspaceID == "" {
		return nil, reject(LabelMissingWorkspace, "missing workspaceId", merr.WrapErrParameterMissing(QueryWorkspaceID))
	}
	if req.UserID == "" {
		return nil, reject(LabelMissingUser, "missing userId", merr.WrapErrParameterMissing(QueryUserID))
	}
	if req.Protocol != "" {
		version, err := semver.ParseTolerant(req.Protocol)
		if err != nil || !a.versions(version) {
			return nil, reject(LabelUnsupportedProtocol, "unsupported protocol version",
				merr.WrapErrProtocolUnsupported(req.Protocol, a.rangeExpr))
		}
	}

	vector, err := decodeVector(req.Vector)
	if err != nil {
		return nil, reject(LabelInvalidVector, "invalid client vector",
			merr.WrapErrAdmissionDenied("invalid client vector", err.Error()))
	}

	role, err := a.resolver.Role(ctx, req.WorkspaceID, req.UserID)
	if err != nil {
		if errors.Is(err, merr.ErrNotMember) {
			return nil, reject(LabelNotMember, "not a member", err)
		}
		return nil, reject(LabelMembershipError, DefaultCloseReason,
			merr.WrapErrAdmissionDenied("membership lookup failed", err.Error()))
	}

	return &Descriptor{
		SessionID:    a.newID(),
		WorkspaceID:  req.WorkspaceID,
		DocumentID:   DocumentID(req.WorkspaceID, req.DocumentID),
		UserID:       req.UserID,
		Role:         role,
		ReadOnly:     role.ReadOnly(),
		ClientVector: vector,
		Protocol:     req.Protocol,
	}, nil
}

// decodeVector 接受标准与 URL 安全两种 base64，空串表示客户端没有任何状态。
func decodeVector(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	var lastErr error
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.URLEncoding, base64.RawStdEncoding, base64.RawURLEncoding} {
		vector, err := enc.DecodeString(s)
		if err == nil {
			return vector, nil
		}
		lastErr = err
	}
	return nil, lastErr
}
