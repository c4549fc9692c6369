package crdt

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	grpc_retry "github.com/grpc-ecosystem/go-grpc-middleware/retry"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/lk2023060901/collab-sync-go/pkg/log"
	"github.com/lk2023060901/collab-sync-go/pkg/util/logutil"
	"github.com/lk2023060901/collab-sync-go/pkg/util/merr"
)

// RemoteConfig 描述外部 CRDT sidecar 的连接参数。
type RemoteConfig struct {
	Target       string        `mapstructure:"target"`
	CallTimeout  time.Duration `mapstructure:"callTimeout"`
	MaxRetries   uint          `mapstructure:"maxRetries"`
	RetryBackoff time.Duration `mapstructure:"retryBackoff"`
}

const (
	defaultCallTimeout  = 3 * time.Second
	defaultMaxRetries   = 3
	defaultRetryBackoff = 50 * time.Millisecond
)

// Remote 通过 gRPC 把编解码委托给外部进程。
type Remote struct {
	conn    *grpc.ClientConn
	timeout time.Duration
}

var _ Codec = (*Remote)(nil)

// NewRemote 建立到 sidecar 的连接。连接是惰性的，首个调用时才真正拨号。
func NewRemote(ctx context.Context, cfg RemoteConfig, opts ...grpc.DialOption) (*Remote, error) {
	if cfg.Target == "" {
		return nil, merr.WrapErrParameterMissing("codec.remote.target")
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = defaultRetryBackoff
	}

	retryOpts := []grpc_retry.CallOption{
		grpc_retry.WithMax(cfg.MaxRetries),
		grpc_retry.WithBackoff(grpc_retry.BackoffExponential(cfg.RetryBackoff)),
		grpc_retry.WithCodes(codes.Unavailable, codes.ResourceExhausted),
	}
	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(wireCodecName)),
		grpc.WithChainUnaryInterceptor(
			logutil.UnaryClientLogInterceptor,
			grpc_retry.UnaryClientInterceptor(retryOpts...),
		),
	}
	dialOpts = append(dialOpts, opts...)

	conn, err := grpc.NewClient(cfg.Target, dialOpts...)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create codec client for %s", cfg.Target)
	}
	log.Ctx(ctx).Info("remote crdt codec configured",
		zap.String("target", cfg.Target),
		zap.Duration("callTimeout", cfg.CallTimeout))
	return &Remote{conn: conn, timeout: cfg.CallTimeout}, nil
}

func (r *Remote) Merge(ctx context.Context, snapshot, update []byte) ([]byte, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	resp := new(MergeResponse)
	if err := r.conn.Invoke(ctx, mergeMethod, &MergeRequest{Snapshot: snapshot, Update: update}, resp); err != nil {
		return nil, nil, errors.Wrap(err, "remote merge")
	}
	return resp.Snapshot, resp.Vector, nil
}

func (r *Remote) EncodeDelta(ctx context.Context, snapshot, clientVector []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	resp := new(EncodeDeltaResponse)
	if err := r.conn.Invoke(ctx, encodeDeltaMethod, &EncodeDeltaRequest{Snapshot: snapshot, Vector: clientVector}, resp); err != nil {
		return nil, errors.Wrap(err, "remote encode delta")
	}
	return resp.Update, nil
}

func (r *Remote) EncodeStateVector(ctx context.Context, snapshot []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	resp := new(EncodeStateVectorResponse)
	if err := r.conn.Invoke(ctx, encodeStateVectorMethod, &EncodeStateVectorRequest{Snapshot: snapshot}, resp); err != nil {
		return nil, errors.Wrap(err, "remote encode state vector")
	}
	return resp.Vector, nil
}

func (r *Remote) Close() error {
	return r.conn.Close()
}
