package log

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func useTestLogger(t *testing.T) {
	prevL, prevP := L(), _globalP.Load().(*ZapProperties)
	logger, props, err := InitTestLogger(t, &Config{Level: "debug", Format: "console"})
	require.NoError(t, err)
	ReplaceGlobals(logger, props)
	t.Cleanup(func() { ReplaceGlobals(prevL, prevP) })
}

func TestInitLoggerLevels(t *testing.T) {
	_, props, err := InitLogger(&Config{Level: "trace"})
	require.NoError(t, err)
	assert.Equal(t, zapcore.DebugLevel, props.Level.Level())

	_, props, err = InitLogger(&Config{})
	require.NoError(t, err)
	assert.Equal(t, zapcore.InfoLevel, props.Level.Level())

	_, _, err = InitLogger(&Config{Level: "loud"})
	assert.Error(t, err)

	_, _, err = InitLogger(&Config{File: FileLogConfig{RootPath: t.TempDir(), Filename: "."}})
	assert.Error(t, err)
}

func TestContextLogger(t *testing.T) {
	useTestLogger(t)

	ctx := WithFields(context.Background(), FieldDocument("ws-1/doc"))
	ctx = WithFields(ctx, FieldSession("s-1"))
	assert.NotSame(t, Ctx(context.Background()), Ctx(ctx))
	Ctx(ctx).Info("bound fields survive nesting")

	ctx, span := NewIntentContext(ctx, "collab", "connect")
	defer span.End()
	Ctx(ctx).Debug("intent context carries trace fields")
	assert.NotNil(t, Ctx(nil))
}

func TestRateLimiter(t *testing.T) {
	useTestLogger(t)
	t.Cleanup(func() { SetRateLimiter(RateLimitConfig{}) })

	assert.True(t, RatedWarn(100, "unlimited by default"))

	SetRateLimiter(RateLimitConfig{Enable: true, CreditPerSecond: 0.001, MaxBalance: 1})
	assert.True(t, RatedWarn(1, "first warning spends the balance"))
	assert.False(t, RatedWarn(1, "second warning is dropped"))

	grouped := With(zap.String("k", "v")).WithRateGroup("test.group", 0.001, 1)
	assert.True(t, grouped.RatedWarn(1, "group has its own balance"))
	assert.False(t, grouped.RatedWarn(1, "group exhausted"))
}

func TestBinder(t *testing.T) {
	useTestLogger(t)

	var b Binder
	assert.NotNil(t, b.Logger())
	b.BindComponent("registry", FieldUser("u-1"))
	first := b.Logger()
	assert.Same(t, first, b.Logger())
	first.Info("component logger")
}
