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

package log

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/uber/jaeger-client-go/utils"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"gopkg.in/natefinch/lumberjack.v2"
)

var _globalL, _globalP, _globalS, _globalR atomic.Value

var (
	_globalLevelLogger sync.Map
	_namedRateLimiters sync.Map
)

// RateLimiter 为限频日志使用的最小接口。
type RateLimiter interface {
	CheckCredit(delta float64) bool
}

// nopRateLimiter 不丢弃任何日志。
type nopRateLimiter struct{}

func (nopRateLimiter) CheckCredit(delta float64) bool { return true }

// rateLimiterHolder 使 _globalR 始终存放同一具体类型。
type rateLimiterHolder struct {
	RateLimiter
}

func init() {
	l, p := newStdLogger()

	replaceLeveledLoggers(l)
	_globalL.Store(l)
	_globalP.Store(p)
	_globalS.Store(l.Sugar())

	_globalR.Store(rateLimiterHolder{nopRateLimiter{}})
}

// InitLogger 根据配置初始化一个 zap logger。
//
// 输出目标由 cfg.Stdout 与 cfg.File 共同决定；两者都关闭时日志被丢弃。
func InitLogger(cfg *Config, opts ...zap.Option) (*zap.Logger, *ZapProperties, error) {
	var outputs []zapcore.WriteSyncer
	if len(cfg.File.Filename) > 0 {
		lg, err := initFileLog(&cfg.File)
		if err != nil {
			return nil, nil, err
		}
		outputs = append(outputs, zapcore.AddSync(lg))
	}
	if cfg.Stdout {
		stdOut, _, err := zap.Open("stdout")
		if err != nil {
			return nil, nil, err
		}
		outputs = append(outputs, stdOut)
	}
	if len(outputs) == 0 {
		outputs = append(outputs, zapcore.AddSync(discardWriter{}))
	}

	debugCfg := *cfg
	debugCfg.Level = "debug"
	debugL, r, err := InitLoggerWithWriteSyncer(&debugCfg, zap.CombineWriteSyncers(outputs...), opts...)
	if err != nil {
		return nil, nil, err
	}
	replaceLeveledLoggers(debugL)

	level := zapcore.DebugLevel
	parsedLevel := cfg.Level
	if strings.EqualFold(parsedLevel, "trace") {
		parsedLevel = "debug"
	}
	if parsedLevel == "" {
		parsedLevel = "info"
	}
	if err := level.UnmarshalText([]byte(parsedLevel)); err != nil {
		return nil, nil, err
	}
	r.Level.SetLevel(level)
	return debugL.WithOptions(zap.AddCallerSkip(1)), r, nil
}

// InitTestLogger 为单元测试初始化 logger，输出重定向到 t.Log。
func InitTestLogger(t zaptest.TestingT, cfg *Config, opts ...zap.Option) (*zap.Logger, *ZapProperties, error) {
	writer := testingWriter{t: t}
	// zap 内部错误同样写入测试输出，并标记测试失败。
	opts = append([]zap.Option{zap.ErrorOutput(testingWriter{t: t, markFailed: true})}, opts...)
	return InitLoggerWithWriteSyncer(cfg, writer, opts...)
}

// InitLoggerWithWriteSyncer 使用指定的 WriteSyncer 初始化 zap logger。
func InitLoggerWithWriteSyncer(cfg *Config, output zapcore.WriteSyncer, opts ...zap.Option) (*zap.Logger, *ZapProperties, error) {
	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, nil, fmt.Errorf("initLoggerWithWriteSyncer UnmarshalText cfg.Level err:%w", err)
	}
	core := zapcore.NewCore(cfg.encoder(), output, level)
	opts = append(cfg.buildOptions(output), opts...)
	lg := zap.New(core, opts...)
	r := &ZapProperties{
		Core:   core,
		Syncer: output,
		Level:  level,
	}
	return lg, r, nil
}

// initFileLog 初始化基于文件的日志输出，使用 lumberjack 做滚动。
func initFileLog(cfg *FileLogConfig) (*lumberjack.Logger, error) {
	logPath := filepath.Join(cfg.RootPath, cfg.Filename)
	if st, err := os.Stat(logPath); err == nil && st.IsDir() {
		return nil, errors.New("can't use directory as log file name")
	}
	if cfg.MaxSize == 0 {
		cfg.MaxSize = defaultLogMaxSize
	}

	return &lumberjack.Logger{
		Filename:   logPath,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxDays,
		LocalTime:  true,
	}, nil
}

func newStdLogger() (*zap.Logger, *ZapProperties) {
	conf := &Config{Level: "debug", Stdout: true, Format: "console"}
	lg, r, _ := InitLogger(conf, zap.OnFatal(zapcore.WriteThenPanic))
	return lg, r
}

// L 返回全局 Logger，可通过 ReplaceGlobals 替换，并发安全。
func L() *zap.Logger {
	return _globalL.Load().(*zap.Logger)
}

// S 返回全局 SugaredLogger。
func S() *zap.SugaredLogger {
	return _globalS.Load().(*zap.SugaredLogger)
}

// R 返回全局限频器；未开启限频时返回不丢弃日志的空实现。
func R() RateLimiter {
	return _globalR.Load().(rateLimiterHolder).RateLimiter
}

func ctxL() *zap.Logger {
	level := _globalP.Load().(*ZapProperties).Level.Level()
	l, ok := _globalLevelLogger.Load(level)
	if !ok {
		return L()
	}
	return l.(*zap.Logger)
}

// ReplaceGlobals 替换全局 Logger 与 SugaredLogger。
func ReplaceGlobals(logger *zap.Logger, props *ZapProperties) {
	_globalL.Store(logger)
	_globalS.Store(logger.Sugar())
	_globalP.Store(props)
}

func replaceLeveledLoggers(debugLogger *zap.Logger) {
	levels := []zapcore.Level{
		zapcore.DebugLevel, zapcore.InfoLevel, zapcore.WarnLevel, zapcore.ErrorLevel,
		zapcore.DPanicLevel, zapcore.PanicLevel, zapcore.FatalLevel,
	}
	for _, level := range levels {
		_globalLevelLogger.Store(level, debugLogger.WithOptions(zap.IncreaseLevel(level)))
	}
}

// Sync 刷新所有缓冲中的日志。
func Sync() error {
	if err := L().Sync(); err != nil {
		return err
	}
	var reterr error
	_globalLevelLogger.Range(func(_, val any) bool {
		if err := val.(*zap.Logger).Sync(); err != nil {
			reterr = err
			return false
		}
		return true
	})
	return reterr
}

func Level() zap.AtomicLevel {
	return _globalP.Load().(*ZapProperties).Level
}

// SetRateLimiter 按配置替换全局限频器。
func SetRateLimiter(cfg RateLimitConfig) {
	if !cfg.Enable {
		_globalR.Store(rateLimiterHolder{nopRateLimiter{}})
		return
	}
	credit, maxBalance := cfg.CreditPerSecond, cfg.MaxBalance
	if credit <= 0 {
		credit = 1
	}
	if maxBalance <= 0 {
		maxBalance = 60
	}
	_globalR.Store(rateLimiterHolder{utils.NewRateLimiter(credit, maxBalance)})
}

// testingWriter 把日志转发到 t.Logf，markFailed 为 true 时同时标记测试失败。
type testingWriter struct {
	t          zaptest.TestingT
	markFailed bool
}

func (w testingWriter) Write(p []byte) (int, error) {
	w.t.Logf("%s", bytes.TrimRight(p, "\n"))
	if w.markFailed {
		w.t.Fail()
	}
	return len(p), nil
}

func (w testingWriter) Sync() error { return nil }

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }
