package docstate

import (
	"time"

	"github.com/lk2023060901/collab-sync-go/pkg/util/conc"
)

// Config 控制快照持久化节奏。
type Config struct {
	// DebounceInterval 为最后一次写入后等待落盘的时间。
	DebounceInterval time.Duration `mapstructure:"debounceInterval"`
	// MaxDebounceDelay 为首个未落盘写入到落盘之间的最长等待，持续写入时也保证按此周期落盘。
	MaxDebounceDelay time.Duration `mapstructure:"maxDebounceDelay"`
	// PersistTimeout 为单次写存储的超时。
	PersistTimeout time.Duration `mapstructure:"persistTimeout"`
	// PersistAttempts 为立即持久化的最大尝试次数。
	PersistAttempts uint `mapstructure:"persistAttempts"`
	// PersistRetrySleep 为立即持久化重试的初始间隔。
	PersistRetrySleep time.Duration `mapstructure:"persistRetrySleep"`
}

func DefaultConfig() Config {
	return Config{
		DebounceInterval:  2 * time.Second,
		MaxDebounceDelay:  10 * time.Second,
		PersistTimeout:    5 * time.Second,
		PersistAttempts:   3,
		PersistRetrySleep: 100 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.DebounceInterval <= 0 {
		c.DebounceInterval = def.DebounceInterval
	}
	if c.MaxDebounceDelay < c.DebounceInterval {
		c.MaxDebounceDelay = max(def.MaxDebounceDelay, c.DebounceInterval)
	}
	if c.PersistTimeout <= 0 {
		c.PersistTimeout = def.PersistTimeout
	}
	if c.PersistAttempts == 0 {
		c.PersistAttempts = def.PersistAttempts
	}
	if c.PersistRetrySleep <= 0 {
		c.PersistRetrySleep = def.PersistRetrySleep
	}
	return c
}

// ErrorHandler 接收立即持久化失败等需要运维关注的错误。
type ErrorHandler func(documentID string, err error)

type Option func(*Manager)

// WithErrorHandler 设置运维错误通道。
func WithErrorHandler(fn ErrorHandler) Option {
	return func(m *Manager) {
		m.onError = fn
	}
}

// WithPool 指定执行防抖落盘的协程池，Manager 不负责释放外部传入的池。
func WithPool(pool *conc.Pool[any]) Option {
	return func(m *Manager) {
		m.pool = pool
		m.ownPool = false
	}
}
