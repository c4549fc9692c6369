package collab

import (
	"time"

	"github.com/lk2023060901/collab-sync-go/internal/network/session"
)

type Config struct {
	// NodeID 标识本进程，总线消息据此识别本进程发出的更新。为空时自动生成。
	NodeID string `mapstructure:"nodeId"`

	Session session.Config `mapstructure:"session"`

	// PublishTimeout 为单次总线发布的超时。
	PublishTimeout time.Duration `mapstructure:"publishTimeout"`
	// FinalizeTimeout 为最后一个会话离开时立即持久化的总超时。
	FinalizeTimeout time.Duration `mapstructure:"finalizeTimeout"`
}

func DefaultConfig() Config {
	return Config{
		Session:         session.DefaultConfig(),
		PublishTimeout:  2 * time.Second,
		FinalizeTimeout: 10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = def.PublishTimeout
	}
	if c.FinalizeTimeout <= 0 {
		c.FinalizeTimeout = def.FinalizeTimeout
	}
	return c
}
