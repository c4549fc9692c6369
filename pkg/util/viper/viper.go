package viper

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	spfviper "github.com/spf13/viper"
)

// Config 封装 spf13/viper 实例，对外提供精简的 YAML/JSON 配置加载接口。
//
// 环境变量覆盖配置项时，key 中的 "." 被替换为 "_"，并加上 envPrefix，
// 例如前缀 COLLAB 下 server.listen 对应 COLLAB_SERVER_LISTEN。
type Config struct {
	v *spfviper.Viper
}

// New 创建一个 Config，envPrefix 为空时不启用环境变量覆盖。
func New(envPrefix string) *Config {
	v := spfviper.New()
	if envPrefix != "" {
		v.SetEnvPrefix(envPrefix)
		v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
		v.AutomaticEnv()
	}
	return &Config{v: v}
}

// SetDefaults 批量写入默认值，key 使用 "." 分隔的层级路径。
//
// 只有注册过默认值的 key 才会被 AutomaticEnv 在 Unmarshal 时覆盖。
func (c *Config) SetDefaults(defaults map[string]any) {
	for k, val := range defaults {
		c.v.SetDefault(k, val)
	}
}

// LoadFile 将 YAML 或 JSON 配置文件加载到 Config 中。
// 文件类型通过扩展名（.yaml/.yml/.json）推断。
func (c *Config) LoadFile(path string) error {
	c.v.SetConfigFile(path)

	switch ext := filepath.Ext(path); ext {
	case ".yaml", ".yml":
		c.v.SetConfigType("yaml")
	case ".json":
		c.v.SetConfigType("json")
	default:
		// 让 viper 自行推断类型，或在读取时返回清晰的错误信息。
	}

	return c.v.ReadInConfig()
}

// LoadOptionalFile 与 LoadFile 相同，但文件不存在时返回 false 而不是错误。
func (c *Config) LoadOptionalFile(path string) (bool, error) {
	if path == "" {
		return false, nil
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if err := c.LoadFile(path); err != nil {
		return false, err
	}
	return true, nil
}

// Unmarshal 将完整配置反序列化到 dst。
// dst 应为结构体或 map 的指针。
func (c *Config) Unmarshal(dst interface{}) error {
	return c.v.Unmarshal(dst)
}

// UnmarshalKey 将指定 key 对应的子配置反序列化到 dst。
// dst 应为结构体或 map 的指针。
func (c *Config) UnmarshalKey(key string, dst interface{}) error {
	return c.v.UnmarshalKey(key, dst)
}

// Set 覆盖单个配置项，优先级高于文件与环境变量。
func (c *Config) Set(key string, val any) {
	c.v.Set(key, val)
}

func (c *Config) GetString(key string) string {
	return c.v.GetString(key)
}

// ConfigFileUsed 返回实际加载的配置文件路径。
func (c *Config) ConfigFileUsed() string {
	return c.v.ConfigFileUsed()
}
