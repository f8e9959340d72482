package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 节点池与 Worker 共用的配置结构
type Config struct {
	Pool struct {
		ListenAddr string `mapstructure:"listen_addr"` // HTTP/WS 监听地址
		LogLevel   string `mapstructure:"log_level"`

		HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout"` // 存活判定阈值
		ClaimTimeout     time.Duration `mapstructure:"claim_timeout"`     // Busy 占用未确认的回收窗口
		HandoffTimeout   time.Duration `mapstructure:"handoff_timeout"`   // 下发指令的送达超时
		SweepInterval    time.Duration `mapstructure:"sweep_interval"`    // 0 = 不启动离线清扫
		SessionCost      int64         `mapstructure:"session_cost"`      // 每次会话的最低扣费
	} `mapstructure:"pool"`

	Store struct {
		Backend string `mapstructure:"backend"` // memory | etcd | redis

		Etcd struct {
			Endpoints []string `mapstructure:"endpoints"`
		} `mapstructure:"etcd"`

		Redis struct {
			Addr string `mapstructure:"addr"`
			DB   int    `mapstructure:"db"`
		} `mapstructure:"redis"`
	} `mapstructure:"store"`

	Auth struct {
		SecretKey   string        `mapstructure:"secret_key"`
		TokenExpiry time.Duration `mapstructure:"token_expiry"`
	} `mapstructure:"auth"`

	Worker struct {
		NodeID            string        `mapstructure:"node_id"` // 空 = 用 hostname
		PoolURL           string        `mapstructure:"pool_url"`
		AdvertiseIP       string        `mapstructure:"advertise_ip"`
		Port              int           `mapstructure:"port"`
		Location          string        `mapstructure:"location"`
		GPUName           string        `mapstructure:"gpu_name"`
		CPUCores          int           `mapstructure:"cpu_cores"`
		MemoryGB          int           `mapstructure:"memory_gb"`
		CPUScore          int           `mapstructure:"cpu_score"`
		GPUScore          int           `mapstructure:"gpu_score"`
		GPUMemGB          int           `mapstructure:"gpu_memory_gb"`
		Owner             string        `mapstructure:"owner"`
		HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	} `mapstructure:"worker"`
}

// LoadConfig 读取 YAML 配置，HIVEMIND_ 前缀的环境变量可覆盖任意字段
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetEnvPrefix("HIVEMIND")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	// path 为空时只用默认值和环境变量
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &c, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("pool.listen_addr", ":8450")
	v.SetDefault("pool.log_level", "info")
	v.SetDefault("pool.heartbeat_timeout", 30*time.Second)
	v.SetDefault("pool.claim_timeout", 15*time.Second)
	v.SetDefault("pool.handoff_timeout", 5*time.Second)
	v.SetDefault("pool.sweep_interval", time.Minute)
	v.SetDefault("pool.session_cost", 10)

	v.SetDefault("store.backend", "memory")
	v.SetDefault("store.etcd.endpoints", []string{"localhost:2379"})
	v.SetDefault("store.redis.addr", "localhost:6379")
	v.SetDefault("store.redis.db", 0)

	v.SetDefault("auth.secret_key", "dev-secret-key-change-in-production")
	v.SetDefault("auth.token_expiry", 60*time.Minute)

	// 每个键都要注册默认值，否则 viper 不会从环境变量解析它
	v.SetDefault("worker.node_id", "")
	v.SetDefault("worker.pool_url", "http://localhost:8450")
	v.SetDefault("worker.advertise_ip", "")
	v.SetDefault("worker.port", 8460)
	v.SetDefault("worker.location", "Any")
	v.SetDefault("worker.gpu_name", "")
	v.SetDefault("worker.cpu_cores", 0)
	v.SetDefault("worker.memory_gb", 0)
	v.SetDefault("worker.cpu_score", 0)
	v.SetDefault("worker.gpu_score", 0)
	v.SetDefault("worker.gpu_memory_gb", 0)
	v.SetDefault("worker.owner", "")
	v.SetDefault("worker.heartbeat_interval", 5*time.Second)
}
