package lwm2m

import (
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/ironzhang/lwm2m/internal/logger"
	"github.com/ironzhang/lwm2m/internal/stack/base"
	"github.com/ironzhang/lwm2m/internal/stack/transaction"
)

// EnvPrefix 环境变量前缀
const EnvPrefix = "LWM2M_"

// Config 协议引擎配置, 时长以 "2s" 形式书写.
type Config struct {
	// 请求URL的scheme, coap 或 coaps
	Scheme string `yaml:"scheme" env:"SCHEME"`

	// 传输参数
	AckTimeout       time.Duration `yaml:"ack_timeout" env:"ACK_TIMEOUT"`
	AckRandomFactor  float64       `yaml:"ack_random_factor" env:"ACK_RANDOM_FACTOR"`
	MaxRetransmit    int           `yaml:"max_retransmit" env:"MAX_RETRANSMIT"`
	SeparateTimeout  time.Duration `yaml:"separate_timeout" env:"SEPARATE_TIMEOUT"`
	ExchangeLifetime time.Duration `yaml:"exchange_lifetime" env:"EXCHANGE_LIFETIME"`
	NonLifetime      time.Duration `yaml:"non_lifetime" env:"NON_LIFETIME"`

	// 分块传输参数
	BlockSize   uint32        `yaml:"block_size" env:"BLOCK_SIZE"`
	MaxPayload  int           `yaml:"max_payload" env:"MAX_PAYLOAD"`
	BlockMaxAge time.Duration `yaml:"block_max_age" env:"BLOCK_MAX_AGE"`

	Observe ObserveConfig `yaml:"observe" envPrefix:"OBSERVE_"`
	Log     logger.Config `yaml:"log" envPrefix:"LOG_"`
}

// ObserveConfig 通知配置. NotifyRate 为每秒通知数, 0 表示不限流.
type ObserveConfig struct {
	Confirmable bool    `yaml:"confirmable" env:"CONFIRMABLE"`
	NotifyRate  float64 `yaml:"notify_rate" env:"NOTIFY_RATE"`
	NotifyBurst int     `yaml:"notify_burst" env:"NOTIFY_BURST"`
}

func DefaultConfig() Config {
	return Config{
		Scheme:           "coap",
		AckTimeout:       base.ACK_TIMEOUT,
		AckRandomFactor:  base.ACK_RANDOM_FACTOR,
		MaxRetransmit:    base.MAX_RETRANSMIT,
		SeparateTimeout:  base.SEPARATE_TIMEOUT,
		ExchangeLifetime: base.EXCHANGE_LIFETIME,
		NonLifetime:      base.NON_LIFETIME,
		BlockSize:        base.DEFAULT_BLOCK_SIZE,
		MaxPayload:       base.MAX_BLOCK_PAYLOAD,
		BlockMaxAge:      base.BLOCK_MAX_AGE,
		Observe: ObserveConfig{
			NotifyBurst: 1,
		},
		Log: logger.DefaultConfig(),
	}
}

// LoadConfig 依次应用默认值, YAML文件(path非空时)和 LWM2M_ 前缀的环境变量.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, errors.Wrap(err, "read config")
		}
		if err = yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, errors.Wrapf(err, "parse config %s", path)
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return cfg, errors.Wrap(err, "parse env")
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	switch {
	case c.Scheme != "coap" && c.Scheme != "coaps":
		return errors.Errorf("invalid scheme %q", c.Scheme)
	case c.AckTimeout <= 0:
		return errors.New("ack_timeout must be positive")
	case c.AckRandomFactor < 1:
		return errors.Errorf("ack_random_factor %v less than 1", c.AckRandomFactor)
	case c.MaxRetransmit < 0:
		return errors.New("max_retransmit is negative")
	case c.SeparateTimeout <= 0, c.ExchangeLifetime <= 0, c.NonLifetime <= 0, c.BlockMaxAge <= 0:
		return errors.New("timeouts must be positive")
	case !base.ValidBlockSize(c.BlockSize):
		return errors.Wrapf(base.ErrInvalidBlockSZ, "block_size %d", c.BlockSize)
	case c.MaxPayload < int(c.BlockSize):
		return errors.Errorf("max_payload %d less than block_size", c.MaxPayload)
	case c.Observe.NotifyRate < 0:
		return errors.New("observe.notify_rate is negative")
	}
	return nil
}

func (c Config) transaction() transaction.Config {
	return transaction.Config{
		AckTimeout:      c.AckTimeout,
		AckRandomFactor: c.AckRandomFactor,
		MaxRetransmit:   c.MaxRetransmit,
		SeparateTimeout: c.SeparateTimeout,
		BlockSize:       c.BlockSize,
		MaxPayload:      c.MaxPayload,
	}
}
