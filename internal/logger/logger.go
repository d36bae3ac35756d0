// Package logger builds the zap loggers used by the engine and the tools.
package logger

import (
	"io"
	"os"
	"path/filepath"
	"time"

	rotatelogs "github.com/lestrrat-go/file-rotatelogs"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// 日志轮转方式
const (
	RotateNone = ""
	RotateSize = "size"
	RotateTime = "time"
)

// Config 日志配置.
type Config struct {
	Dir     string `yaml:"dir" env:"DIR"`
	File    string `yaml:"file" env:"FILE"`
	Level   string `yaml:"level" env:"LEVEL"`
	Console bool   `yaml:"console" env:"CONSOLE"`
	Rotate  Rotate `yaml:"rotate" envPrefix:"ROTATE_"`
}

// Rotate 日志轮转配置. 按大小轮转时 MaxSize 以MB为单位.
type Rotate struct {
	Mode       string        `yaml:"mode" env:"MODE"`
	MaxSize    int           `yaml:"max_size" env:"MAX_SIZE"`
	MaxBackups int           `yaml:"max_backups" env:"MAX_BACKUPS"`
	MaxAge     time.Duration `yaml:"max_age" env:"MAX_AGE"`
	Interval   time.Duration `yaml:"interval" env:"INTERVAL"`
	Compress   bool          `yaml:"compress" env:"COMPRESS"`
}

func DefaultConfig() Config {
	return Config{
		Level:   "info",
		Console: true,
		Rotate: Rotate{
			MaxSize:    100,
			MaxBackups: 7,
			MaxAge:     7 * 24 * time.Hour,
			Interval:   24 * time.Hour,
		},
	}
}

// ParseLevel 解析日志级别, 空字符串为 info.
func ParseLevel(s string) (zapcore.Level, error) {
	var l zapcore.Level
	if s == "" {
		return zapcore.InfoLevel, nil
	}
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return l, errors.Wrapf(err, "parse log level %q", s)
	}
	return l, nil
}

// New 根据配置创建日志. 未配置文件时只输出到控制台.
func New(cfg Config) (*zap.Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	var cores []zapcore.Core
	if cfg.File != "" {
		out, err := fileWriter(cfg)
		if err != nil {
			return nil, err
		}
		cores = append(cores, zapcore.NewCore(
			zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
			zapcore.AddSync(out),
			level,
		))
	}
	if cfg.Console || len(cores) == 0 {
		enc := zap.NewDevelopmentEncoderConfig()
		enc.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05.000")
		cores = append(cores, zapcore.NewCore(
			zapcore.NewConsoleEncoder(enc),
			zapcore.Lock(os.Stderr),
			level,
		))
	}
	return zap.New(zapcore.NewTee(cores...), zap.AddCaller()), nil
}

// NewWriter 创建输出到w的日志, 用于测试和嵌入.
func NewWriter(w io.Writer, level zapcore.Level) *zap.Logger {
	return zap.New(zapcore.NewCore(
		zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()),
		zapcore.AddSync(w),
		level,
	))
}

func fileWriter(cfg Config) (io.Writer, error) {
	path := cfg.File
	if cfg.Dir != "" && !filepath.IsAbs(path) {
		path = filepath.Join(cfg.Dir, path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errors.Wrap(err, "create log dir")
	}

	switch cfg.Rotate.Mode {
	case RotateSize:
		return &lumberjack.Logger{
			Filename:   path,
			MaxSize:    cfg.Rotate.MaxSize,
			MaxBackups: cfg.Rotate.MaxBackups,
			MaxAge:     int(cfg.Rotate.MaxAge / (24 * time.Hour)),
			Compress:   cfg.Rotate.Compress,
		}, nil

	case RotateTime:
		interval := cfg.Rotate.Interval
		if interval <= 0 {
			interval = 24 * time.Hour
		}
		w, err := rotatelogs.New(
			path+".%Y%m%d%H%M",
			rotatelogs.WithLinkName(path),
			rotatelogs.WithMaxAge(cfg.Rotate.MaxAge),
			rotatelogs.WithRotationTime(interval),
		)
		if err != nil {
			return nil, errors.Wrap(err, "rotate logs")
		}
		return w, nil

	case RotateNone:
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, errors.Wrap(err, "open log file")
		}
		return f, nil

	default:
		return nil, errors.Errorf("unknown rotate mode %q", cfg.Rotate.Mode)
	}
}
