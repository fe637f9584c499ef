// This package defines a common config struct which can be used by any subsystem within ready.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Config struct {
	Debug                  bool   `toml:"debug"`
	RootDir                string `toml:"root_dir"`
	DecryptWaitTimeMs      int64  `toml:"decrypt_wait_time_ms"`
	DecryptBatchSize       int    `toml:"decrypt_batch_size"`
	TaskTimeoutMs          int64  `toml:"task_timeout_ms"`
	RetryIdleTimeMs        int64  `toml:"retry_idle_time_ms"`
	RetryChunkSize         int    `toml:"retry_chunk_size"`
	IdentityApprovalTimeMs int64  `toml:"identity_approval_time_ms"`
	SignedPreKeyMinCount   int    `toml:"signed_prekey_min_count"`
	SignedPreKeyMaxAgeMs   int64  `toml:"signed_prekey_max_age_ms"`
	LoggingPrefix          string `toml:"logging_prefix"`
	writer                 io.Writer
}

func (c Config) Logger(source string) *zap.SugaredLogger {
	var p string
	if source == "" {
		p = c.LoggingPrefix
	} else {
		p = fmt.Sprintf("%s:%s", c.LoggingPrefix, source)
	}

	level := zapcore.InfoLevel
	if c.Debug {
		level = zapcore.DebugLevel
	}
	opts := []zap.Option{
		zap.Fields(zap.String("source", p)),
	}

	de := zap.NewDevelopmentEncoderConfig()
	fileEncoder := zapcore.NewJSONEncoder(de)
	consoleEncoder := zapcore.NewConsoleEncoder(de)
	core := zapcore.NewTee(
		zapcore.NewCore(fileEncoder, zapcore.AddSync(c.writer), level),
		zapcore.NewCore(consoleEncoder, zapcore.AddSync(os.Stdout), level),
	)
	logger := zap.New(core, opts...)
	sugar := logger.Sugar()
	return sugar
}

type Option func(*Config)

func WithDebug(d bool) Option {
	return func(c *Config) {
		c.Debug = d
	}
}

func WithRootDir(d string) Option {
	return func(c *Config) {
		c.RootDir = d
	}
}

func WithLoggingPrefix(p string) Option {
	return func(c *Config) {
		c.LoggingPrefix = p
	}
}

func WithDecryptWaitTimeMs(n int64) Option {
	return func(c *Config) {
		c.DecryptWaitTimeMs = n
	}
}

func WithDecryptBatchSize(n int) Option {
	return func(c *Config) {
		c.DecryptBatchSize = n
	}
}

func WithTaskTimeoutMs(n int64) Option {
	return func(c *Config) {
		c.TaskTimeoutMs = n
	}
}

func WithRetryIdleTimeMs(n int64) Option {
	return func(c *Config) {
		c.RetryIdleTimeMs = n
	}
}

func WithRetryChunkSize(n int) Option {
	return func(c *Config) {
		c.RetryChunkSize = n
	}
}

func WithIdentityApprovalTimeMs(n int64) Option {
	return func(c *Config) {
		c.IdentityApprovalTimeMs = n
	}
}

// Load options from a TOML file. Values in the file override defaults but are
// themselves overridden by options applied after this one.
func WithFile(path string) Option {
	return func(c *Config) {
		if _, err := toml.DecodeFile(path, c); err != nil {
			panic(fmt.Sprintf("config: unable to decode %s: %v", path, err))
		}
	}
}

func NewConfig(opts ...Option) *Config {
	c := &Config{
		Debug:                  os.Getenv("DEBUG") == "1",
		DecryptWaitTimeMs:      75,
		DecryptBatchSize:       30,
		TaskTimeoutMs:          30 * 60 * 1000,
		RetryIdleTimeMs:        2 * 60 * 1000,
		RetryChunkSize:         1000,
		IdentityApprovalTimeMs: 5000,
		SignedPreKeyMinCount:   5,
		SignedPreKeyMaxAgeMs:   30 * 24 * 60 * 60 * 1000,
		LoggingPrefix:          "",
		RootDir:                ".",

		writer: nil,
	}
	for _, o := range opts {
		o(c)
	}

	writer := &lumberjack.Logger{
		Filename:   filepath.Join(c.RootDir, "out.log"),
		MaxSize:    500, // megabytes
		MaxBackups: 3,
		MaxAge:     28,   // days
		Compress:   true, // disabled by default
	}
	c.writer = writer
	return c
}
