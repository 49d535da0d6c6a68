package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/any-hub/offline-hub/internal/config"
)

const defaultLevel = logrus.InfoLevel

// InitLogger 按 [Global] 配置构建 JSON logger，并同步到 logrus 全局实例。
// 日志文件不可写时退回 stdout，同时记录一条 logger_fallback 警告。
func InitLogger(cfg config.GlobalConfig) (*logrus.Logger, error) {
	level, err := resolveLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})

	output, outErr := openOutput(cfg)
	logger.SetOutput(output)
	syncStandardLogger(logger)

	if outErr != nil {
		fmt.Fprintf(os.Stderr, "logger_fallback: %v\n", outErr)
		logger.WithFields(logrus.Fields{
			"action": "logger_fallback",
			"path":   cfg.LogFilePath,
		}).Warn(outErr.Error())
	}
	return logger, nil
}

// Discard 返回不输出任何内容的 logger。
func Discard() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func resolveLevel(raw string) (logrus.Level, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return defaultLevel, nil
	}
	level, err := logrus.ParseLevel(raw)
	if err != nil {
		return defaultLevel, fmt.Errorf("无法解析日志级别: %w", err)
	}
	return level, nil
}

func syncStandardLogger(logger *logrus.Logger) {
	std := logrus.StandardLogger()
	std.SetFormatter(logger.Formatter)
	std.SetOutput(logger.Out)
	std.SetLevel(logger.GetLevel())
}

// openOutput 在 LogFilePath 为空时使用 stdout，否则交给 lumberjack 轮转；
// 目录无法创建时返回 stdout 与对应错误。
func openOutput(cfg config.GlobalConfig) (io.Writer, error) {
	path := strings.TrimSpace(cfg.LogFilePath)
	if path == "" {
		return os.Stdout, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return os.Stdout, fmt.Errorf("创建日志目录失败: %w", err)
	}
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    cfg.LogMaxSize,
		MaxBackups: cfg.LogMaxBackups,
		Compress:   cfg.LogCompress,
		LocalTime:  true,
	}, nil
}
