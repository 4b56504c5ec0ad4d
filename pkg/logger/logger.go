// Package logger 提供托管进程的两条日志流：面向运维的运行日志，
// 以及独立落盘、带轮转的审计流。授权决策与资金流水只写审计流，
// 运行日志丢了可以重来，审计流不行。
package logger

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Config 描述运行日志的行为。
type Config struct {
	Level       string
	Format      string
	OutputPaths []string
	Audit       AuditConfig
}

// AuditConfig 控制审计流的落盘与轮转。
type AuditConfig struct {
	Enabled    bool
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// 审计流未显式指定路径时的缺省落点。
const defaultAuditPath = "data/decisions-audit.log"

var (
	appLogger   *slog.Logger
	auditLogger *slog.Logger
	once        sync.Once
	closers     []io.Closer
	initErr     error
)

// Init 初始化全局日志器。重复调用只有第一次生效。
func Init(cfg Config) error {
	once.Do(func() {
		handler, err := newAppHandler(cfg)
		if err != nil {
			initErr = err
			return
		}
		appLogger = slog.New(handler)

		// 审计流未启用时退化为运行日志，调用方无需分支。
		auditLogger = appLogger
		if cfg.Audit.Enabled {
			audit, err := newAuditLogger(cfg.Audit)
			if err != nil {
				initErr = err
				return
			}
			auditLogger = audit
		}
	})
	if initErr != nil {
		return initErr
	}
	if appLogger == nil {
		return errors.New("logger already initialised")
	}
	return nil
}

func newAppHandler(cfg Config) (slog.Handler, error) {
	opts := &slog.HandlerOptions{Level: levelFromString(cfg.Level), AddSource: true}

	outputs := cfg.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stdout"}
	}
	writers := make([]io.Writer, 0, len(outputs))
	for _, out := range outputs {
		writer, closer, err := resolveOutput(out)
		if err != nil {
			return nil, err
		}
		if closer != nil {
			closers = append(closers, closer)
		}
		writers = append(writers, writer)
	}

	writer := writers[0]
	if len(writers) > 1 {
		writer = io.MultiWriter(writers...)
	}
	if strings.EqualFold(cfg.Format, "text") {
		return slog.NewTextHandler(writer, opts), nil
	}
	return slog.NewJSONHandler(writer, opts), nil
}

// newAuditLogger 构造独立的审计流。审计记录永远是 JSON，
// 且带上 stream=audit 标记，聚合端按它切分。
func newAuditLogger(cfg AuditConfig) (*slog.Logger, error) {
	if cfg.Path == "" {
		cfg.Path = defaultAuditPath
	}
	writer, err := newRotatingWriter(cfg.Path, cfg.MaxSizeMB, cfg.MaxBackups, cfg.MaxAgeDays)
	if err != nil {
		return nil, err
	}
	closers = append(closers, writer)
	handler := slog.NewJSONHandler(writer, &slog.HandlerOptions{Level: slog.LevelInfo})
	return slog.New(handler).With(slog.String("stream", "audit")), nil
}

func resolveOutput(path string) (io.Writer, io.Closer, error) {
	switch strings.ToLower(path) {
	case "stdout":
		return os.Stdout, nil, nil
	case "stderr":
		return os.Stderr, nil, nil
	default:
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, nil, fmt.Errorf("创建日志目录失败: %w", err)
		}
		file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("打开日志文件 %s 失败: %w", path, err)
		}
		return file, file, nil
	}
}

func levelFromString(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// L 返回运行日志器。未初始化时按缺省配置自举。
func L() *slog.Logger {
	if appLogger == nil {
		_ = Init(Config{})
	}
	return appLogger
}

// Audit 返回审计日志器。
func Audit() *slog.Logger {
	if auditLogger == nil {
		return L()
	}
	return auditLogger
}

// Named 返回带组件名分组的子日志器。
func Named(name string) *slog.Logger {
	return L().WithGroup(name)
}

// Sync 关闭全部文件输出，进程退出前调用。
func Sync() error {
	var err error
	for _, closer := range closers {
		err = errors.Join(err, closer.Close())
	}
	closers = nil
	return err
}
