package logger

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// rotatingWriter 按大小轮转审计文件。
// 归档以轮转时刻命名而不是序号递推，审计场景下文件名即时间线，
// 事后排查不需要反推第 N 份备份对应哪天。
type rotatingWriter struct {
	mu         sync.Mutex
	file       *os.File
	path       string
	maxSize    int64
	maxBackups int
	maxAge     time.Duration
	size       int64
	now        func() time.Time
}

func newRotatingWriter(path string, maxSizeMB, maxBackups, maxAgeDays int) (*rotatingWriter, error) {
	if path == "" {
		return nil, errors.New("审计日志路径不能为空")
	}
	if maxSizeMB <= 0 {
		maxSizeMB = 100
	}
	if maxBackups <= 0 {
		maxBackups = 7
	}
	if maxAgeDays <= 0 {
		maxAgeDays = 30
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("创建审计日志目录失败: %w", err)
	}
	return &rotatingWriter{
		path:       path,
		maxSize:    int64(maxSizeMB) * 1024 * 1024,
		maxBackups: maxBackups,
		maxAge:     time.Duration(maxAgeDays) * 24 * time.Hour,
		now:        time.Now,
	}, nil
}

func (w *rotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.ensureFile(); err != nil {
		return 0, err
	}
	if w.size+int64(len(p)) > w.maxSize {
		if err := w.rotate(); err != nil {
			return 0, err
		}
		if err := w.ensureFile(); err != nil {
			return 0, err
		}
	}
	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

func (w *rotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	w.size = 0
	return err
}

func (w *rotatingWriter) ensureFile() error {
	if w.file != nil {
		return nil
	}
	file, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("打开审计日志失败: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("读取审计日志属性失败: %w", err)
	}
	w.file = file
	w.size = info.Size()
	return nil
}

// rotate 把当前文件归档为 <path>.<时间戳>，然后按份数与"龄期"修剪。
func (w *rotatingWriter) rotate() error {
	if w.file != nil {
		_ = w.file.Close()
		w.file = nil
	}
	w.size = 0

	stamp := w.now().UTC().Format("20060102T150405")
	archive := fmt.Sprintf("%s.%s", w.path, stamp)
	if _, err := os.Stat(archive); err == nil {
		// 同秒内二次轮转，追加纳秒避免覆盖。
		archive = fmt.Sprintf("%s.%s", archive, w.now().UTC().Format(".000000000"))
	}
	if _, err := os.Stat(w.path); err == nil {
		if err := os.Rename(w.path, archive); err != nil {
			return fmt.Errorf("归档审计日志失败: %w", err)
		}
	}

	w.prune()
	return nil
}

// prune 删除超龄或超出保留份数的归档。归档名按时间戳排序即按时间排序。
func (w *rotatingWriter) prune() {
	archives, err := filepath.Glob(w.path + ".*")
	if err != nil || len(archives) == 0 {
		return
	}
	sort.Strings(archives)

	if w.maxBackups > 0 && len(archives) > w.maxBackups {
		for _, stale := range archives[:len(archives)-w.maxBackups] {
			_ = os.Remove(stale)
		}
		archives = archives[len(archives)-w.maxBackups:]
	}
	if w.maxAge <= 0 {
		return
	}
	cutoff := w.now().Add(-w.maxAge)
	for _, archive := range archives {
		info, err := os.Stat(archive)
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			_ = os.Remove(archive)
		}
	}
}
