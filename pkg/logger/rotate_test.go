package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestWriter(t *testing.T, maxBackups int) (*rotatingWriter, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.log")
	writer, err := newRotatingWriter(path, 1, maxBackups, 30)
	if err != nil {
		t.Fatalf("创建轮转写入器失败: %v", err)
	}
	// 压低阈值，测试不用写满 1MB。
	writer.maxSize = 64
	return writer, path
}

func archivesOf(t *testing.T, path string) []string {
	t.Helper()
	archives, err := filepath.Glob(path + ".*")
	if err != nil {
		t.Fatalf("枚举归档失败: %v", err)
	}
	return archives
}

func TestRotatingWriterArchivesByTimestamp(t *testing.T) {
	writer, path := newTestWriter(t, 7)
	defer writer.Close()

	stamp := time.Now().UTC().Truncate(time.Second)
	writer.now = func() time.Time { return stamp }

	first := append(bytes.Repeat([]byte("a"), 62), '\n')
	if _, err := writer.Write(first); err != nil {
		t.Fatalf("写入失败: %v", err)
	}
	// 超过阈值触发轮转，旧内容进归档，新文件只含本次写入。
	if _, err := writer.Write([]byte("b\n")); err != nil {
		t.Fatalf("轮转写入失败: %v", err)
	}

	archive := path + "." + stamp.Format("20060102T150405")
	archived, err := os.ReadFile(archive)
	if err != nil {
		t.Fatalf("归档缺失: %v", err)
	}
	if !bytes.Equal(archived, first) {
		t.Fatalf("归档内容错误: %q", archived)
	}
	live, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("读取当前文件失败: %v", err)
	}
	if string(live) != "b\n" {
		t.Fatalf("当前文件内容错误: %q", live)
	}
}

func TestRotatingWriterPrunesOldArchives(t *testing.T) {
	writer, path := newTestWriter(t, 2)
	defer writer.Close()

	base := time.Now().UTC().Truncate(time.Second)
	clock := base
	writer.now = func() time.Time { return clock }

	payload := append(bytes.Repeat([]byte("x"), 62), '\n')
	for i := 0; i < 4; i++ {
		clock = base.Add(time.Duration(i) * time.Minute)
		if _, err := writer.Write(payload); err != nil {
			t.Fatalf("写入失败: %v", err)
		}
	}

	archives := archivesOf(t, path)
	if len(archives) != 2 {
		t.Fatalf("归档数量应修剪到保留份数: %v", archives)
	}
}
