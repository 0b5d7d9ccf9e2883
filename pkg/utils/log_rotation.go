package utils

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// RotationConfig controls when a log file rotates and how many backups
// survive the cleanup that follows. Zero values for MaxSize/MaxAge mean
// that trigger never fires; a zero MaxBackups keeps every backup.
type RotationConfig struct {
	Filename   string
	MaxSize    int64 // megabytes
	MaxAge     int   // days
	MaxBackups int
	Compress   bool
	LocalTime  bool
}

// LogRotator is an io.Writer over a single log file that renames the
// file aside (optionally gzipping it) once it crosses MaxSize or MaxAge,
// then opens a fresh file in its place.
type LogRotator struct {
	mu sync.Mutex

	config   *RotationConfig
	file     *os.File
	size     int64
	openTime time.Time
}

func NewLogRotator(config *RotationConfig) (*LogRotator, error) {
	if config == nil {
		return nil, fmt.Errorf("rotation config is required")
	}
	if config.Filename == "" {
		return nil, fmt.Errorf("filename is required")
	}

	lr := &LogRotator{config: config}
	if err := lr.openFile(); err != nil {
		return nil, err
	}
	return lr, nil
}

func (lr *LogRotator) Write(p []byte) (n int, err error) {
	lr.mu.Lock()
	defer lr.mu.Unlock()

	if lr.shouldRotate(int64(len(p))) {
		if err := lr.rotate(); err != nil {
			return 0, fmt.Errorf("failed to rotate log: %w", err)
		}
	}

	n, err = lr.file.Write(p)
	lr.size += int64(n)
	return n, err
}

func (lr *LogRotator) Close() error {
	lr.mu.Lock()
	defer lr.mu.Unlock()

	if lr.file == nil {
		return nil
	}
	err := lr.file.Close()
	lr.file = nil
	return err
}

func (lr *LogRotator) Sync() error {
	lr.mu.Lock()
	defer lr.mu.Unlock()

	if lr.file == nil {
		return nil
	}
	return lr.file.Sync()
}

func (lr *LogRotator) shouldRotate(writeSize int64) bool {
	if lr.config.MaxSize > 0 {
		maxBytes := lr.config.MaxSize * 1024 * 1024
		if lr.size+writeSize >= maxBytes {
			return true
		}
	}
	if lr.config.MaxAge > 0 {
		maxAge := time.Duration(lr.config.MaxAge) * 24 * time.Hour
		if time.Since(lr.openTime) >= maxAge {
			return true
		}
	}
	return false
}

func (lr *LogRotator) rotate() error {
	if lr.file != nil {
		if err := lr.file.Close(); err != nil {
			return fmt.Errorf("failed to close current log file: %w", err)
		}
		lr.file = nil
	}

	backupName := lr.backupFilename(lr.backupTimestamp())
	if err := os.Rename(lr.config.Filename, backupName); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to rename log file: %w", err)
	}

	if lr.config.Compress {
		if err := lr.compressFile(backupName); err != nil {
			fmt.Fprintf(os.Stderr, "failed to compress log file %s: %v\n", backupName, err)
		}
	}
	if err := lr.cleanupOldBackups(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to clean up old log backups: %v\n", err)
	}

	return lr.openFile()
}

func (lr *LogRotator) openFile() error {
	dir := filepath.Dir(lr.config.Filename)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	file, err := os.OpenFile(lr.config.Filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}

	lr.file = file
	lr.openTime = time.Now()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat log file: %w", err)
	}
	lr.size = info.Size()
	return nil
}

func (lr *LogRotator) backupTimestamp() time.Time {
	if lr.config.LocalTime {
		return time.Now()
	}
	return time.Now().UTC()
}

// backupFilename inserts a timestamp before the extension, so
// adapter.log becomes adapter-2026-08-06T12-00-00.log.
func (lr *LogRotator) backupFilename(timestamp time.Time) string {
	dir := filepath.Dir(lr.config.Filename)
	filename := filepath.Base(lr.config.Filename)
	ext := filepath.Ext(filename)
	prefix := filename[0 : len(filename)-len(ext)]
	return filepath.Join(dir, fmt.Sprintf("%s-%s%s", prefix, timestamp.Format("2006-01-02T15-04-05"), ext))
}

func (lr *LogRotator) compressFile(filename string) error {
	src, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer func() { _ = src.Close() }()

	dst, err := os.Create(filename + ".gz")
	if err != nil {
		return err
	}
	defer func() { _ = dst.Close() }()

	gzipWriter := gzip.NewWriter(dst)
	if _, err := io.Copy(gzipWriter, src); err != nil {
		return err
	}
	if err := gzipWriter.Close(); err != nil {
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}
	return os.Remove(filename)
}

// cleanupOldBackups enforces MaxBackups (oldest first) and MaxAge.
func (lr *LogRotator) cleanupOldBackups() error {
	backups, err := lr.getBackupFiles()
	if err != nil {
		return err
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].ModTime().Before(backups[j].ModTime())
	})

	var toDelete []string
	if lr.config.MaxBackups > 0 && len(backups) > lr.config.MaxBackups {
		excess := len(backups) - lr.config.MaxBackups
		for i := 0; i < excess; i++ {
			toDelete = append(toDelete, backups[i].Name())
		}
		backups = backups[excess:]
	}
	if lr.config.MaxAge > 0 {
		cutoff := time.Now().Add(-time.Duration(lr.config.MaxAge) * 24 * time.Hour)
		for _, backup := range backups {
			if backup.ModTime().Before(cutoff) {
				toDelete = append(toDelete, backup.Name())
			}
		}
	}

	for _, filename := range toDelete {
		fullPath := filepath.Join(filepath.Dir(lr.config.Filename), filename)
		if err := os.Remove(fullPath); err != nil {
			fmt.Fprintf(os.Stderr, "failed to remove old log backup %s: %v\n", fullPath, err)
		}
	}
	return nil
}

func (lr *LogRotator) getBackupFiles() ([]os.FileInfo, error) {
	dir := filepath.Dir(lr.config.Filename)
	filename := filepath.Base(lr.config.Filename)
	ext := filepath.Ext(filename)
	prefix := filename[0 : len(filename)-len(ext)]

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var backups []os.FileInfo
	for _, entry := range entries {
		name := entry.Name()
		if name == filename {
			continue
		}
		if !strings.HasPrefix(name, prefix+"-") {
			continue
		}
		if !strings.HasSuffix(name, ext) && !strings.HasSuffix(name, ext+".gz") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		backups = append(backups, info)
	}
	return backups, nil
}

// ForceRotate rotates immediately, bypassing the MaxSize/MaxAge checks.
func (lr *LogRotator) ForceRotate() error {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	return lr.rotate()
}
