package sys

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// Rename renames oldpath to newpath. On Windows a rename can fail
// transiently while another handle (indexer, antivirus) still has the file
// open, so it is retried a few times there.
func Rename(oldpath, newpath string) error {
	err := os.Rename(oldpath, newpath)
	if err == nil || runtime.GOOS != "windows" {
		return err
	}
	for i := 0; i < 5; i++ {
		time.Sleep(time.Duration(i+1) * 20 * time.Millisecond)
		if err = os.Rename(oldpath, newpath); err == nil {
			return nil
		}
	}
	return err
}

// WriteFileAtomic writes the output of fill to path using the
// write-to-temp, fsync, close, rename sequence. A reader never observes a
// partially written file; on any error the temp file is removed.
func WriteFileAtomic(path string, perm os.FileMode, fill func(w io.Writer) error) error {
	tempPath := path + ".tmp"
	file, err := os.OpenFile(tempPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return fmt.Errorf("failed to create temp file %s: %w", tempPath, err)
	}
	cleanup := func() {
		file.Close()
		os.Remove(tempPath)
	}

	if err := fill(file); err != nil {
		cleanup()
		return err
	}
	if err := file.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("failed to sync temp file %s: %w", tempPath, err)
	}
	// Close before rename for Windows.
	if err := file.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to close temp file %s before rename: %w", tempPath, err)
	}
	if err := Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename temp file to %s: %w", path, err)
	}
	return nil
}

// SyncDir fsyncs a directory so that renames inside it are durable. It is a
// no-op on Windows where directory handles cannot be synced.
func SyncDir(dir string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

// RemoveAllInDir removes every entry of dir whose name matches pattern
// (filepath.Match syntax) and returns the removed names.
func RemoveAllInDir(dir, pattern string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var removed []string
	for _, e := range entries {
		ok, err := filepath.Match(pattern, e.Name())
		if err != nil {
			return removed, err
		}
		if !ok {
			continue
		}
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return removed, err
		}
		removed = append(removed, e.Name())
	}
	return removed, nil
}
