package engine

import (
	"errors"
	"fmt"
	"os"
	"sync"
)

type fileHandle struct {
	mu   sync.Mutex
	file *os.File
	size int64
}

// FileWriter owns the open .part handles of a job, keyed by path.
type FileWriter struct {
	mu      sync.RWMutex
	handles map[string]*fileHandle
}

func NewFileWriter() *FileWriter {
	return &FileWriter{
		handles: make(map[string]*fileHandle),
	}
}

// Open creates (or truncates) path and pre-sizes it to size bytes. On
// Linux/Unix Truncate yields a sparse file, so nothing is zero-filled yet.
func (fw *FileWriter) Open(path string, size int64) error {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if _, ok := fw.handles[path]; ok {
		return nil
	}

	// Stale bytes from an earlier run must not survive into the new file
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("could not open part file: %w", err)
	}

	if size > 0 {
		if err := f.Truncate(size); err != nil {
			f.Close()
			return fmt.Errorf("could not pre-size %s: %w", path, err)
		}
	}

	fw.handles[path] = &fileHandle{file: f, size: size}
	return nil
}

// WriteAt writes data at offset into an open handle. Writing past the
// current size grows the file.
func (fw *FileWriter) WriteAt(path string, data []byte, offset int64) error {
	fw.mu.RLock()
	h, ok := fw.handles[path]
	fw.mu.RUnlock()
	if !ok {
		return fmt.Errorf("write to %s: file is not open", path)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, err := h.file.WriteAt(data, offset); err != nil {
		return err
	}
	h.size = max(h.size, offset+int64(len(data)))
	return nil
}

// CloseFile truncates to finalSize (when positive), syncs and closes.
func (fw *FileWriter) CloseFile(path string, finalSize int64) error {
	fw.mu.Lock()
	h, ok := fw.handles[path]
	if !ok {
		fw.mu.Unlock()
		return nil
	}
	// Remove from our map so we don't try to use a closed handle later
	delete(fw.handles, path)
	fw.mu.Unlock()

	h.mu.Lock()
	defer h.mu.Unlock()

	// Drop the padding left by a pre-size estimate that was too large
	var truncErr error
	if finalSize > 0 {
		if err := h.file.Truncate(finalSize); err != nil {
			truncErr = fmt.Errorf("failed to truncate to final size: %w", err)
		}
	}

	syncErr := h.file.Sync()
	return errors.Join(truncErr, syncErr, h.file.Close())
}

// Discard closes path without syncing and removes it from disk.
func (fw *FileWriter) Discard(path string) error {
	fw.mu.Lock()
	h, ok := fw.handles[path]
	delete(fw.handles, path)
	fw.mu.Unlock()

	if ok {
		h.mu.Lock()
		h.file.Close()
		h.mu.Unlock()
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
