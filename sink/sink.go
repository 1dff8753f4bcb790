// Package sink implements the addressable byte stores a transfer reads from
// and writes into.
//
// The transfer core only needs offset reads on the sending side, offset
// writes on the receiving side and a size probe. File backs a store with a
// file on disk; Memory keeps everything in memory and records every write
// for tests.
package sink

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/mztransport/limits"
)

// ErrDirectoryTraversal indicates an attempt to access files outside allowed directories.
var ErrDirectoryTraversal = errors.New("path contains directory traversal")

// ErrEmptyPath indicates an empty path.
var ErrEmptyPath = errors.New("path is empty")

// ErrPathTooLong indicates a path longer than limits.MaxPathLength.
var ErrPathTooLong = errors.New("path too long")

// Sink is an addressable byte store.
type Sink interface {
	io.ReaderAt
	io.WriterAt
	// Size returns the current length of the store in bytes.
	Size() (uint64, error)
}

// ValidatePath checks if a path is safe from directory traversal attacks.
// It returns the cleaned path or an error if the path contains traversal attempts.
func ValidatePath(path string) (string, error) {
	if path == "" {
		return "", ErrEmptyPath
	}
	if len(path) > limits.MaxPathLength {
		return "", fmt.Errorf("%w: %d bytes", ErrPathTooLong, len(path))
	}

	cleaned := filepath.Clean(path)
	for _, part := range strings.Split(filepath.ToSlash(cleaned), "/") {
		if part == ".." {
			return "", ErrDirectoryTraversal
		}
	}
	return cleaned, nil
}

// Mode selects how File opens its path.
type Mode uint8

const (
	// ModeRead opens an existing file for sending.
	ModeRead Mode = iota
	// ModeWrite creates or truncates a file for receiving.
	ModeWrite
	// ModeReadWrite opens or creates a file for both directions.
	ModeReadWrite
)

// File is a Sink backed by an *os.File.
type File struct {
	path string
	f    *os.File
}

var _ Sink = (*File)(nil)

// Open validates path and opens it according to mode.
func Open(path string, mode Mode) (*File, error) {
	safe, err := ValidatePath(path)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "sink.Open",
			"path":     path,
			"error":    err.Error(),
		}).Error("File path validation failed")
		return nil, err
	}

	var f *os.File
	switch mode {
	case ModeRead:
		f, err = os.Open(safe)
	case ModeWrite:
		f, err = os.Create(safe)
	default:
		f, err = os.OpenFile(safe, os.O_RDWR|os.O_CREATE, 0o644)
	}
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "sink.Open",
			"path":     safe,
			"mode":     mode,
			"error":    err.Error(),
		}).Error("Failed to open file")
		return nil, fmt.Errorf("open %s: %w", safe, err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "sink.Open",
		"path":     safe,
		"mode":     mode,
	}).Debug("Opened file sink")
	return &File{path: safe, f: f}, nil
}

// Path returns the cleaned path of the file.
func (s *File) Path() string { return s.path }

// ReadAt implements io.ReaderAt.
func (s *File) ReadAt(p []byte, off int64) (int, error) { return s.f.ReadAt(p, off) }

// WriteAt implements io.WriterAt.
func (s *File) WriteAt(p []byte, off int64) (int, error) { return s.f.WriteAt(p, off) }

// Size returns the file length.
func (s *File) Size() (uint64, error) {
	info, err := s.f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", s.path, err)
	}
	return uint64(info.Size()), nil
}

// Close closes the underlying file.
func (s *File) Close() error { return s.f.Close() }

// Memory is an in-memory Sink. It is safe for concurrent use.
type Memory struct {
	mu     sync.Mutex
	data   []byte
	writes map[int64]int
	err    error
}

var _ Sink = (*Memory)(nil)

// NewMemory returns a store holding a copy of data.
func NewMemory(data []byte) *Memory {
	return &Memory{
		data:   append([]byte(nil), data...),
		writes: make(map[int64]int),
	}
}

// FailSize makes every later Size call return err.
func (m *Memory) FailSize(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

// ReadAt implements io.ReaderAt.
func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if off < 0 {
		return 0, fmt.Errorf("negative offset %d", off)
	}
	if off >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements io.WriterAt, growing the store as needed.
func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if off < 0 {
		return 0, fmt.Errorf("negative offset %d", off)
	}
	end := off + int64(len(p))
	if end > int64(len(m.data)) {
		grown := make([]byte, end)
		copy(grown, m.data)
		m.data = grown
	}
	copy(m.data[off:], p)
	m.writes[off]++
	return len(p), nil
}

// Size returns the store length.
func (m *Memory) Size() (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, m.err
	}
	return uint64(len(m.data)), nil
}

// Bytes returns a copy of the stored data.
func (m *Memory) Bytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.data...)
}

// Writes returns how many times offset off was written.
func (m *Memory) Writes(off int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes[off]
}
