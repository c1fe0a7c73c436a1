package dump

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// ErrInvalidName is returned for binding names that cannot be used as a file name
var ErrInvalidName = errors.New("invalid dump name")

// Sink receives encoded dumps, one per captured binding
type Sink interface {
	// Prepare is called once per capture before the first Write
	Prepare() error
	// Write stores data under name and returns where it went
	Write(name string, data []byte) (string, error)
}

// ValidateName rejects names that would escape the dump directory
func ValidateName(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	case strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, 0):
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidName, name)
	}
	return nil
}

// FileSink writes each dump to <Dir>/<name><Ext>
type FileSink struct {
	Dir    string
	Ext    string
	Logger *zap.Logger
}

// NewFileSink creates a file sink for dir. An empty dir is the working directory.
func NewFileSink(dir string, compressionType CompressionType, logger *zap.Logger) *FileSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileSink{
		Dir:    dir,
		Ext:    Extension(compressionType),
		Logger: logger,
	}
}

func (s *FileSink) dir() string {
	if s.Dir == "" {
		return "."
	}
	return s.Dir
}

// Prepare creates the dump directory if it is missing. Parents are not created.
func (s *FileSink) Prepare() error {
	dir := s.dir()
	_, err := os.Stat(dir)
	if err == nil {
		return nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	s.Logger.Info("creating directory", zap.String("dir", dir))
	if err := os.Mkdir(dir, 0755); err != nil {
		return fmt.Errorf("failed to create dump directory: %w", err)
	}
	return nil
}

// Write replaces any previous dump of the same name
func (s *FileSink) Write(name string, data []byte) (path string, err error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}
	path = filepath.Join(s.dir(), name+s.Ext)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return "", err
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	if _, err := f.Write(data); err != nil {
		return "", err
	}
	return path, nil
}

// MemorySink keeps dumps in memory
type MemorySink struct {
	dumps    map[string][]byte
	prepared int
}

// NewMemorySink creates an empty memory sink
func NewMemorySink() *MemorySink {
	return &MemorySink{dumps: map[string][]byte{}}
}

// Prepare counts captures
func (s *MemorySink) Prepare() error {
	s.prepared++
	return nil
}

// Write stores a copy of data under name, replacing any earlier dump
func (s *MemorySink) Write(name string, data []byte) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}
	s.dumps[name] = append([]byte(nil), data...)
	return "memory:" + name, nil
}

// Get returns the dump stored under name
func (s *MemorySink) Get(name string) ([]byte, bool) {
	data, ok := s.dumps[name]
	return data, ok
}

// Names returns the stored dump names in sorted order
func (s *MemorySink) Names() []string {
	names := make([]string, 0, len(s.dumps))
	for name := range s.dumps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Prepared returns how many captures used this sink
func (s *MemorySink) Prepared() int {
	return s.prepared
}

// Clear drops all stored dumps
func (s *MemorySink) Clear() {
	s.dumps = map[string][]byte{}
	s.prepared = 0
}
