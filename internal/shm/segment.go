/*
 *
 * Copyright 2025 The shmbus Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

package shm

import (
	"fmt"
	"os"
	"path/filepath"
	"unsafe"
)

// Platform-specific functions (implemented in platform-specific files).
var (
	mapMemory   func(file *os.File, size int) ([]byte, error)
	unmapMemory func([]byte) error
)

// Segment is a named, fixed-size region of shared memory mapped into this
// process. The interpretation of the bytes (pool layout, control rings) is
// up to the caller; Segment only owns the file and the mapping.
type Segment struct {
	File *os.File // file descriptor for the shared memory file
	Mem  []byte   // memory-mapped region
	Path string   // file path
	Name string   // segment name (without path prefix)
}

// Create creates and maps a new shared memory segment of the given size.
// The file is created exclusively: a leftover segment with the same name is
// an error, not something to silently reuse.
func Create(name string, size uint64, perm os.FileMode) (*Segment, error) {
	path := segmentPath(name)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, perm)
	if err != nil {
		return nil, fmt.Errorf("failed to create segment file %s: %w", path, err)
	}

	cleanup := func() {
		file.Close()
		os.Remove(path)
	}

	if err := file.Truncate(int64(size)); err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to resize segment file: %w", err)
	}

	mem, err := mapMemory(file, int(size))
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to mmap segment: %w", err)
	}

	return &Segment{File: file, Mem: mem, Path: path, Name: name}, nil
}

// Open opens and maps an existing shared memory segment.
func Open(name string) (*Segment, error) {
	path := segmentPath(name)

	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open segment file %s: %w", path, err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat segment file: %w", err)
	}

	size := info.Size()
	if size == 0 {
		file.Close()
		return nil, fmt.Errorf("segment file %s is empty", path)
	}

	mem, err := mapMemory(file, int(size))
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to mmap segment: %w", err)
	}

	return &Segment{File: file, Mem: mem, Path: path, Name: name}, nil
}

// Base returns the base address of the mapping.
func (s *Segment) Base() unsafe.Pointer {
	return unsafe.Pointer(&s.Mem[0])
}

// Size returns the size of the mapping in bytes.
func (s *Segment) Size() uint64 {
	return uint64(len(s.Mem))
}

// Close unmaps the memory and closes the file. The segment file itself is
// left in place; use Remove to delete it.
func (s *Segment) Close() error {
	var firstErr error

	if s.Mem != nil {
		if err := unmapMemory(s.Mem); err != nil && firstErr == nil {
			firstErr = err
		}
		s.Mem = nil
	}

	if s.File != nil {
		if err := s.File.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.File = nil
	}

	return firstErr
}

// Unlink removes the segment file from the filesystem.
func (s *Segment) Unlink() error {
	return os.Remove(s.Path)
}

// Remove removes a shared memory segment file by name.
func Remove(name string) error {
	err := os.Remove(segmentPath(name))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Exists checks whether a shared memory segment file exists.
func Exists(name string) bool {
	_, err := os.Stat(segmentPath(name))
	return err == nil
}

// segmentPath generates the file path for a named segment. /dev/shm is
// preferred on Linux; elsewhere the temp dir backs the mapping.
func segmentPath(name string) string {
	if isDevShmAvailable() {
		return filepath.Join("/dev/shm", "shmbus_"+name)
	}
	return filepath.Join(os.TempDir(), "shmbus_"+name)
}

func isDevShmAvailable() bool {
	info, err := os.Stat("/dev/shm")
	if err != nil {
		return false
	}
	return info.IsDir()
}
