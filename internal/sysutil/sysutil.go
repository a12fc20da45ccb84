// Package sysutil collects the small pieces of host introspection and byte
// munging helpers: content hashing for blob keys, zlib compression of blobs
// kept in the blob store, and current memory/disk usage of a process tree
// (the last two are not called by any other package in this module).
package sysutil

import (
	"bufio"
	"bytes"
	"compress/zlib"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dgryski/go-farm"
	"github.com/shirou/gopsutil/process"
)

var pss = []byte("Pss:")

// HashKey calculates a stable content-derived key for b, used to key blob
// entries in the embedded store's single blobs bucket.
func HashKey(b []byte) string {
	l, h := farm.Hash128(b)
	return fmt.Sprintf("%016x%016x", l, h)
}

// Compress zlib-compresses data, for storing and transferring blobs.
func Compress(data []byte) ([]byte, error) {
	var compressed bytes.Buffer
	w, err := zlib.NewWriterLevel(&compressed, zlib.BestCompression)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return compressed.Bytes(), nil
}

// Decompress reverses Compress.
func Decompress(compressed []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, err
	}
	buf := new(bytes.Buffer)
	_, err = buf.ReadFrom(r)
	return buf.Bytes(), err
}

// CurrentMemory returns the current memory usage, in MB, of pid and all its
// children, by reading /proc/*/smaps.
func CurrentMemory(pid int) (int, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/smaps", pid))
	if err != nil {
		return 0, err
	}
	defer f.Close()

	kb := uint64(0)
	s := bufio.NewScanner(f)
	for s.Scan() {
		line := s.Bytes()
		if bytes.HasPrefix(line, pss) {
			var size uint64
			if _, err := fmt.Sscanf(string(line[4:]), "%d", &size); err != nil {
				return 0, err
			}
			kb += size
		}
	}
	if err := s.Err(); err != nil {
		return 0, err
	}

	mem := int(kb / 1024)

	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return mem, err
	}
	children, err := p.Children()
	if err != nil && err.Error() != "process does not have children" {
		return mem, err
	}
	for _, child := range children {
		if childMem, errr := CurrentMemory(int(child.Pid)); errr == nil {
			mem += childMem
		}
	}

	return mem, nil
}

// CurrentDisk returns the current disk usage, in MB, of everything under
// path, optionally skipping the absolute directory paths named in ignore.
func CurrentDisk(path string, ignore ...map[string]bool) (int64, error) {
	var disk int64

	skip := make(map[string]bool)
	if len(ignore) == 1 && len(ignore[0]) > 0 {
		skip = ignore[0]
	}

	dir, err := os.Open(path)
	if err != nil {
		return disk, err
	}
	defer dir.Close()

	files, err := dir.Readdir(-1)
	if err != nil {
		return disk, err
	}

	for _, file := range files {
		if file.IsDir() {
			abs := filepath.Join(path, file.Name())
			if skip[abs] {
				continue
			}
			recurse, errr := CurrentDisk(abs, ignore...)
			if errr != nil {
				return disk, errr
			}
			disk += recurse
		} else {
			disk += file.Size() / (1024 * 1024)
		}
	}

	return disk, nil
}
