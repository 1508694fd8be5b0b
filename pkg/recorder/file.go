package recorder

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
)

var defaultBufferSize = 4096

var ErrLocked = errors.New("file is used by another recorder")

// file is a buffered output file guarded by an exclusive
// lock file next to it.
type file struct {
	sync.Mutex

	f    *os.File
	w    *bufio.Writer
	lock *flock.Flock
	size int64
}

func newFile(path string) (*file, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0770); err != nil {
		return nil, err
	}
	lock := flock.New(path + ".lock")
	ok, err := lock.TryLock()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrLocked, path)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		_ = lock.Unlock()
		return nil, err
	}
	return &file{f: f, w: bufio.NewWriterSize(f, defaultBufferSize), lock: lock}, nil
}

func (f *file) Flush() error {
	f.Lock()
	defer f.Unlock()
	return f.w.Flush()
}

// Close closes the file and removes its lock.
func (f *file) Close() error {
	err := f.f.Close()
	if er := f.lock.Unlock(); er != nil && err == nil {
		err = er
	}
	_ = os.Remove(f.lock.Path())
	return err
}

// Size returns the number of bytes written so far.
func (f *file) Size() int64 {
	f.Lock()
	defer f.Unlock()
	return f.size
}

func (f *file) Write(data []byte) error {
	f.Lock()
	n, err := f.w.Write(data)
	f.size += int64(n)
	f.Unlock()
	if err != nil {
		if n < len(data) {
			return fmt.Errorf("write size mismatch [%v!=%v], %v", n, len(data), err)
		}
		return err
	}
	return nil
}

// WriteAtStart writes data into beginning of the file.
// Make sure that underling file doesn't use the O_APPEND directive.
func (f *file) WriteAtStart(data []byte) error {
	if err := f.Flush(); err != nil {
		return err
	}
	f.Lock()
	defer f.Unlock()
	if _, err := f.f.Seek(0, 0); err != nil {
		return err
	}
	_, err := f.f.Write(data)
	return err
}
