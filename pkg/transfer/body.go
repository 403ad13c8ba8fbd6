package transfer

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

// ErrInvalidPosition is returned when seeking outside a body.
var ErrInvalidPosition = errors.New("transfer: position out of range")

// Body is a seekable payload used both as upload source and download sink.
//
// Read and Write share one position. SetPosition moves it, Reset discards the
// content and rewinds to zero. Close releases resources held between
// transfers; a closed body reopens on next use.
type Body interface {
	io.Reader
	io.Writer
	Length() int64
	SetPosition(pos int64) error
	Reset() error
	Close() error
}

// MemoryBody is a Body backed by a byte slice.
type MemoryBody struct {
	mu  sync.Mutex
	buf []byte
	pos int64
}

// NewMemoryBody creates a body holding a copy of data.
func NewMemoryBody(data []byte) *MemoryBody {
	return &MemoryBody{buf: append([]byte(nil), data...)}
}

// NewStringBody creates a body holding s.
func NewStringBody(s string) *MemoryBody {
	return &MemoryBody{buf: []byte(s)}
}

func (b *MemoryBody) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pos >= int64(len(b.buf)) {
		return 0, io.EOF
	}
	n := copy(p, b.buf[b.pos:])
	b.pos += int64(n)
	return n, nil
}

func (b *MemoryBody) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	end := b.pos + int64(len(p))
	if end > int64(len(b.buf)) {
		grown := make([]byte, end)
		copy(grown, b.buf)
		b.buf = grown
	}
	copy(b.buf[b.pos:end], p)
	b.pos = end
	return len(p), nil
}

// Length returns the number of bytes held
func (b *MemoryBody) Length() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(len(b.buf))
}

// SetPosition moves the read/write position. Writing past the end after a
// short seek truncates nothing; the next write overwrites from pos.
func (b *MemoryBody) SetPosition(pos int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if pos < 0 || pos > int64(len(b.buf)) {
		return fmt.Errorf("%w: %d of %d", ErrInvalidPosition, pos, len(b.buf))
	}
	b.pos = pos
	return nil
}

// Reset discards the content
func (b *MemoryBody) Reset() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = b.buf[:0]
	b.pos = 0
	return nil
}

// Close is a no-op for memory bodies
func (b *MemoryBody) Close() error { return nil }

// Bytes returns a copy of the content
func (b *MemoryBody) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf...)
}

// String returns the content as a string
func (b *MemoryBody) String() string {
	return string(b.Bytes())
}

// FileBody is a Body backed by a file on disk. The file is opened lazily and
// created when missing, so a partially downloaded file can be resumed.
type FileBody struct {
	path string
	perm os.FileMode

	mu   sync.Mutex
	file *os.File
	pos  int64
}

// NewFileBody creates a body for path.
func NewFileBody(path string) *FileBody {
	return &FileBody{path: path, perm: 0o644}
}

// Path returns the file location
func (b *FileBody) Path() string { return b.path }

func (b *FileBody) open() (*os.File, error) {
	if b.file != nil {
		return b.file, nil
	}
	f, err := os.OpenFile(b.path, os.O_RDWR|os.O_CREATE, b.perm)
	if err != nil {
		return nil, fmt.Errorf("open body file: %w", err)
	}
	b.file = f
	return f, nil
}

func (b *FileBody) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	f, err := b.open()
	if err != nil {
		return 0, err
	}
	n, err := f.ReadAt(p, b.pos)
	b.pos += int64(n)
	if err == io.EOF && n > 0 {
		err = nil
	}
	return n, err
}

func (b *FileBody) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	f, err := b.open()
	if err != nil {
		return 0, err
	}
	n, err := f.WriteAt(p, b.pos)
	b.pos += int64(n)
	return n, err
}

// Length returns the current file size
func (b *FileBody) Length() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.file != nil {
		if st, err := b.file.Stat(); err == nil {
			return st.Size()
		}
	}
	st, err := os.Stat(b.path)
	if err != nil {
		return 0
	}
	return st.Size()
}

// SetPosition moves the read/write position within the file
func (b *FileBody) SetPosition(pos int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	f, err := b.open()
	if err != nil {
		return err
	}
	st, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat body file: %w", err)
	}
	if pos < 0 || pos > st.Size() {
		return fmt.Errorf("%w: %d of %d", ErrInvalidPosition, pos, st.Size())
	}
	b.pos = pos
	return nil
}

// Reset truncates the file
func (b *FileBody) Reset() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	f, err := b.open()
	if err != nil {
		return err
	}
	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("truncate body file: %w", err)
	}
	b.pos = 0
	return nil
}

// Close closes the underlying file; the position is kept
func (b *FileBody) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.file == nil {
		return nil
	}
	err := b.file.Close()
	b.file = nil
	return err
}
