package cryptoutils

import (
	"errors"
	"fmt"
	"sync"
)

// ErrBufferClosed is returned when a closed LockedBuffer is read.
var ErrBufferClosed = errors.New("locked buffer closed")

// LockedBuffer holds long-lived key material outside the Go heap. On linux
// the memory is mmap'd, mlock'd and excluded from core dumps. Close zeroes
// and releases it.
type LockedBuffer struct {
	mu     sync.Mutex
	data   []byte
	closed bool
}

// NewLockedBuffer allocates a zeroed buffer of the given size.
func NewLockedBuffer(size int) (*LockedBuffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("locked buffer size must be positive, got %d", size)
	}
	data, err := allocLocked(size)
	if err != nil {
		return nil, err
	}
	return &LockedBuffer{data: data}, nil
}

// NewLockedBufferFrom copies source into a new locked buffer and wipes source.
func NewLockedBufferFrom(source []byte) (*LockedBuffer, error) {
	buf, err := NewLockedBuffer(len(source))
	if err != nil {
		return nil, err
	}
	copy(buf.data, source)
	Wipe(source)
	return buf, nil
}

// Bytes returns the protected region. The slice must not outlive the buffer.
func (b *LockedBuffer) Bytes() ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBufferClosed
	}
	return b.data, nil
}

func (b *LockedBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

// Close zeroes and releases the buffer. Close is idempotent.
func (b *LockedBuffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true

	Wipe(b.data)
	err := freeLocked(b.data)
	b.data = nil
	return err
}
