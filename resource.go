package seeknet

import (
	"io"
	"math"
	"sync"

	"github.com/pkg/errors"
)

// ErrSeekOutOfRange is returned when a seek target falls before the start or
// past the end of the resource. The position is left unchanged.
var ErrSeekOutOfRange = errors.New("seek target out of range")

// lockedResource serializes every operation on the shared resource. The
// position of the underlying io.ReadSeeker is shared by all connections, so
// each seek or read holds the lock for its whole duration.
type lockedResource struct {
	mu sync.Mutex
	rs io.ReadSeeker
}

func newLockedResource(rs io.ReadSeeker) *lockedResource {
	return &lockedResource{rs: rs}
}

// Seek moves to the target described by origin and offset and returns the new
// absolute position. Targets outside [0, size] are rejected.
func (l *lockedResource) Seek(origin Origin, offset int64) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	current, err := l.rs.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, errors.Wrap(err, "query position")
	}

	size, err := l.rs.Seek(0, io.SeekEnd)
	if err != nil {
		if rerr := l.restore(current); rerr != nil {
			return 0, rerr
		}
		return 0, errors.Wrap(err, "query size")
	}

	// origin was validated when the request was parsed
	var base int64
	switch origin {
	case OriginEnd:
		base = size
	case OriginCurrent:
		base = current
	}

	target, ok := addOffset(base, offset)
	if !ok || target < 0 || target > size {
		if err := l.restore(current); err != nil {
			return 0, err
		}
		return 0, errors.Wrapf(ErrSeekOutOfRange, "%s%+d with size %d", origin, offset, size)
	}

	pos, err := l.rs.Seek(target, io.SeekStart)
	if err != nil {
		return 0, errors.Wrap(err, "seek")
	}
	return uint64(pos), nil
}

func (l *lockedResource) restore(pos int64) error {
	_, err := l.rs.Seek(pos, io.SeekStart)
	return errors.Wrap(err, "restore position")
}

// ReadTo streams up to amount bytes from the current position to emit, one
// buf-sized chunk at a time. The lock is held for the whole transfer so the
// bytes are contiguous. Reaching the end of the resource is not an error.
// An error from emit stops the transfer and is returned unchanged.
func (l *lockedResource) ReadTo(amount uint64, buf []byte, emit func([]byte) error) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var produced uint64
	for produced < amount {
		chunk := buf
		if rest := amount - produced; rest < uint64(len(chunk)) {
			chunk = chunk[:rest]
		}

		n, err := io.ReadFull(l.rs, chunk)
		if n > 0 {
			produced += uint64(n)
			if werr := emit(chunk[:n]); werr != nil {
				return produced, werr
			}
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return produced, nil
		}
		if err != nil {
			return produced, errors.Wrap(err, "read resource")
		}
	}
	return produced, nil
}

func addOffset(base, offset int64) (int64, bool) {
	if offset > 0 && base > math.MaxInt64-offset {
		return 0, false
	}
	if offset < 0 && base < math.MinInt64-offset {
		return 0, false
	}
	return base + offset, true
}
