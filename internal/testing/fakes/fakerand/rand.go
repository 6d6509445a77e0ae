// Package fakerand provides a deterministic ports.Random.
package fakerand

import (
	"sync"

	"github.com/acolita/sshkit/internal/ports"
)

// Random cycles through a fixed byte sequence, so IDs minted from it are
// reproducible.
type Random struct {
	mu     sync.Mutex
	seq    []byte
	offset int
}

var _ ports.Random = (*Random)(nil)

// New cycles through seq, or through 0..255 when seq is empty.
func New(seq []byte) *Random {
	if len(seq) == 0 {
		seq = make([]byte, 256)
		for i := range seq {
			seq[i] = byte(i)
		}
	}
	return &Random{seq: seq}
}

// Read fills b from the sequence.
func (r *Random) Read(b []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range b {
		b[i] = r.seq[r.offset%len(r.seq)]
		r.offset++
	}
	return len(b), nil
}

// Reset rewinds to the start of the sequence.
func (r *Random) Reset() {
	r.mu.Lock()
	r.offset = 0
	r.mu.Unlock()
}
