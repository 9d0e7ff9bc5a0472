package git

import "bytes"

// boundedBuffer captures at most max bytes. Writes past the limit are
// accepted and dropped so the child process never blocks on a full pipe.
type boundedBuffer struct {
	buf        bytes.Buffer
	max        int
	overflowed bool
}

func newBoundedBuffer(max int) *boundedBuffer {
	return &boundedBuffer{max: max}
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	room := b.max - b.buf.Len()
	if room <= 0 {
		if len(p) > 0 {
			b.overflowed = true
		}
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.overflowed = true
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *boundedBuffer) Bytes() []byte {
	return b.buf.Bytes()
}
