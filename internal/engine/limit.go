package engine

import "bytes"

// MaxReadBytes is the largest file ReadFile returns.
const MaxReadBytes = 10 << 20

// LimitedBuffer keeps the first Limit bytes written to it and discards the
// rest without failing the writer. A zero Limit keeps everything.
type LimitedBuffer struct {
	Limit     int64
	buf       bytes.Buffer
	truncated bool
}

func (b *LimitedBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if b.Limit > 0 {
		room := b.Limit - int64(b.buf.Len())
		if int64(n) > room {
			b.truncated = true
			if room <= 0 {
				return n, nil
			}
			p = p[:room]
		}
	}
	b.buf.Write(p)
	return n, nil
}

func (b *LimitedBuffer) WriteString(s string) (int, error) {
	return b.Write([]byte(s))
}

func (b *LimitedBuffer) Bytes() []byte { return b.buf.Bytes() }

func (b *LimitedBuffer) Len() int { return b.buf.Len() }

// Truncated reports whether any write was cut short.
func (b *LimitedBuffer) Truncated() bool { return b.truncated }
