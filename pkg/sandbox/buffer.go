package sandbox

import "fmt"

// cappedBuffer retains the head and the tail of a stream up to limit bytes.
// Runners report their evidence on the last lines, so the tail must survive.
type cappedBuffer struct {
	limit   int64
	headCap int
	tailCap int
	head    []byte
	tail    []byte
	total   int64
}

func newCappedBuffer(limit int64) *cappedBuffer {
	b := &cappedBuffer{limit: limit}
	if limit > 0 {
		b.headCap = int(limit / 2)
		b.tailCap = int(limit) - b.headCap
	}
	return b
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	n := len(p)
	b.total += int64(n)
	if b.limit <= 0 {
		b.head = append(b.head, p...)
		return n, nil
	}
	if room := b.headCap - len(b.head); room > 0 {
		k := min(room, len(p))
		b.head = append(b.head, p[:k]...)
		p = p[k:]
	}
	if len(p) > 0 {
		b.tail = append(b.tail, p...)
		if len(b.tail) > 2*b.tailCap {
			b.tail = append([]byte(nil), b.tail[len(b.tail)-b.tailCap:]...)
		}
	}
	return n, nil
}

// Truncated reports whether bytes were dropped.
func (b *cappedBuffer) Truncated() bool {
	return b.limit > 0 && b.total > b.limit
}

func (b *cappedBuffer) String() string {
	if !b.Truncated() {
		return string(b.head) + string(b.tail)
	}
	tail := b.tail
	if len(tail) > b.tailCap {
		tail = tail[len(tail)-b.tailCap:]
	}
	omitted := b.total - int64(len(b.head)) - int64(len(tail))
	return fmt.Sprintf("%s\n... (output truncated: %d bytes omitted)\n%s", b.head, omitted, tail)
}
