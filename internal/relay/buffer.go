package relay

import "errors"

var ErrReplayEvicted = errors.New("relay: replay offset precedes retained window")

// Backlog retains a contiguous suffix of every byte received from upstream,
// addressed in the session's absolute byte-offset space. It is not safe for
// concurrent use; the owning session's lock guards it.
type Backlog struct {
	chunks   [][]byte
	retained int64
	total    int64
	acked    int64
	budget   int64
}

func NewBacklog(budget int64) *Backlog {
	return &Backlog{budget: budget}
}

// Append records one upstream read. Oldest chunks are evicted while the
// retained size exceeds the byte budget, irrespective of the ack offset;
// the evicted byte count is returned for accounting.
func (b *Backlog) Append(data []byte) int64 {
	chunk := make([]byte, len(data))
	copy(chunk, data)
	b.chunks = append(b.chunks, chunk)
	b.total += int64(len(chunk))
	b.retained += int64(len(chunk))

	var evicted int64
	for b.retained > b.budget && len(b.chunks) > 0 {
		n := int64(len(b.chunks[0]))
		b.chunks = b.chunks[1:]
		b.retained -= n
		evicted += n
	}
	return evicted
}

// Ack raises the acknowledged offset and drops every chunk fully covered by
// it. Offsets at or below the current ack are ignored; acknowledgements only
// ever move forward.
func (b *Backlog) Ack(offset int64) bool {
	if offset <= b.acked {
		return false
	}
	if offset > b.total {
		offset = b.total
	}
	b.acked = offset

	start := b.WindowStart()
	for len(b.chunks) > 0 && start+int64(len(b.chunks[0])) <= b.acked {
		n := int64(len(b.chunks[0]))
		b.chunks = b.chunks[1:]
		b.retained -= n
		start += n
	}
	return true
}

// Window returns the full retained buffer, oldest first.
func (b *Backlog) Window() [][]byte {
	out := make([][]byte, len(b.chunks))
	copy(out, b.chunks)
	return out
}

// ReplayFrom returns the retained chunks starting at the absolute offset,
// splitting the first overlapping chunk. An offset at or past the total is
// already caught up and replays nothing. An offset below the retained window
// has been evicted and is reported as data loss, never as a partial replay.
func (b *Backlog) ReplayFrom(offset int64) ([][]byte, error) {
	if offset >= b.total {
		return nil, nil
	}
	start := b.WindowStart()
	if offset < start {
		return nil, ErrReplayEvicted
	}
	skip := offset - start
	var out [][]byte
	for _, chunk := range b.chunks {
		if skip >= int64(len(chunk)) {
			skip -= int64(len(chunk))
			continue
		}
		out = append(out, chunk[skip:])
		skip = 0
	}
	return out, nil
}

func (b *Backlog) WindowStart() int64 { return b.total - b.retained }
func (b *Backlog) Budget() int64      { return b.budget }
func (b *Backlog) TotalBytes() int64  { return b.total }
func (b *Backlog) AckOffset() int64   { return b.acked }
func (b *Backlog) Retained() int64    { return b.retained }
