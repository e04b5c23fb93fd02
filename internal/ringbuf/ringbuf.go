// Package ringbuf holds bounded per-pane scrollback.
//
// Output is stored as the chunks the pane read loop produced, each tagged
// with a strictly increasing sequence number starting at 1. The buffer is
// capped both in bytes and in chunk count; the oldest chunks are evicted
// whole, in append order, without regard to line boundaries. A single
// append larger than the byte cap keeps only its trailing bytes, so one
// long write can evict the entire previous history.
package ringbuf

import "sync"

type chunk struct {
	seq    uint64
	offset uint64
	data   []byte
}

// Range is the result of a sequence-based read.
type Range struct {
	Data []byte
	// First is the sequence of the first chunk in Data, or zero when Data is empty.
	First uint64
	// Next is the sequence a follow-up read should start from.
	Next uint64
	// Truncated is set when the requested sequence had already been evicted.
	Truncated bool
}

// Buffer is a byte-capped FIFO of output chunks. It is safe for concurrent
// use by one writer and any number of readers.
type Buffer struct {
	mu        sync.RWMutex
	chunks    []chunk
	head      int
	bytes     int
	maxBytes  int
	maxChunks int
	next      uint64
	written   uint64
}

// New creates a buffer that holds at most maxBytes bytes in at most maxChunks chunks.
func New(maxBytes, maxChunks int) *Buffer {
	if maxBytes <= 0 {
		maxBytes = 1
	}
	if maxChunks <= 0 {
		maxChunks = 1
	}
	return &Buffer{
		maxBytes:  maxBytes,
		maxChunks: maxChunks,
		next:      1,
	}
}

// Append copies data into the buffer and returns its sequence number.
// Empty input is ignored and returns zero. Append never blocks on readers
// for longer than a copy.
func (b *Buffer) Append(data []byte) uint64 {
	if len(data) == 0 {
		return 0
	}
	offset := uint64(0)
	if len(data) > b.maxBytes {
		offset = uint64(len(data) - b.maxBytes)
		data = data[len(data)-b.maxBytes:]
	}
	owned := make([]byte, len(data))
	copy(owned, data)

	b.mu.Lock()
	defer b.mu.Unlock()
	seq := b.next
	b.next++
	b.written += offset
	b.chunks = append(b.chunks, chunk{seq: seq, offset: b.written, data: owned})
	b.written += uint64(len(owned))
	b.bytes += len(owned)
	for b.bytes > b.maxBytes || b.live() > b.maxChunks {
		b.evictLocked()
	}
	return seq
}

func (b *Buffer) live() int {
	return len(b.chunks) - b.head
}

func (b *Buffer) evictLocked() {
	old := b.chunks[b.head]
	b.chunks[b.head] = chunk{}
	b.head++
	b.bytes -= len(old.data)
	if b.head > len(b.chunks)/2 && b.head > 64 {
		n := copy(b.chunks, b.chunks[b.head:])
		clear(b.chunks[n:])
		b.chunks = b.chunks[:n]
		b.head = 0
	}
}

// Read returns retained output starting at sequence from. A from of zero,
// or one older than the oldest retained chunk, starts at the oldest chunk;
// the latter also sets Truncated. maxBytes limits the result to whole
// chunks, always including at least one; zero means unlimited.
func (b *Buffer) Read(from uint64, maxBytes int) Range {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := Range{Next: b.next}
	if b.live() == 0 || from >= b.next {
		return out
	}
	oldest := b.chunks[b.head].seq
	if from < oldest {
		if from != 0 {
			out.Truncated = true
		}
		from = oldest
	}
	start := b.head + int(from-oldest)
	end := len(b.chunks)
	size := 0
	for i := start; i < len(b.chunks); i++ {
		n := len(b.chunks[i].data)
		if maxBytes > 0 && size > 0 && size+n > maxBytes {
			end = i
			break
		}
		size += n
	}
	data := make([]byte, 0, size)
	for i := start; i < end; i++ {
		data = append(data, b.chunks[i].data...)
	}
	out.Data = data
	out.First = b.chunks[start].seq
	if end < len(b.chunks) {
		out.Next = b.chunks[end].seq
	}
	return out
}

// ReadRange returns everything retained from sequence from onward and the
// sequence to resume at.
func (b *Buffer) ReadRange(from uint64) ([]byte, uint64) {
	r := b.Read(from, 0)
	return r.Data, r.Next
}

// CurrentSequence returns the sequence of the most recent chunk, or zero if
// nothing has been appended.
func (b *Buffer) CurrentSequence() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.next - 1
}

// NextSequence returns the sequence the next append will receive.
func (b *Buffer) NextSequence() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.next
}

// OldestSequence returns the oldest retained sequence, or zero when empty.
func (b *Buffer) OldestSequence() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.live() == 0 {
		return 0
	}
	return b.chunks[b.head].seq
}

// Len returns the number of retained bytes.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.bytes
}

// Contents returns a copy of all retained bytes together with the absolute
// stream offset of the first byte.
func (b *Buffer) Contents() ([]byte, uint64) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.live() == 0 {
		return nil, b.written
	}
	data := make([]byte, 0, b.bytes)
	for i := b.head; i < len(b.chunks); i++ {
		data = append(data, b.chunks[i].data...)
	}
	return data, b.chunks[b.head].offset
}
