// Package buffer implements the buffer + chain primitives (C2): a
// Buffer describing one span of bytes (memory-backed, mmap-backed, or
// a span of an open file for sendfile), tagged with the flag bitset
// nginx's ngx_buf_t carries, plus a singly-linked Chain of buffers with
// free-list-backed link recycling — the same chunk/free-list pooling
// idiom the teacher uses for ChunkedIngress link nodes
// (eventloop/ingress.go), generalized here to buffer chain links.
package buffer

import "sync"

// Flags describes what kind of data a Buffer holds and how the I/O
// pipeline is allowed to treat it.
type Flags uint16

const (
	// Temporary marks data the caller may still mutate.
	Temporary Flags = 1 << iota
	// Memory marks read-only, stable in-memory data (safe to reference
	// without copying, e.g. constants or mmap'd sections).
	Memory
	// MMap marks memory mapped directly from a file.
	MMap
	// InFile marks a buffer describing a byte range of an open file
	// rather than an in-memory span, for sendfile-style zero-copy output.
	InFile
	// Flush requests the output chain flush everything buffered so far.
	Flush
	// Sync marks a zero-length buffer carrying only a flag (e.g. Last)
	// with no payload of its own.
	Sync
	// Last marks the final buffer of a logical message.
	Last
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

// Buffer is one span of data flowing through the I/O pipeline. Exactly
// one of Data or (File, FileOffset/FileLast) describes its payload,
// matching ngx_buf_t's mutually exclusive memory/file representations.
type Buffer struct {
	Data  []byte
	Pos   int // read cursor into Data
	Flags Flags

	File       FileRef
	FileOffset int64
	FileLast   int64
}

// FileRef abstracts the backing file for an InFile buffer; kept as an
// interface so internal/filecache's cached *os.File handles can be
// referenced without buffer importing filecache.
type FileRef interface {
	Fd() uintptr
	Name() string
}

// Len returns the number of unread bytes this buffer still carries,
// whether memory- or file-backed.
func (b *Buffer) Len() int {
	if b.Flags.Has(InFile) {
		return int(b.FileLast - b.FileOffset)
	}
	return len(b.Data) - b.Pos
}

// Bytes returns the unread portion of a memory-backed buffer. Calling
// this on a file-backed buffer returns nil.
func (b *Buffer) Bytes() []byte {
	if b.Flags.Has(InFile) {
		return nil
	}
	return b.Data[b.Pos:]
}

// Advance consumes n bytes from the front of the buffer.
func (b *Buffer) Advance(n int) {
	if b.Flags.Has(InFile) {
		b.FileOffset += int64(n)
		return
	}
	b.Pos += n
}

// Empty reports whether the buffer has no unread payload left (a
// Sync buffer with Last set is Empty by construction).
func (b *Buffer) Empty() bool { return b.Len() == 0 }

// Link is one node of a Chain. Links are pooled so a hot request path
// that builds and discards many short chains doesn't pressure the GC,
// the same rationale behind the teacher's chunk free-list.
type Link struct {
	Buf  *Buffer
	Next *Link
}

var linkPool = sync.Pool{New: func() any { return new(Link) }}

// Chain is a singly-linked list of buffers, the unit the I/O pipeline
// passes between filters (output_chain, write_filter, postpone).
type Chain struct {
	Head *Link
	tail *Link
}

// Append adds buf to the end of the chain and returns the new link.
func (c *Chain) Append(buf *Buffer) *Link {
	l := linkPool.Get().(*Link)
	l.Buf = buf
	l.Next = nil
	if c.tail != nil {
		c.tail.Next = l
	} else {
		c.Head = l
	}
	c.tail = l
	return l
}

// PopFront removes and returns the first buffer, or nil if the chain
// is empty. The vacated link is returned to the pool.
func (c *Chain) PopFront() *Buffer {
	l := c.Head
	if l == nil {
		return nil
	}
	c.Head = l.Next
	if c.Head == nil {
		c.tail = nil
	}
	buf := l.Buf
	l.Buf = nil
	l.Next = nil
	linkPool.Put(l)
	return buf
}

// Empty reports whether the chain has no links.
func (c *Chain) Empty() bool { return c.Head == nil }

// Release returns every link in the chain to the pool without
// examining the buffers they hold (the caller is responsible for any
// buffer-level cleanup, e.g. returning memory to an Arena).
func (c *Chain) Release() {
	for l := c.Head; l != nil; {
		next := l.Next
		l.Buf = nil
		l.Next = nil
		linkPool.Put(l)
		l = next
	}
	c.Head = nil
	c.tail = nil
}

// AppendChain moves every link of other onto the end of c, leaving
// other empty.
func (c *Chain) AppendChain(other *Chain) {
	if other.Head == nil {
		return
	}
	if c.tail != nil {
		c.tail.Next = other.Head
	} else {
		c.Head = other.Head
	}
	c.tail = other.tail
	other.Head = nil
	other.tail = nil
}

// LastBufFlagged reports whether the final buffer currently in the
// chain carries the Last flag.
func (c *Chain) LastBufFlagged() bool {
	if c.tail == nil {
		return false
	}
	return c.tail.Buf.Flags.Has(Last)
}
