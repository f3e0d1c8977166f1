// Package datablock implements the owned byte buffer spec.md §3 calls a
// "Data block", and the capacity-partitioned pool §5 describes ("shared
// process-wide but partitioned by capacity class; a block from one class
// must never be returned to another").
package datablock

import "sync"

// Block is an owned byte buffer. Offset1 marks the split between a
// serialized broker-protocol message's payload prefix and protocol-data
// prefix (spec.md §3 "offset1").
type Block struct {
	buf     []byte
	size    int
	offset1 int
	class   Class
}

// New allocates a zero-length Block with the given capacity.
func New(capacity int) *Block {
	return &Block{buf: make([]byte, capacity)}
}

// SecureNew allocates a Block whose backing buffer is explicitly zeroed
// (spec.md 4.C "SecureAlloc additionally zeroes the buffer"); make already
// zeroes fresh slices, so this only matters for blocks drawn from a pool.
func SecureNew(capacity int) *Block {
	b := New(capacity)
	for i := range b.buf {
		b.buf[i] = 0
	}
	return b
}

func (b *Block) Capacity() int { return cap(b.buf) }
func (b *Block) Size() int     { return b.size }
func (b *Block) Offset1() int  { return b.offset1 }

// SetSize sets the logical length of the block's contents; it must not
// exceed Capacity.
func (b *Block) SetSize(n int) {
	if n < 0 || n > cap(b.buf) {
		panic("datablock: size out of range")
	}
	if n > len(b.buf) {
		b.buf = b.buf[:n]
	}
	b.size = n
}

// SetOffset1 records the protocol-data/payload split point (spec.md §3).
func (b *Block) SetOffset1(n int) { b.offset1 = n }

// Bytes returns the logical contents ([0:size)).
func (b *Block) Bytes() []byte { return b.buf[:b.size] }

// Payload returns the payload-prefix region (before Offset1).
func (b *Block) Payload() []byte { return b.buf[:b.offset1] }

// ProtocolData returns the protocol-data region ([Offset1:size)).
func (b *Block) ProtocolData() []byte { return b.buf[b.offset1:b.size] }

// Write copies p into the block starting at offset 0 and sets size.
func (b *Block) Write(p []byte) {
	if cap(b.buf) < len(p) {
		b.buf = make([]byte, len(p))
	}
	b.buf = b.buf[:len(p)]
	copy(b.buf, p)
	b.size = len(p)
}

// Grow extends the logical contents by appending extra, reallocating only
// if the current capacity is insufficient; used by the proxy when it
// rewrites and re-serializes a protocol envelope in place (spec.md 4.E.4).
func (b *Block) Grow(extra []byte) bool {
	need := b.size + len(extra)
	if need > cap(b.buf) {
		return false
	}
	b.buf = b.buf[:need]
	copy(b.buf[b.size:need], extra)
	b.size = need
	return true
}

// Class partitions the block pool so a block from one capacity class is
// never returned to another (spec.md §5).
type Class int

const (
	ClassBlob Class = iota
	ClassSmall
)

// Pool is a capacity-partitioned, reusable block allocator backing
// spec.md 4.E's smallBlocksPool/smallBlockReferencesPool and the general
// chunk data-block pool shared process-wide.
type Pool struct {
	mu    sync.Mutex
	free  map[Class][]*Block
	sizes map[Class]int
	cap   map[Class]int // hard cap on in-flight blocks per class, 0 = unbounded
	out   map[Class]int
}

func NewPool() *Pool {
	return &Pool{
		free:  make(map[Class][]*Block),
		sizes: make(map[Class]int),
		cap:   make(map[Class]int),
		out:   make(map[Class]int),
	}
}

// Configure sets the buffer size and hard cap for a class. cap<=0 means
// unbounded (used for ClassBlob; ClassSmall gets spec.md's
// maxNoOfSmallBlocks default of ~5MiB/smallBlockSize, set by the proxy).
func (p *Pool) Configure(class Class, bufSize, cap int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sizes[class] = bufSize
	p.cap[class] = cap
}

// Get returns a block for class, or ok=false if the class's hard cap is
// exhausted (spec.md 4.E.1 "hard cap maxNoOfSmallBlocks").
func (p *Pool) Get(class Class) (*Block, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c := p.cap[class]; c > 0 && p.out[class] >= c {
		return nil, false
	}
	var b *Block
	if free := p.free[class]; len(free) > 0 {
		b = free[len(free)-1]
		p.free[class] = free[:len(free)-1]
		b.size = 0
		b.offset1 = 0
	} else {
		b = New(p.sizes[class])
		b.class = class
	}
	p.out[class]++
	return b, true
}

// Put returns a block to its own class's free list.
func (p *Pool) Put(b *Block) {
	if b == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.out[b.class]--
	p.free[b.class] = append(p.free[b.class], b)
}

// Allocated reports how many blocks of class are currently checked out
// (spec.md SUPPLEMENTED FEATURES: pool accounting exposed as counters).
func (p *Pool) Allocated(class Class) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.out[class]
}

// Capacity reports the configured hard cap for class (0 = unbounded).
func (p *Pool) Capacity(class Class) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cap[class]
}
