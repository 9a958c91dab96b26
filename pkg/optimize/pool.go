package optimize

import "sync"

// MTU is the largest RTP datagram the media paths handle.
const MTU = 1500

// BytePool recycles fixed-size byte buffers for per-packet work.
type BytePool struct {
	pool sync.Pool
	size int
}

func NewBytePool(size int) *BytePool {
	p := &BytePool{size: size}
	p.pool.New = func() any {
		b := make([]byte, size)
		return &b
	}
	return p
}

// Get returns a buffer of exactly the pool size.
func (p *BytePool) Get() *[]byte {
	b := p.pool.Get().(*[]byte)
	*b = (*b)[:p.size]
	return b
}

// Put returns b to the pool. Buffers smaller than the pool size are dropped.
func (p *BytePool) Put(b *[]byte) {
	if b == nil || cap(*b) < p.size {
		return
	}
	p.pool.Put(b)
}

// Size returns the length of buffers handed out by Get.
func (p *BytePool) Size() int { return p.size }
