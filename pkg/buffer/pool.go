package buffer

import "sync"

// BytePool recycles fixed-size read buffers. Every buffer handed out has capacity of at
// least the pool's size; callers reslice it and must not keep it after Put.
type BytePool struct {
	size int
	pool sync.Pool
}

func NewBytePool(size int) *BytePool {
	p := &BytePool{size: size}
	p.pool.New = func() interface{} {
		b := make([]byte, 0, size)
		return &b
	}
	return p
}

// Size is the capacity guaranteed for every buffer from Get.
func (p *BytePool) Size() int { return p.size }

func (p *BytePool) Get() *[]byte {
	return p.pool.Get().(*[]byte)
}

func (p *BytePool) Put(b *[]byte) {
	if b == nil || cap(*b) < p.size {
		return
	}
	*b = (*b)[:0]
	p.pool.Put(b)
}
