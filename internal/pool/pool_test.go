package pool

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBufferPoolReuse(t *testing.T) {
	p := NewBufferPool(16)
	b := p.Get()
	b.WriteString("secret")
	p.Put(b, true)

	b2 := p.Get()
	assert.Equal(t, 0, b2.Len())
}

func TestArgsPoolReuse(t *testing.T) {
	p := NewArgsPool(4)
	args := p.Get()
	args = append(args, []byte("a"), []byte("b"))
	p.Put(args, true)

	args2 := p.Get()
	assert.Len(t, args2, 0)
	assert.Equal(t, 4, cap(args2))
}

func TestArgsPoolConcurrent(t *testing.T) {
	p := NewArgsPool(8)
	done := make(chan struct{})
	for i := 0; i < 32; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			a := p.Get()
			a = append(a, []byte("x"))
			p.Put(a, false)
		}()
	}
	for i := 0; i < 32; i++ {
		<-done
	}
}
