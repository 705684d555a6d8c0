package pool

import "sync"

// ArgsPool reuses [][]byte argument slices used to hold a command's
// encoded arguments before they're handed to resp.Writer.WriteCommand.
// Safe for concurrent use.
type ArgsPool struct {
	pool sync.Pool
}

// NewArgsPool returns a pool whose slices start with the given capacity.
func NewArgsPool(initialCap int) *ArgsPool {
	p := &ArgsPool{}
	p.pool.New = func() interface{} {
		s := make([][]byte, 0, initialCap)
		return &s
	}
	return p
}

// Get rents an argument slice, truncated to zero length.
func (p *ArgsPool) Get() [][]byte {
	s := p.pool.Get().(*[][]byte)
	return (*s)[:0]
}

// Put returns args to the pool. When clear is true every element slot is
// nilled out first so a lingering reference can't keep sensitive payload
// bytes (e.g. AUTH passwords) alive past the caller's use.
func (p *ArgsPool) Put(args [][]byte, clear bool) {
	if clear {
		for i := range args {
			args[i] = nil
		}
	}
	args = args[:0]
	p.pool.Put(&args)
}
