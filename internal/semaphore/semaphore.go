// Package semaphore provides a counting semaphore.
package semaphore

// Semaphore limits the number of goroutines running a section concurrently.
type Semaphore struct {
	c chan struct{}
}

// New returns a Semaphore that allows n holders at a time.
func New(n int) *Semaphore {
	if n < 1 {
		n = 1
	}
	return &Semaphore{
		c: make(chan struct{}, n),
	}
}

// Wait blocks until a slot is available.
func (s *Semaphore) Wait() {
	s.c <- struct{}{}
}

// Signal releases the slot taken by Wait.
func (s *Semaphore) Signal() {
	<-s.c
}

// Len returns the number of current holders.
func (s *Semaphore) Len() int {
	return len(s.c)
}
