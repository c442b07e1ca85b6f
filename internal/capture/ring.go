package capture

import (
	"context"
	"fmt"
	"math/bits"
	"sync"

	"github.com/smallnest/ringbuffer"

	"github.com/tphakala/pcmstream/internal/backend"
)

// Ring is a fixed-capacity byte FIFO shared by one producer (the backend
// callback) and any number of readers. All state sits behind a single mutex;
// waiters release it while parked on one of two conditions.
//
// A stopped ring never blocks: writers fail with backend.ErrCancelled and
// readers take what is buffered. Resume re-arms it.
type Ring struct {
	mu        sync.Mutex
	dataReady *sync.Cond
	spaceFree *sync.Cond

	buf      *ringbuffer.RingBuffer
	capacity int
	stopped  bool
	closed   bool
}

// NewRing returns a ring holding capacity bytes. capacity must be a positive
// power of two.
func NewRing(capacity int) (*Ring, error) {
	if capacity <= 0 || bits.OnesCount(uint(capacity)) != 1 {
		return nil, fmt.Errorf("%w: ring capacity %d is not a power of two", backend.ErrInvalidFormat, capacity)
	}
	r := &Ring{
		buf:      ringbuffer.New(capacity),
		capacity: capacity,
	}
	r.dataReady = sync.NewCond(&r.mu)
	r.spaceFree = sync.NewCond(&r.mu)
	return r, nil
}

// Capacity returns the ring size in bytes.
func (r *Ring) Capacity() int { return r.capacity }

// Available returns the number of unread bytes.
func (r *Ring) Available() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf.Length()
}

// Free returns the number of bytes that can be written without waiting.
func (r *Ring) Free() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf.Free()
}

// Stopped reports whether the ring was stopped or closed.
func (r *Ring) Stopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopped
}

// Write appends p, waiting for room. See WriteContext.
func (r *Ring) Write(p []byte) (int, error) {
	return r.WriteContext(context.Background(), p)
}

// WriteContext appends all of p, waiting with the lock released until the
// ring has room. Blocks larger than the ring are written in capacity-sized
// pieces so a reader can drain in between.
//
// It returns backend.ErrCancelled once the ring is stopped and ctx.Err() when
// ctx ends. The returned count is what was written before that.
func (r *Ring) WriteContext(ctx context.Context, p []byte) (int, error) {
	release := r.wakeOnDone(ctx)
	defer release()

	r.mu.Lock()
	defer r.mu.Unlock()

	written := 0
	for written < len(p) {
		want := min(len(p)-written, r.capacity)
		for r.buf.Free() < want {
			if err := r.waitErr(ctx); err != nil {
				return written, err
			}
			r.spaceFree.Wait()
		}
		if err := r.waitErr(ctx); err != nil {
			return written, err
		}
		n, err := r.buf.Write(p[written : written+want])
		written += n
		if n > 0 {
			r.dataReady.Broadcast()
		}
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

// TryWrite appends as much of p as fits right now and returns the count.
func (r *Ring) TryWrite(p []byte) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped {
		return 0
	}
	return r.writeLocked(p)
}

// Read fills p, waiting for data. See ReadContext.
func (r *Ring) Read(p []byte) (int, error) {
	return r.ReadContext(context.Background(), p)
}

// ReadContext fills p, copying whatever is buffered and then waiting with the
// lock released for more until p is full, the ring is stopped, or ctx ends.
// Each copy frees room for the producer, so p may be larger than the ring.
// The error is nil on a full read, backend.ErrCancelled when a stop cut the
// wait short and ctx.Err() on cancellation. After Close it returns
// backend.ErrClosed with the count copied before that.
func (r *Ring) ReadContext(ctx context.Context, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	release := r.wakeOnDone(ctx)
	defer release()

	r.mu.Lock()
	defer r.mu.Unlock()

	read := 0
	for {
		if r.closed {
			return read, backend.ErrClosed
		}
		read += r.readLocked(p[read:])
		if read == len(p) {
			return read, nil
		}
		if err := r.waitErr(ctx); err != nil {
			return read, err
		}
		r.dataReady.Wait()
	}
}

// TryRead copies min(len(p), Available()) bytes without waiting.
func (r *Ring) TryRead(p []byte) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return 0
	}
	return r.readLocked(p)
}

// Stop wakes every waiter. Buffered data stays readable.
func (r *Ring) Stop() {
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()

	r.dataReady.Broadcast()
	r.spaceFree.Broadcast()
}

// Resume re-arms a stopped ring. It has no effect after Close.
func (r *Ring) Resume() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closed {
		r.stopped = false
	}
}

// Close stops the ring and discards its contents. It is idempotent.
func (r *Ring) Close() {
	r.mu.Lock()
	r.stopped = true
	r.closed = true
	r.buf.Reset()
	r.mu.Unlock()

	r.dataReady.Broadcast()
	r.spaceFree.Broadcast()
}

// waitErr must be called with the lock held.
func (r *Ring) waitErr(ctx context.Context) error {
	if r.stopped {
		return backend.ErrCancelled
	}
	return ctx.Err()
}

// wakeOnDone broadcasts both conditions when ctx ends so that parked waiters
// re-check it. The broadcast happens under the lock, so a waiter that saw a
// live context before parking cannot miss it.
func (r *Ring) wakeOnDone(ctx context.Context) func() bool {
	if ctx.Done() == nil {
		return func() bool { return false }
	}
	return context.AfterFunc(ctx, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.dataReady.Broadcast()
		r.spaceFree.Broadcast()
	})
}

func (r *Ring) writeLocked(p []byte) int {
	n := min(len(p), r.buf.Free())
	if n == 0 {
		return 0
	}
	n, _ = r.buf.Write(p[:n])
	if n > 0 {
		r.dataReady.Broadcast()
	}
	return n
}

func (r *Ring) readLocked(p []byte) int {
	n := min(len(p), r.buf.Length())
	if n == 0 {
		return 0
	}
	n, _ = r.buf.Read(p[:n])
	if n > 0 {
		r.spaceFree.Broadcast()
	}
	return n
}

// nextPowerOfTwo rounds n up to a power of two. n <= 1 yields 1.
func nextPowerOfTwo(n int) int {
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(n-1))
}
