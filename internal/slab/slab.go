// Package slab implements the shared-memory slab allocator (C3): a
// memfd+mmap-backed segment shared across worker processes, guarded
// throughout by a single spinlock, with bucketed size classes
// (small/exact/big/multi-page), matching nginx's ngx_slab_pool_t
// design. Real shared memory (rather than a simulated in-process
// arena) is used so the segment genuinely survives worker restarts and
// is visible to every worker process, per the spec's concurrency
// model. AcceptMutex reuses the same memfd+mmap+spinlock primitives
// for the cross-worker accept-serialization lock (C8, spec.md §4.6
// step 2) rather than the general bump allocator, since that lock
// needs nothing but a single shared word.
package slab

import (
	"fmt"
	"runtime"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	pageSize = 4096
	// exact-size classes double from minShift up to pageSize/2.
	minShift = 3 // smallest class is 8 bytes
	maxShift = 11 // 2^11 = 2048, the largest "exact" class before "big"
)

// Spinlock is a tight userspace spinlock over shared memory, used for
// the slab fast path the way nginx's ngx_shmtx_lock spins before
// falling back to a real futex wait under contention.
type Spinlock struct {
	state *uint32
}

// NewSpinlock wires a Spinlock onto a pre-allocated word of shared
// memory so every worker mapping the same segment contends on the same
// lock state.
func NewSpinlock(word *uint32) Spinlock { return Spinlock{state: word} }

func (s Spinlock) Lock() {
	for !atomic.CompareAndSwapUint32(s.state, 0, 1) {
		runtime.Gosched()
	}
}

func (s Spinlock) Unlock() { atomic.StoreUint32(s.state, 0) }

// Pool is a shared-memory slab allocator. A Pool is safe for
// concurrent use by multiple worker processes mapping the same
// underlying memfd, and by multiple goroutines within one process.
type Pool struct {
	spin   Spinlock // guards the bump cursor and all free lists
	fd     int
	data   []byte
	name   string
	size   int

	// bump cursor for never-yet-freed space
	bump uint64

	// per-shift free lists (singly linked via the first 8 bytes of each
	// freed block, an offset into data, or ^uint64(0) for nil)
	freeLists [maxShift + 1]uint64

	lockWord *uint32
}

// openSegment creates a fresh memfd-backed shared segment of size
// bytes (rounded up to a page multiple), the low-level primitive both
// Pool and AcceptMutex build their own segment layout on top of.
func openSegment(name string, size int) (fd int, rounded int, err error) {
	rounded = roundUpPage(size)
	fd, err = unix.MemfdCreate(name, unix.MFD_CLOEXEC)
	if err != nil {
		return -1, 0, fmt.Errorf("slab: memfd_create: %w", err)
	}
	if err := unix.Ftruncate(fd, int64(rounded)); err != nil {
		unix.Close(fd)
		return -1, 0, fmt.Errorf("slab: ftruncate: %w", err)
	}
	return fd, rounded, nil
}

// mapSegment maps size bytes (rounded up to a page multiple) of fd,
// shared across every process that maps it.
func mapSegment(fd, size int) ([]byte, error) {
	data, err := unix.Mmap(fd, 0, roundUpPage(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("slab: mmap: %w", err)
	}
	return data, nil
}

// Open creates a fresh shared memory segment (Attach maps an existing
// one) of size bytes sized in page-size multiples, backed by
// Linux memfd_create so it can be inherited across worker fork/exec
// without a named tmpfs path.
func Open(name string, size int) (*Pool, error) {
	fd, rounded, err := openSegment(name, size)
	if err != nil {
		return nil, err
	}
	return attach(name, fd, rounded, true)
}

// Attach maps an inherited fd (passed down from the master process via
// ExtraFiles) as a Pool, without truncating or resetting its contents —
// this is how a restarted worker recovers a slab zone that already has
// live allocations in it.
func Attach(name string, fd int, size int) (*Pool, error) {
	return attach(name, fd, roundUpPage(size), false)
}

func attach(name string, fd, size int, fresh bool) (*Pool, error) {
	data, err := mapSegment(fd, size)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}

	p := &Pool{fd: fd, data: data, name: name, size: size}
	// The segment header reserves: [0:4) spinlock word, [4:12) bump
	// cursor, [12:12+8*len(freeLists)) one free-list head per shift
	// class. Storing these in shared memory (rather than only in this
	// process's Pool struct) is what lets a re-exec'd worker Attach and
	// recover an in-flight allocator state instead of starting fresh.
	p.lockWord = bytesAsUint32(data[0:4])
	p.spin = NewSpinlock(p.lockWord)

	if fresh {
		p.bump = uint64(headerSize)
		for i := range p.freeLists {
			p.freeLists[i] = ^uint64(0)
			p.writeNext(freeListHeaderOffset(i), ^uint64(0))
		}
		p.writeHeaderBump()
	} else {
		p.bump = p.readNext(4)
		for i := range p.freeLists {
			p.freeLists[i] = p.readNext(freeListHeaderOffset(i))
		}
	}
	return p, nil
}

const headerSize = 12 + 8*(maxShift+1)

func freeListHeaderOffset(shift int) int { return 12 + 8*shift }

func (p *Pool) writeHeaderBump() { p.writeNext(4, p.bump) }

func bytesAsUint32(b []byte) *uint32 {
	return (*uint32)(unsafe.Pointer(&b[0]))
}

// Fd returns the underlying memfd, to be added to os/exec's ExtraFiles
// when spawning the next worker generation on binary upgrade.
func (p *Pool) Fd() int { return p.fd }

// Close unmaps and closes the segment. Other processes that still have
// it mapped are unaffected.
func (p *Pool) Close() error {
	if err := unix.Munmap(p.data); err != nil {
		return err
	}
	return unix.Close(p.fd)
}

func roundUpPage(size int) int {
	if size <= 0 {
		size = pageSize
	}
	return (size + pageSize - 1) &^ (pageSize - 1)
}

func shiftFor(size int) int {
	shift := minShift
	for (1 << shift) < size {
		shift++
	}
	return shift
}

// Alloc reserves size bytes from the pool and returns the offset (not
// a Go pointer — shared memory must be addressed by offset across
// process boundaries) at which the allocation begins, or ok=false if
// the pool is exhausted.
func (p *Pool) Alloc(size int) (offset int, ok bool) {
	if size <= 0 {
		return 0, false
	}

	p.spin.Lock()
	defer p.spin.Unlock()

	// Another process mapping the same segment may have moved the bump
	// cursor since this Pool last looked; the shared header is the truth.
	p.bump = p.readNext(4)

	if size > (1 << maxShift) {
		// big/multi-page class: always bump-allocate, page aligned.
		need := roundUpPage(size)
		aligned := (int(p.bump) + pageSize - 1) &^ (pageSize - 1)
		if aligned+need > len(p.data) {
			return 0, false
		}
		p.bump = uint64(aligned + need)
		p.writeHeaderBump()
		return aligned, true
	}

	shift := shiftFor(size)
	p.freeLists[shift] = p.readNext(freeListHeaderOffset(shift))
	if head := p.freeLists[shift]; head != ^uint64(0) {
		p.freeLists[shift] = p.readNext(int(head))
		p.writeNext(freeListHeaderOffset(shift), p.freeLists[shift])
		return int(head), true
	}

	blockSize := 1 << shift
	aligned := int(p.bump)
	if aligned+blockSize > len(p.data) {
		return 0, false
	}
	p.bump = uint64(aligned + blockSize)
	p.writeHeaderBump()
	return aligned, true
}

// Free returns a previously allocated block of the given size to the
// appropriate free list for reuse. Allocations larger than 2048 bytes
// (the big/multi-page class) are on no free list: Free ignores them,
// and their space is not reused for the life of the segment.
func (p *Pool) Free(offset, size int) {
	if size > (1 << maxShift) {
		return
	}
	shift := shiftFor(size)

	p.spin.Lock()
	defer p.spin.Unlock()

	p.freeLists[shift] = p.readNext(freeListHeaderOffset(shift))
	p.writeNext(offset, p.freeLists[shift])
	p.freeLists[shift] = uint64(offset)
	p.writeNext(freeListHeaderOffset(shift), p.freeLists[shift])
}

// Bytes returns the byte slice backing an allocation at offset,size.
// Callers must not retain the slice past a Close.
func (p *Pool) Bytes(offset, size int) []byte {
	return p.data[offset : offset+size : offset+size]
}

func (p *Pool) readNext(offset int) uint64 {
	b := p.data[offset : offset+8]
	return uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 | uint64(b[3])<<24 |
		uint64(b[4])<<32 | uint64(b[5])<<40 | uint64(b[6])<<48 | uint64(b[7])<<56
}

func (p *Pool) writeNext(offset int, v uint64) {
	b := p.data[offset : offset+8]
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
	b[4] = byte(v >> 32)
	b[5] = byte(v >> 40)
	b[6] = byte(v >> 48)
	b[7] = byte(v >> 56)
}

// Size returns the total size of the mapped segment.
func (p *Pool) Size() int { return p.size }

// Name returns the name the segment was created with, used as the
// shared-memory zone directory key per the external interfaces section.
func (p *Pool) Name() string { return p.name }

// AcceptMutex is a spinlock living in its own one-page shared-memory
// segment, used to serialize Accept across worker processes the way
// nginx's ngx_accept_mutex does for listeners not relying on
// SO_REUSEPORT for kernel-side load balancing: only the worker holding
// the lock attempts Accept in a given tick, matching spec.md §4.6 step
// 2 and the invariant that the mutex is held by at most one worker at
// any instant.
type AcceptMutex struct {
	fd   int
	data []byte
	lock Spinlock
}

// OpenAcceptMutex creates a fresh accept-mutex segment, unlocked. The
// master calls this once, before spawning its first worker generation,
// and hands the resulting fd down via ExtraFiles so every worker it
// forks maps the same segment.
func OpenAcceptMutex(name string) (*AcceptMutex, error) {
	fd, rounded, err := openSegment(name, pageSize)
	if err != nil {
		return nil, err
	}
	data, err := mapSegment(fd, rounded)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	word := bytesAsUint32(data[0:4])
	atomic.StoreUint32(word, 0)
	return &AcceptMutex{fd: fd, data: data, lock: NewSpinlock(word)}, nil
}

// AttachAcceptMutex maps an inherited accept-mutex fd (passed down
// alongside the listener fds via ExtraFiles) without resetting its
// lock state, so a worker never races its siblings by starting the
// segment over.
func AttachAcceptMutex(fd int) (*AcceptMutex, error) {
	data, err := mapSegment(fd, pageSize)
	if err != nil {
		return nil, err
	}
	word := bytesAsUint32(data[0:4])
	return &AcceptMutex{fd: fd, data: data, lock: NewSpinlock(word)}, nil
}

// TryLock attempts to acquire the mutex without blocking, mirroring
// ngx_trylock_accept_mutex: a worker that loses the race simply tries
// again next tick instead of spinning.
func (m *AcceptMutex) TryLock() bool {
	return atomic.CompareAndSwapUint32(m.lock.state, 0, 1)
}

// Unlock releases the mutex.
func (m *AcceptMutex) Unlock() { m.lock.Unlock() }

// Fd returns the underlying memfd, to be added to os/exec's ExtraFiles
// when spawning a worker.
func (m *AcceptMutex) Fd() int { return m.fd }

// Close unmaps and closes this process's view of the segment. Other
// processes that still have it mapped are unaffected.
func (m *AcceptMutex) Close() error {
	if err := unix.Munmap(m.data); err != nil {
		return err
	}
	return unix.Close(m.fd)
}
