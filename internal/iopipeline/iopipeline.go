// Package iopipeline implements the I/O pipeline (C9): the
// output_chain filter (deciding between sendfile, directio, and
// copy-to-memory strategies), the write_filter (postponing output and
// throttling via limit_rate), and the postpone filter that orders
// subrequest output. Rate pacing is delegated to
// github.com/joeycumines/go-catrate's Limiter rather than a hand-rolled
// token bucket, following the library's own Allow contract directly.
package iopipeline

import (
	"time"

	"github.com/joeycumines/go-catrate"

	"github.com/joeycumines/go-ngxcore/internal/buffer"
)

// Strategy is the output_chain filter's decision for one buffer: send
// it via sendfile (file-backed, zero-copy), via direct I/O, or by
// copying it into memory first (e.g. because the kernel lacks sendfile
// support for this fd type, or the buffer must be held past the
// syscall that would otherwise consume it).
type Strategy int

const (
	StrategyMemory Strategy = iota
	StrategySendfile
	StrategyDirectIO
)

// ChooseStrategy mirrors ngx_output_chain's decision tree: memory
// buffers, and file-backed buffers whose output must be held in memory
// (needInMemory) or temp-copied (needInTemp), get a memory copy; other
// file-backed buffers use direct I/O when directIO is set and sendfile
// otherwise.
func ChooseStrategy(buf *buffer.Buffer, needInMemory, needInTemp, directIO bool) Strategy {
	if !buf.Flags.Has(buffer.InFile) {
		return StrategyMemory
	}
	if needInMemory || needInTemp {
		return StrategyMemory
	}
	if directIO {
		return StrategyDirectIO
	}
	return StrategySendfile
}

// WriteFilter paces and postpones output for one connection: pending
// holds buffers not yet handed to the OS, and limiter throttles how
// much may be flushed per tick (limit_rate).
type WriteFilter struct {
	pending buffer.Chain
	limiter *catrate.Limiter
	conn    any // opaque category key for the limiter (the connection)
}

// NewWriteFilter creates a WriteFilter. If rates is empty, no pacing is
// applied — every pending buffer flushes immediately, matching nginx's
// behavior when limit_rate is unset.
func NewWriteFilter(conn any, rates map[time.Duration]int) *WriteFilter {
	wf := &WriteFilter{conn: conn}
	if len(rates) > 0 {
		wf.limiter = catrate.NewLimiter(rates)
	}
	return wf
}

// Push appends buf to the pending chain.
func (w *WriteFilter) Push(buf *buffer.Buffer) { w.pending.Append(buf) }

// Flush hands buffers to send (a function performing the actual
// write/sendfile syscall, returning bytes written and any error) until
// either the pending chain drains or the rate limiter declines further
// sends this tick. Returns the time at which the caller should retry
// if throttled.
func (w *WriteFilter) Flush(send func(*buffer.Buffer) (int, error)) (retryAt time.Time, done bool, err error) {
	for !w.pending.Empty() {
		if w.limiter != nil {
			next, ok := w.limiter.Allow(w.conn)
			if !ok {
				return next, false, nil
			}
		}

		buf := w.pending.PopFront()
		n, werr := send(buf)
		if werr != nil {
			return time.Time{}, false, werr
		}
		buf.Advance(n)
		if !buf.Empty() {
			// partial write: put it back at the front and wait for
			// the connection to become writable again.
			w.prepend(buf)
			return time.Time{}, false, nil
		}
		if buf.Flags.Has(buffer.Flush) {
			break
		}
	}
	return time.Time{}, w.pending.Empty(), nil
}

func (w *WriteFilter) prepend(buf *buffer.Buffer) {
	var nc buffer.Chain
	nc.Append(buf)
	nc.AppendChain(&w.pending)
	w.pending = nc
}

// Pending reports whether any buffered output remains.
func (w *WriteFilter) Pending() bool { return !w.pending.Empty() }

// PostponeFilter orders output from multiple concurrent subrequests so
// bytes reach the client in request-issue order even though the
// subrequests themselves may complete out of order, matching nginx's
// ngx_http_postpone_filter_module.
type PostponeFilter struct {
	ready   []*postponed
	current int
}

type postponed struct {
	chain     buffer.Chain
	completed bool
}

// Register reserves a slot for the nth subrequest in issue order and
// returns its index.
func (p *PostponeFilter) Register() int {
	p.ready = append(p.ready, &postponed{})
	return len(p.ready) - 1
}

// Complete marks subrequest idx's output as finished, supplying its
// full output chain.
func (p *PostponeFilter) Complete(idx int, chain buffer.Chain) {
	p.ready[idx].chain = chain
	p.ready[idx].completed = true
}

// Drain returns every completed, in-order chain ready to flush
// downstream, advancing the cursor past them. A gap (an incomplete
// earlier subrequest) stops the drain, matching postpone's ordering
// guarantee.
func (p *PostponeFilter) Drain() []buffer.Chain {
	var out []buffer.Chain
	for p.current < len(p.ready) && p.ready[p.current].completed {
		out = append(out, p.ready[p.current].chain)
		p.current++
	}
	return out
}
