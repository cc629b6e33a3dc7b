// Package page implements the lock-free, memory-mapped append log that
// backs a single page of a disk-ringbuffer. Any number of writer goroutines
// in any number of processes may Push concurrently; any number of readers
// may Pop concurrently; none of the hot paths take a kernel lock or mutex.
//
// A page is a fixed-size regular file mapped MAP_SHARED into every
// participating process. Its header is three machine words of atomic
// coordination state (ready, state, safe_end); the remainder is a raw byte
// arena of self-delimited messages. See the reservation/commit protocol in
// Push and the read protocol in Pop for the two halves of the contract.
package page

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync/atomic"
	"unsafe"

	"github.com/hashicorp/go-multierror"
)

const (
	// wordBits is the width of the header's atomic words. sync/atomic only
	// gives lock-free guarantees at native widths, so this is fixed rather
	// than parameterized; every page in a ring is produced by the same Go
	// toolchain, so the word-size deployment invariant is structural.
	wordBits = 64

	// writerCountShift packs the in-flight writer count into the high 8
	// bits of state and the write-index into the low wordBits-8 bits.
	writerCountShift = wordBits - 8

	// writerMagic is one unit in the writer-count field.
	writerMagic uint64 = 1 << writerCountShift

	// indexMask isolates the write-index low bits.
	indexMask = writerMagic - 1

	// TerminatorByte ends every committed message body.
	TerminatorByte byte = 0xFF

	// FullSentinelByte marks the offset a writer reserved once the page
	// was discovered to be full.
	FullSentinelByte byte = 0xFD

	// HeaderSize is the fixed three-word page header.
	HeaderSize = 3 * 8

	// DefaultArenaSize matches the original C implementation's QUEUE_SIZE.
	DefaultArenaSize = 4096 * 16000

	// lengthPrefixWidth is the width in bytes of the constant-time-read
	// framing's length prefix (one machine word).
	lengthPrefixWidth = 8
)

// negWriterMagic subtracts one writer from state via two's-complement
// addition; sync/atomic has no AddUint64-with-negative-literal shortcut
// for a named constant, so this is computed once at package init.
var negWriterMagic = ^(writerMagic - 1)

// Status classifies the outcome of Pop.
type Status int

const (
	// StatusEmpty means no bytes past the cursor are yet safe to read.
	StatusEmpty Status = iota
	// StatusSuccess means Slice.Data holds exactly one committed message.
	StatusSuccess
	// StatusFinished means the page is sealed at or before the cursor;
	// the caller must not advance within this page.
	StatusFinished
)

// Slice is the result of a successful Pop. Data aliases the page's mmap
// directly (zero-copy); it is only valid until the caller's next call into
// this package and must be copied before being retained or mutated.
type Slice struct {
	Status Status
	Data   []byte
}

var (
	// ErrPageFull is returned by Push when the reservation would overflow
	// the arena. It is a normal, expected signal: the caller (a ring) opens
	// the next page and retries there.
	ErrPageFull = errors.New("page: full")

	// ErrInvalidPayload is returned by Push when the plain (non
	// length-prefixed) framing is asked to carry a payload containing the
	// terminator byte, which would otherwise corrupt framing on read.
	ErrInvalidPayload = errors.New("page: payload contains terminator byte")

	// ErrMalformedFrame is returned by Pop when a frame cannot be parsed:
	// a scan reaches the safe horizon without finding a terminator, or a
	// length-prefixed frame's tail byte isn't the terminator. This is a
	// fatal invariant violation, not a retryable condition.
	ErrMalformedFrame = errors.New("page: malformed frame")

	// ErrFormatMismatch is returned by Open when an existing page file's
	// ready word does not match this build's word-width/format magic.
	ErrFormatMismatch = errors.New("page: format or word width mismatch")
)

// header is the on-disk layout of a page's three coordination words,
// mapped directly onto the mmap'd bytes via unsafe.Pointer in the
// platform-specific Open. Field order is the wire layout; do not reorder.
type header struct {
	ready   uint64
	state   uint64
	safeEnd uint64
}

// options configure a Page; set via functional Option values.
type options struct {
	arenaSize      uint64
	lengthPrefixed bool
}

// Option configures Open.
type Option func(*options)

// WithArenaSize overrides DefaultArenaSize.
func WithArenaSize(n uint64) Option {
	return func(o *options) { o.arenaSize = n }
}

// WithLengthPrefixed selects the constant-time-read framing, which prefixes
// every message with its length as a machine word at the cost of
// lengthPrefixWidth bytes of framing overhead per message.
func WithLengthPrefixed(v bool) Option {
	return func(o *options) { o.lengthPrefixed = v }
}

// Page is a fixed-size, memory-mapped append log shared across processes.
type Page struct {
	path           string
	file           *os.File
	mem            []byte
	hdr            *header
	arenaSize      uint64
	lengthPrefixed bool
}

// formatMagic encodes the header word width so cooperating processes built
// against a different word size fail fast instead of silently corrupting
// each other's framing. The spec leaves the `ready` field declared but
// unconsulted; this repurposes it rather than leaving it inert.
func formatMagic() uint64 {
	return 0x5051_4147_0000_0000 | uint64(wordBits/8)
}

// initHeader claims a freshly truncated (all-zero) header, or validates an
// existing one, via a single CAS on ready. Concurrent opens by multiple
// processes race here safely: at most one CAS succeeds, and everyone else
// validates against the winner's magic.
func initHeader(hdr *header, arenaSize uint64) error {
	want := formatMagic()
	if atomic.CompareAndSwapUint64(&hdr.ready, 0, want) {
		return nil
	}
	if got := atomic.LoadUint64(&hdr.ready); got != want {
		return fmt.Errorf("%w: got %#x want %#x", ErrFormatMismatch, got, want)
	}
	return nil
}

// arenaBytes returns the arena as a plain byte slice aliasing the mmap.
func (p *Page) arenaBytes() []byte {
	return p.mem[HeaderSize : HeaderSize+int(p.arenaSize)]
}

// Path returns the backing file path.
func (p *Page) Path() string { return p.path }

// ArenaSize returns the usable arena capacity in bytes.
func (p *Page) ArenaSize() uint64 { return p.arenaSize }

// frameOverhead is the number of non-payload bytes Push consumes per
// message under the page's configured framing.
func (p *Page) frameOverhead() uint64 {
	if p.lengthPrefixed {
		return lengthPrefixWidth + 1
	}
	return 1
}

// Push appends data as one self-delimited message. On success it returns
// the total byte advance consumed (including framing). On overflow it
// returns ErrPageFull and the page is left sealed for every reader: at
// most one 0xFD sentinel need ever be observed, but concurrent writers may
// independently stamp the same (or an earlier) offset; the earliest one a
// reader reaches wins its attention, by construction, since it is always
// the first byte at or after the sealing point.
func (p *Page) Push(data []byte) (int, error) {
	if !p.lengthPrefixed {
		for _, b := range data {
			if b == TerminatorByte {
				return 0, ErrInvalidPayload
			}
		}
	}

	l := uint64(len(data)) + p.frameOverhead()
	delta := writerMagic + l

	prior := atomic.AddUint64(&p.hdr.state, delta) - delta
	start := prior & indexMask

	if start+l > p.arenaSize-1 {
		atomic.AddUint64(&p.hdr.state, negWriterMagic)
		if start < p.arenaSize {
			p.arenaBytes()[start] = FullSentinelByte
		}
		return 0, ErrPageFull
	}

	arena := p.arenaBytes()
	if p.lengthPrefixed {
		binary.LittleEndian.PutUint64(arena[start:start+lengthPrefixWidth], uint64(len(data)))
		copy(arena[start+lengthPrefixWidth:], data)
		arena[start+lengthPrefixWidth+uint64(len(data))] = TerminatorByte
	} else {
		copy(arena[start:], data)
		arena[start+uint64(len(data))] = TerminatorByte
	}

	// Release: this fetch-sub is the synchronization point a reader's
	// acquire load of state pairs with. Every byte this writer just wrote
	// becomes visible to any reader that subsequently observes writer
	// count zero at or past this range.
	atomic.AddUint64(&p.hdr.state, negWriterMagic)

	return int(l), nil
}

// fetchMaxUint64 advances *addr to val if val is larger, via CAS loop. This
// is the fetch-max the spec's source should have used for safe_end instead
// of a plain relaxed store (a racing pair of readers could otherwise drive
// it backwards); see DESIGN.md.
func fetchMaxUint64(addr *uint64, val uint64) {
	for {
		old := atomic.LoadUint64(addr)
		if old >= val {
			return
		}
		if atomic.CompareAndSwapUint64(addr, old, val) {
			return
		}
	}
}

// safeEnd returns a safe upper read bound for cursor, spinning only when
// the cached safe_end hint does not already cover it. yield is called
// between spin attempts; stop, if non-nil, aborts the spin early (used by
// PopContext for deadline/cancellation support).
func (p *Page) safeEnd(cursor uint64, yield func(), stop func() bool) (uint64, bool) {
	end := atomic.LoadUint64(&p.hdr.safeEnd)
	if end <= cursor {
		for {
			state := atomic.LoadUint64(&p.hdr.state)
			if state&^uint64(indexMask) == 0 {
				end = state & indexMask
				break
			}
			if stop != nil && stop() {
				return 0, false
			}
			yield()
		}
		fetchMaxUint64(&p.hdr.safeEnd, end)
	}
	if end > p.arenaSize {
		end = p.arenaSize
	}
	return end, true
}

// Pop returns the message beginning at cursor. It spins, cooperatively
// yielding to the scheduler, while the cursor has reached the cached
// safe_end and at least one writer is still in flight; it never suspends
// indefinitely in the absence of a stalled writer, but it has no deadline
// of its own; use PopContext for one.
func (p *Page) Pop(cursor uint64) (Slice, error) {
	return p.pop(cursor, runtime.Gosched, nil)
}

// PopContext is Pop with a bounded spin: ctx cancellation aborts the wait
// for writers to drain and returns ctx.Err(). This is the "cooperative
// yield loop with an optional deadline" the design notes call for in place
// of the source's unbounded spin.
func (p *Page) PopContext(ctx context.Context, cursor uint64) (Slice, error) {
	var stopErr error
	stop := func() bool {
		select {
		case <-ctx.Done():
			stopErr = ctx.Err()
			return true
		default:
			return false
		}
	}
	slice, err := p.pop(cursor, runtime.Gosched, stop)
	if stopErr != nil {
		return Slice{}, stopErr
	}
	return slice, err
}

func (p *Page) pop(cursor uint64, yield func(), stop func() bool) (Slice, error) {
	end, ok := p.safeEnd(cursor, yield, stop)
	if !ok {
		return Slice{}, context.Canceled
	}
	if end == cursor {
		return Slice{Status: StatusEmpty}, nil
	}

	arena := p.arenaBytes()
	if arena[cursor] == FullSentinelByte {
		return Slice{Status: StatusFinished}, nil
	}

	if p.lengthPrefixed {
		if cursor+lengthPrefixWidth > end {
			return Slice{}, ErrMalformedFrame
		}
		length := binary.LittleEndian.Uint64(arena[cursor : cursor+lengthPrefixWidth])
		bodyStart := cursor + lengthPrefixWidth
		termAt := bodyStart + length
		if termAt >= end || arena[termAt] != TerminatorByte {
			return Slice{}, ErrMalformedFrame
		}
		return Slice{Status: StatusSuccess, Data: arena[bodyStart:termAt]}, nil
	}

	for i := cursor; i < end; i++ {
		if arena[i] == TerminatorByte {
			return Slice{Status: StatusSuccess, Data: arena[cursor:i]}, nil
		}
	}
	return Slice{}, ErrMalformedFrame
}

// Open creates-or-opens the page backing file at path, truncates it to the
// exact header+arena size (idempotent, so concurrent opens by multiple
// processes are safe), and maps it MAP_SHARED. A freshly created (all-zero)
// file is a valid empty page by construction; an existing file is
// validated against this build's format/word-width magic.
//
// mmap/ftruncate failures are fatal initialization errors; the core has no
// recovery path for them, matching the source's abort-on-I/O-error design.
func Open(path string, opts ...Option) (*Page, error) {
	cfg := options{arenaSize: DefaultArenaSize}
	for _, opt := range opts {
		opt(&cfg)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("page: open %s: %w", path, err)
	}

	size := int64(HeaderSize) + int64(cfg.arenaSize)
	if err := file.Truncate(size); err != nil {
		file.Close()
		return nil, fmt.Errorf("page: truncate %s: %w", path, err)
	}

	mem, err := mmapShared(file, int(size))
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("page: mmap %s: %w", path, err)
	}

	hdr := (*header)(unsafe.Pointer(&mem[0]))
	if err := initHeader(hdr, cfg.arenaSize); err != nil {
		_ = munmapShared(mem)
		file.Close()
		return nil, fmt.Errorf("page: %s: %w", path, err)
	}

	return &Page{
		path:           path,
		file:           file,
		mem:            mem,
		hdr:            hdr,
		arenaSize:      cfg.arenaSize,
		lengthPrefixed: cfg.lengthPrefixed,
	}, nil
}

// Close unmaps the page and closes the backing file descriptor. The
// backing file itself is left on disk untouched so a new process can
// reopen it identically and join in progress.
func (p *Page) Close() error {
	if p.mem == nil {
		return nil
	}
	var result *multierror.Error
	if err := munmapShared(p.mem); err != nil {
		result = multierror.Append(result, err)
	}
	if err := p.file.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	p.mem = nil
	p.hdr = nil
	p.file = nil
	return result.ErrorOrNil()
}
