// Package ring sequences a directory of pages into a single ordered stream.
// It owns the policy a lone page can't: when a writer sees PAGE_FULL,
// allocate or open the next page; when a reader sees FINISHED, drop this
// page and open the next. None of that logic touches the page's own hot
// path: page.Push and page.Pop stay lock-free. The ring's handles wrap them
// in an in-process lock: Writer.Push holds a shared read lock that only the
// rare page swap contends with, and Reader.Pop serializes calls on one
// Reader with a mutex.
package ring

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/mostlymaxi/disk-ringbuffer/internal/page"
)

const pageNameFormat = "%020d.page"

var (
	// ErrNoNextPage is returned by Reader.Pop when it has drained a
	// finished page but the next page file does not exist yet. The ring is
	// the one place that owns a retry policy for this.
	ErrNoNextPage = fmt.Errorf("ring: next page not yet written")

	// ErrPageEvicted is returned by Reader.Pop when the reader's current
	// page number has fallen behind the ring's retention floor. No
	// back-pressure is applied to readers; this is how one learns it
	// missed data.
	ErrPageEvicted = fmt.Errorf("ring: page evicted")
)

type options struct {
	maxPages       int
	arenaSize      uint64
	lengthPrefixed bool
	pageOpts       []page.Option
	logger         *slog.Logger
}

func (o options) openPageOpts() []page.Option {
	opts := make([]page.Option, 0, len(o.pageOpts)+2)
	if o.arenaSize != 0 {
		opts = append(opts, page.WithArenaSize(o.arenaSize))
	}
	if o.lengthPrefixed {
		opts = append(opts, page.WithLengthPrefixed(true))
	}
	return append(opts, o.pageOpts...)
}

// frameOverhead is the per-message cursor advance beyond the payload
// length: 1 trailing terminator byte in the default framing, or 1 plus the
// 8-byte length word under WithLengthPrefixed.
func (o options) frameOverhead() uint64 {
	if o.lengthPrefixed {
		return 9
	}
	return 1
}

// Option configures Open.
type Option func(*options)

// WithMaxPages caps the number of page files retained at once. Once
// exceeded, the writer unlinks the oldest page after each rollover, and any
// reader whose current page is behind the new floor will observe
// ErrPageEvicted on its next Pop. Zero (the default) means unbounded
// retention.
func WithMaxPages(n int) Option {
	return func(o *options) { o.maxPages = n }
}

// WithArenaSize forwards an arena size override to every page.Open call
// the ring makes.
func WithArenaSize(n uint64) Option {
	return func(o *options) { o.arenaSize = n }
}

// WithLengthPrefixed selects the constant-time-read framing for every page
// the ring opens; the ring tracks this itself (rather than only forwarding
// an opaque page.Option) so it can account for the extra length-word bytes
// when advancing a Reader's cursor.
func WithLengthPrefixed(v bool) Option {
	return func(o *options) { o.lengthPrefixed = v }
}

// WithPageOptions forwards additional options to every page.Open call the
// ring makes, for anything WithArenaSize/WithLengthPrefixed don't cover.
func WithPageOptions(opts ...page.Option) Option {
	return func(o *options) { o.pageOpts = append(o.pageOpts, opts...) }
}

// WithLogger overrides the default slog.Logger used for rollover and
// eviction diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Ring is a directory of sequentially numbered pages. Writer and Reader
// handles obtained from the same Ring coordinate rollover through it; the
// Ring itself holds no page mapping open.
type Ring struct {
	dir    string
	opts   options
	mu     sync.RWMutex
	latest uint64 // highest page number known to exist
	floor  uint64 // oldest page number still retained, when maxPages > 0
}

// Open creates dir if absent and scans it for existing page files,
// picking up mid-stream if any are already present (the same "reopen joins
// in progress" guarantee a single page gives, lifted to a directory of
// them).
func Open(dir string, opts ...Option) (*Ring, error) {
	cfg := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("ring: mkdir %s: %w", dir, err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("ring: readdir %s: %w", dir, err)
	}

	var latest uint64
	found := false
	for _, e := range entries {
		n, ok := parsePageName(e.Name())
		if !ok {
			continue
		}
		if !found || n > latest {
			latest = n
			found = true
		}
	}

	return &Ring{dir: dir, opts: cfg, latest: latest}, nil
}

func parsePageName(name string) (uint64, bool) {
	var n uint64
	if _, err := fmt.Sscanf(name, pageNameFormat, &n); err != nil {
		return 0, false
	}
	// Round-trip to reject anything Sscanf parsed loosely (e.g. a longer
	// numeric prefix followed by garbage it happened to stop at).
	if fmt.Sprintf(pageNameFormat, n) != name {
		return 0, false
	}
	return n, true
}

func (r *Ring) pagePath(n uint64) string {
	return filepath.Join(r.dir, fmt.Sprintf(pageNameFormat, n))
}

// Writer appends to the ring's current page, rolling over to a new page
// file whenever the current one reports ErrPageFull. A Writer is safe for
// concurrent use by multiple goroutines: mu is held for read across the
// hot-path Push call (so concurrent pushes proceed uncontended against
// each other, exactly as the lock-free page protocol allows) and only
// upgraded to a write lock for the rare page swap.
type Writer struct {
	ring   *Ring
	mu     sync.RWMutex
	pageNo uint64
	pg     *page.Page
}

// Writer opens a writer positioned at the ring's latest known page,
// creating the very first page file if the ring is brand new.
func (r *Ring) Writer() (*Writer, error) {
	r.mu.RLock()
	pageNo := r.latest
	r.mu.RUnlock()

	pg, err := page.Open(r.pagePath(pageNo), r.opts.openPageOpts()...)
	if err != nil {
		return nil, fmt.Errorf("ring: open writer page %d: %w", pageNo, err)
	}
	return &Writer{ring: r, pageNo: pageNo, pg: pg}, nil
}

// Push appends data to the ring, transparently rolling over to the next
// page on ErrPageFull and retrying there.
func (w *Writer) Push(data []byte) (int, error) {
	for {
		w.mu.RLock()
		pg := w.pg
		n, err := pg.Push(data)
		w.mu.RUnlock()

		if err == nil {
			return n, nil
		}
		if !isPageFull(err) {
			return 0, err
		}
		if err := w.rollover(pg); err != nil {
			return 0, err
		}
	}
}

func isPageFull(err error) bool {
	return errors.Is(err, page.ErrPageFull)
}

// rollover swaps in the next page file. full is the page observed full by
// the caller; if another goroutine already rolled past it by the time
// rollover acquires the write lock, this is a no-op and Push simply
// retries against the page already in place.
func (w *Writer) rollover(full *page.Page) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.pg != full {
		return nil
	}

	nextNo := w.pageNo + 1

	w.ring.mu.Lock()
	if nextNo > w.ring.latest {
		w.ring.latest = nextNo
	}
	w.ring.mu.Unlock()

	next, err := page.Open(w.ring.pagePath(nextNo), w.ring.opts.openPageOpts()...)
	if err != nil {
		return fmt.Errorf("ring: rollover to page %d: %w", nextNo, err)
	}

	if err := w.pg.Close(); err != nil {
		w.ring.opts.logger.Warn("failed closing rolled-over page", "page", w.pageNo, "error", err)
	}

	w.pg = next
	w.pageNo = nextNo

	if w.ring.opts.maxPages > 0 && nextNo+1 > uint64(w.ring.opts.maxPages) {
		newFloor := nextNo + 1 - uint64(w.ring.opts.maxPages)
		w.evictBelow(newFloor)
	}

	return nil
}

// evictBelow unlinks every page strictly below newFloor and advances the
// ring's retention floor.
func (w *Writer) evictBelow(newFloor uint64) {
	w.ring.mu.Lock()
	defer w.ring.mu.Unlock()
	var result *multierror.Error
	for n := w.ring.floor; n < newFloor; n++ {
		path := w.ring.pagePath(n)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			result = multierror.Append(result, fmt.Errorf("evict page %d: %w", n, err))
		}
	}
	w.ring.floor = newFloor
	if err := result.ErrorOrNil(); err != nil {
		w.ring.opts.logger.Warn("eviction encountered errors", "newFloor", newFloor, "error", err)
	} else {
		w.ring.opts.logger.Debug("evicted pages below floor", "newFloor", newFloor)
	}
}

// Close closes the writer's current page handle. The ring itself survives;
// other writers and readers obtained from it are unaffected.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pg.Close()
}

// Reader drains the ring's pages in order starting from wherever it was
// opened, advancing across page boundaries on StatusFinished. A single
// cursor has no meaningful parallel semantics, so concurrent Pop calls on
// one Reader are simply serialized by mu rather than allowed to race.
type Reader struct {
	ring   *Ring
	mu     sync.Mutex
	pageNo uint64
	cursor uint64
	pg     *page.Page
}

// Reader opens a reader at page 0, cursor 0. It does not look for the
// oldest retained page, so page 0 is opened even after it has been evicted.
// Callers that want to resume from a specific position
// should track (pageNo, cursor) themselves and use ReaderAt.
func (r *Ring) Reader() (*Reader, error) {
	return r.ReaderAt(0, 0)
}

// ReaderAt opens a reader positioned at an explicit page number and cursor,
// for callers resuming a previously persisted read position.
func (r *Ring) ReaderAt(pageNo, cursor uint64) (*Reader, error) {
	pg, err := page.Open(r.pagePath(pageNo), r.opts.openPageOpts()...)
	if err != nil {
		return nil, fmt.Errorf("ring: open reader page %d: %w", pageNo, err)
	}
	return &Reader{ring: r, pageNo: pageNo, cursor: cursor, pg: pg}, nil
}

// Position returns the reader's current (pageNo, cursor), suitable for
// persisting and resuming later via ReaderAt.
func (r *Reader) Position() (pageNo, cursor uint64) {
	return r.pageNo, r.cursor
}

// Pop returns the next message in ring order, transparently advancing past
// finished pages. It returns ErrNoNextPage if the current page is finished
// but the next page file does not exist yet (the caller should poll), and
// ErrPageEvicted if this reader has fallen behind the ring's retention
// floor.
func (r *Reader) Pop(ctx context.Context) (page.Slice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for {
		r.ring.mu.RLock()
		floor := r.ring.floor
		r.ring.mu.RUnlock()
		if r.ring.opts.maxPages > 0 && r.pageNo < floor {
			return page.Slice{}, fmt.Errorf("%w: page %d below floor %d", ErrPageEvicted, r.pageNo, floor)
		}

		slice, err := r.pg.PopContext(ctx, r.cursor)
		if err != nil {
			return page.Slice{}, err
		}

		switch slice.Status {
		case page.StatusSuccess:
			r.cursor += uint64(len(slice.Data)) + r.ring.opts.frameOverhead()
			return slice, nil
		case page.StatusEmpty:
			return slice, nil
		case page.StatusFinished:
			if err := r.advancePage(); err != nil {
				return page.Slice{}, err
			}
			// loop and try the new page
		}
	}
}

// advancePage moves the reader onto the next page file, leaving the current
// page handle untouched (and still poppable) if the next page does not
// exist yet, so a caller that gets ErrNoNextPage and retries later isn't
// left holding a closed page.
func (r *Reader) advancePage() error {
	nextNo := r.pageNo + 1
	nextPath := r.ring.pagePath(nextNo)
	if _, err := os.Stat(nextPath); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: page %d", ErrNoNextPage, nextNo)
		}
		return fmt.Errorf("ring: stat page %d: %w", nextNo, err)
	}

	pg, err := page.Open(nextPath, r.ring.opts.openPageOpts()...)
	if err != nil {
		return fmt.Errorf("ring: open page %d: %w", nextNo, err)
	}

	r.ring.opts.logger.Debug("page finished, advancing", "page", r.pageNo)
	if err := r.pg.Close(); err != nil {
		r.ring.opts.logger.Warn("failed closing finished page", "page", r.pageNo, "error", err)
	}

	r.pg = pg
	r.pageNo = nextNo
	r.cursor = 0
	return nil
}

// Close closes the reader's current page handle.
func (r *Reader) Close() error {
	return r.pg.Close()
}
