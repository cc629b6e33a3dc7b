package page_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mostlymaxi/disk-ringbuffer/internal/page"
)

func openTestPage(t *testing.T, arenaSize uint64, opts ...page.Option) *page.Page {
	t.Helper()
	dir := t.TempDir()
	opts = append([]page.Option{page.WithArenaSize(arenaSize)}, opts...)
	p, err := page.Open(filepath.Join(dir, "0.page"), opts...)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func TestEmptyPage(t *testing.T) {
	p := openTestPage(t, page.DefaultArenaSize)

	slice, err := p.Pop(0)
	if err != nil {
		t.Fatalf("Pop: %v", err)
	}
	if slice.Status != page.StatusEmpty {
		t.Fatalf("status = %v, want StatusEmpty", slice.Status)
	}
	if len(slice.Data) != 0 {
		t.Fatalf("data = %v, want empty", slice.Data)
	}
}

func TestSingleRoundTrip(t *testing.T) {
	p := openTestPage(t, page.DefaultArenaSize)

	n, err := p.Push([]byte("abc"))
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if n != 4 {
		t.Fatalf("Push advance = %d, want 4", n)
	}

	slice, err := p.Pop(0)
	if err != nil {
		t.Fatalf("Pop: %v", err)
	}
	if slice.Status != page.StatusSuccess {
		t.Fatalf("status = %v, want StatusSuccess", slice.Status)
	}
	if !bytes.Equal(slice.Data, []byte("abc")) {
		t.Fatalf("data = %q, want %q", slice.Data, "abc")
	}

	slice, err = p.Pop(uint64(n))
	if err != nil {
		t.Fatalf("Pop: %v", err)
	}
	if slice.Status != page.StatusEmpty {
		t.Fatalf("status = %v, want StatusEmpty", slice.Status)
	}
}

func TestTwoBackToBackMessages(t *testing.T) {
	p := openTestPage(t, page.DefaultArenaSize)

	if _, err := p.Push([]byte("abc")); err != nil {
		t.Fatalf("Push abc: %v", err)
	}
	if _, err := p.Push([]byte("de")); err != nil {
		t.Fatalf("Push de: %v", err)
	}

	slice, err := p.Pop(0)
	if err != nil || slice.Status != page.StatusSuccess || !bytes.Equal(slice.Data, []byte("abc")) {
		t.Fatalf("Pop(0) = %+v, %v", slice, err)
	}

	slice, err = p.Pop(4)
	if err != nil || slice.Status != page.StatusSuccess || !bytes.Equal(slice.Data, []byte("de")) {
		t.Fatalf("Pop(4) = %+v, %v", slice, err)
	}

	slice, err = p.Pop(7)
	if err != nil || slice.Status != page.StatusEmpty {
		t.Fatalf("Pop(7) = %+v, %v", slice, err)
	}
}

func TestPageFull(t *testing.T) {
	p := openTestPage(t, 16)

	// 14-byte payload consumes 15 bytes including terminator, leaving
	// exactly 1 byte free in a 16-byte arena.
	first := bytes.Repeat([]byte{'a'}, 14)
	n, err := p.Push(first)
	if err != nil {
		t.Fatalf("first Push: %v", err)
	}
	if n != 15 {
		t.Fatalf("first Push advance = %d, want 15", n)
	}

	_, err = p.Push([]byte("wxyz"))
	if !errors.Is(err, page.ErrPageFull) {
		t.Fatalf("second Push err = %v, want ErrPageFull", err)
	}

	slice, err := p.Pop(uint64(n))
	if err != nil {
		t.Fatalf("Pop at sealed offset: %v", err)
	}
	if slice.Status != page.StatusFinished {
		t.Fatalf("status = %v, want StatusFinished", slice.Status)
	}
}

func TestConcurrentWriters(t *testing.T) {
	p := openTestPage(t, page.DefaultArenaSize)

	const writers = 8
	const perWriter = 50

	var wg sync.WaitGroup
	wg.Add(writers)
	for w := 0; w < writers; w++ {
		w := w
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				msg := fmt.Sprintf("w%d-m%d", w, i)
				if _, err := p.Push([]byte(msg)); err != nil {
					t.Errorf("Push: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	want := make(map[string]int, writers*perWriter)
	for w := 0; w < writers; w++ {
		for i := 0; i < perWriter; i++ {
			want[fmt.Sprintf("w%d-m%d", w, i)]++
		}
	}

	got := make(map[string]int, writers*perWriter)
	cursor := uint64(0)
	for {
		slice, err := p.Pop(cursor)
		if err != nil {
			t.Fatalf("Pop at %d: %v", cursor, err)
		}
		if slice.Status == page.StatusEmpty || slice.Status == page.StatusFinished {
			break
		}
		got[string(slice.Data)]++
		cursor += uint64(len(slice.Data)) + 1
	}

	if len(got) != len(want) {
		t.Fatalf("read %d distinct messages, want %d", len(got), len(want))
	}
	for msg, count := range want {
		if got[msg] != count {
			t.Errorf("message %q read %d times, want %d", msg, got[msg], count)
		}
	}
}

func TestReaderOvertakingWriters(t *testing.T) {
	p := openTestPage(t, page.DefaultArenaSize)

	results := make(chan page.Status, 16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		cursor := uint64(0)
		seen := 0
		for seen < 2 {
			slice, err := p.Pop(cursor)
			if err != nil {
				t.Errorf("Pop: %v", err)
				return
			}
			results <- slice.Status
			if slice.Status == page.StatusSuccess {
				cursor += uint64(len(slice.Data)) + 1
				seen++
			} else {
				time.Sleep(time.Millisecond)
			}
		}
	}()

	time.Sleep(5 * time.Millisecond)
	if _, err := p.Push([]byte("first")); err != nil {
		t.Fatalf("Push: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	if _, err := p.Push([]byte("second")); err != nil {
		t.Fatalf("Push: %v", err)
	}

	<-done
	close(results)

	successCount := 0
	for status := range results {
		if status == page.StatusFinished {
			t.Fatalf("unexpected StatusFinished")
		}
		if status == page.StatusSuccess {
			successCount++
		}
	}
	if successCount != 2 {
		t.Fatalf("success count = %d, want 2", successCount)
	}
}

func TestInvalidPayloadRejected(t *testing.T) {
	p := openTestPage(t, page.DefaultArenaSize)

	_, err := p.Push([]byte{'a', 0xFF, 'b'})
	if !errors.Is(err, page.ErrInvalidPayload) {
		t.Fatalf("err = %v, want ErrInvalidPayload", err)
	}
}

func TestLengthPrefixedRoundTrip(t *testing.T) {
	p := openTestPage(t, page.DefaultArenaSize, page.WithLengthPrefixed(true))

	// A payload containing 0xFF is fine under length-prefixed framing.
	payload := []byte{'a', 0xFF, 'b'}
	n, err := p.Push(payload)
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if n != len(payload)+8+1 {
		t.Fatalf("advance = %d, want %d", n, len(payload)+8+1)
	}

	slice, err := p.Pop(0)
	if err != nil {
		t.Fatalf("Pop: %v", err)
	}
	if slice.Status != page.StatusSuccess || !bytes.Equal(slice.Data, payload) {
		t.Fatalf("slice = %+v, want SUCCESS %v", slice, payload)
	}
}

func TestReopenJoinsInProgress(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "0.page")

	first, err := page.Open(path, page.WithArenaSize(page.DefaultArenaSize))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := first.Push([]byte("hello")); err != nil {
		t.Fatalf("Push: %v", err)
	}

	second, err := page.Open(path, page.WithArenaSize(page.DefaultArenaSize))
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	defer second.Close()

	slice, err := second.Pop(0)
	if err != nil || slice.Status != page.StatusSuccess || !bytes.Equal(slice.Data, []byte("hello")) {
		t.Fatalf("second.Pop(0) = %+v, %v", slice, err)
	}

	if err := first.Close(); err != nil {
		t.Fatalf("first.Close: %v", err)
	}
}

func TestPopContextCancellationOnEmptyPage(t *testing.T) {
	p := openTestPage(t, page.DefaultArenaSize)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	slice, err := p.PopContext(ctx, 0)
	if err != nil {
		t.Fatalf("PopContext on empty page: %v", err)
	}
	if slice.Status != page.StatusEmpty {
		t.Fatalf("status = %v, want StatusEmpty", slice.Status)
	}
}
