package credpool

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ninawilliansoc/cursor-api-reforged/internal/storage"
)

type fakeSource struct {
	mu    sync.Mutex
	creds []storage.Credential
	err   error
}

func (f *fakeSource) ListActiveCredentials() ([]storage.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return append([]storage.Credential(nil), f.creds...), nil
}

func (f *fakeSource) set(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creds = nil
	for i := 0; i < n; i++ {
		f.creds = append(f.creds, storage.Credential{ID: fmt.Sprintf("c%d", i), Value: fmt.Sprintf("v%d", i), Active: true})
	}
}

func newPool(n int) (*Pool, *fakeSource) {
	src := &fakeSource{}
	src.set(n)
	return New(src, nil, nil), src
}

func TestPeekDoesNotAdvance(t *testing.T) {
	p, _ := newPool(3)
	for i := 0; i < 3; i++ {
		c, ok, err := p.PeekCurrent()
		if err != nil || !ok {
			t.Fatalf("PeekCurrent: ok=%v err=%v", ok, err)
		}
		if c.ID != "c0" {
			t.Errorf("peek %d = %s, want c0", i, c.ID)
		}
	}
}

func TestTickCyclesThroughCredentials(t *testing.T) {
	p, _ := newPool(3)
	want := []string{"c1", "c2", "c0", "c1"}
	for i, id := range want {
		if err := p.Tick(); err != nil {
			t.Fatal(err)
		}
		c, _, _ := p.PeekCurrent()
		if c.ID != id {
			t.Errorf("after tick %d current = %s, want %s", i+1, c.ID, id)
		}
	}
}

func TestShrinkingSetClampsCursor(t *testing.T) {
	p, src := newPool(4)
	for i := 0; i < 3; i++ {
		p.Tick()
	}
	if st := p.Status(); st.Cursor != 3 {
		t.Fatalf("cursor = %d, want 3", st.Cursor)
	}

	src.set(2)
	c, ok, err := p.PeekCurrent()
	if err != nil || !ok {
		t.Fatalf("PeekCurrent: ok=%v err=%v", ok, err)
	}
	if c.ID != "c0" || p.Status().Cursor != 0 {
		t.Errorf("after shrink current=%s cursor=%d, want c0/0", c.ID, p.Status().Cursor)
	}
}

func TestGrowingSetAlsoResetsCursor(t *testing.T) {
	p, src := newPool(2)
	p.Tick()
	src.set(5)
	p.PeekCurrent()
	if got := p.Status().Cursor; got != 0 {
		t.Errorf("cursor = %d, want 0 after size change", got)
	}
}

func TestCursorInvariantUnderRandomSizes(t *testing.T) {
	p, src := newPool(1)
	sizes := []int{1, 5, 5, 5, 3, 0, 0, 7, 2, 2, 9, 1}
	for i, n := range sizes {
		src.set(n)
		if err := p.Tick(); err != nil {
			t.Fatal(err)
		}
		st := p.Status()
		if n == 0 {
			if st.Cursor != 0 {
				t.Errorf("step %d: cursor = %d with empty set", i, st.Cursor)
			}
			continue
		}
		if st.Cursor < 0 || st.Cursor >= n {
			t.Errorf("step %d: cursor %d out of range for size %d", i, st.Cursor, n)
		}
	}
}

func TestEmptyPool(t *testing.T) {
	p, _ := newPool(0)
	if err := p.Tick(); err != nil {
		t.Fatal(err)
	}
	if _, ok, err := p.PeekCurrent(); ok || err != nil {
		t.Errorf("PeekCurrent on empty pool: ok=%v err=%v", ok, err)
	}
	if p.ActiveCount() != 0 {
		t.Errorf("ActiveCount = %d", p.ActiveCount())
	}
	if p.Status().LastRotatedAt != nil {
		t.Error("LastRotatedAt set without a rotation")
	}
}

func TestResetAndAdvance(t *testing.T) {
	p, _ := newPool(3)
	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	p.SetClock(func() time.Time { return now })

	c, ok, err := p.Advance()
	if err != nil || !ok || c.ID != "c1" {
		t.Fatalf("Advance = %s ok=%v err=%v, want c1", c.ID, ok, err)
	}
	if st := p.Status(); st.LastRotatedAt == nil || !st.LastRotatedAt.Equal(now) {
		t.Errorf("LastRotatedAt = %v, want %v", st.LastRotatedAt, now)
	}

	p.Reset()
	c, _, _ = p.PeekCurrent()
	if c.ID != "c0" {
		t.Errorf("after Reset current = %s, want c0", c.ID)
	}
}

func TestSourceErrorPropagates(t *testing.T) {
	p, src := newPool(2)
	src.err = errors.New("db down")
	if _, _, err := p.PeekCurrent(); err == nil || !strings.Contains(err.Error(), "db down") {
		t.Errorf("err = %v", err)
	}
	if err := p.Tick(); err == nil {
		t.Error("Tick should fail when the source fails")
	}
}

func TestConcurrentPeekAndTick(t *testing.T) {
	p, src := newPool(4)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if j%10 == 0 {
					src.set(1 + (i+j)%5)
				}
				p.Tick()
				p.PeekCurrent()
			}
		}(i)
	}
	wg.Wait()
	st := p.Status()
	if st.Active > 0 && st.Cursor >= st.Active {
		t.Errorf("cursor %d out of range for %d", st.Cursor, st.Active)
	}
}

func TestSchedulerRunsJobs(t *testing.T) {
	s := NewScheduler(nil)
	if err := s.Every("bad", 0, func() error { return nil }); err == nil {
		t.Error("expected error for zero interval")
	}

	ran := make(chan struct{}, 1)
	if err := s.Every("tick", time.Second, func() error {
		select {
		case ran <- struct{}{}:
		default:
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case <-ran:
	case <-time.After(3 * time.Second):
		t.Fatal("job did not run")
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run returned %v", err)
	}
}

type recordingImporter struct {
	mu     sync.Mutex
	values [][]string
}

func (r *recordingImporter) ImportCredentials(values []string, _ string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values = append(r.values, values)
	return len(values), nil
}

func (r *recordingImporter) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.values)
}

func TestReadCookieFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cookies.txt")
	os.WriteFile(path, []byte("# pool\na\n\n b , c \n"), 0o600)

	got, err := ReadCookieFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(got, "|") != "a|b|c" {
		t.Errorf("got %q", got)
	}
}

func TestFileWatcherReimportsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cookies.txt")
	if err := os.WriteFile(path, []byte("first\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	imp := &recordingImporter{}
	w := NewFileWatcher(path, imp, nil)
	w.debounce = 10 * time.Millisecond

	if n, err := w.Load(); err != nil || n != 1 {
		t.Fatalf("Load = %d, %v", n, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Watch(ctx)
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(path, []byte("first\nsecond\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for imp.calls() < 2 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if imp.calls() < 2 {
		t.Fatal("watcher did not re-import after write")
	}
}
