package store

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
)

type doc struct {
	Value string `json:"value"`
}

func TestMemoryReadWrite(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	var out doc
	found, err := m.ReadAt(ctx, "a/b", &out)
	if err != nil || found {
		t.Fatalf("ReadAt on empty store = (%v, %v), want (false, nil)", found, err)
	}

	if err := m.Write(ctx, "a/b", doc{Value: "one"}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	found, err = m.ReadAt(ctx, "a/b", &out)
	if err != nil || !found || out.Value != "one" {
		t.Fatalf("ReadAt = (%v, %v, %+v)", found, err, out)
	}

	if err := m.Delete(ctx, "a/b"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if found, _ = m.ReadAt(ctx, "a/b", &out); found {
		t.Fatal("document survived delete")
	}
}

func TestMemoryWriteIfAbsent(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	written, err := m.WriteIfAbsent(ctx, "p", doc{Value: "first"})
	if err != nil || !written {
		t.Fatalf("first WriteIfAbsent = (%v, %v)", written, err)
	}
	written, err = m.WriteIfAbsent(ctx, "p", doc{Value: "second"})
	if err != nil || written {
		t.Fatalf("second WriteIfAbsent = (%v, %v), want (false, nil)", written, err)
	}

	var out doc
	if _, err := m.ReadAt(ctx, "p", &out); err != nil {
		t.Fatal(err)
	}
	if out.Value != "first" {
		t.Fatalf("loser overwrote the document: %q", out.Value)
	}
}

func TestMemoryWriteIfAbsentConcurrent(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	const n = 64
	var wins int64
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			written, err := m.WriteIfAbsent(ctx, "contested", doc{Value: "w"})
			if err != nil {
				t.Errorf("WriteIfAbsent: %v", err)
				return
			}
			if written {
				atomic.AddInt64(&wins, 1)
			}
		}(i)
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("%d writers won, want exactly 1", wins)
	}
}

func TestMemoryList(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	for _, p := range []string{"s/a/1", "s/a/2", "s/b/1", "t/a/1"} {
		if err := m.Write(ctx, p, doc{Value: p}); err != nil {
			t.Fatal(err)
		}
	}

	paths, err := m.List(ctx, "s/a/")
	if err != nil {
		t.Fatal(err)
	}
	if len(paths) != 2 {
		t.Fatalf("List(s/a/) = %v, want 2 paths", paths)
	}
}

func TestMemorySubscribe(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	var got [][]byte
	cancel, err := m.Subscribe(ctx, "watched", func(data []byte) {
		got = append(got, data)
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := m.Write(ctx, "watched", doc{Value: "v1"}); err != nil {
		t.Fatal(err)
	}
	if err := m.Write(ctx, "other", doc{Value: "x"}); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("listener fired %d times, want 1", len(got))
	}

	cancel()
	if err := m.Write(ctx, "watched", doc{Value: "v2"}); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatal("listener fired after cancel")
	}
}
