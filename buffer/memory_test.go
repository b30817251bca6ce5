package buffer

import (
	"context"
	"testing"
	"time"
)

func TestMemoryAppendRange(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	for _, v := range []string{"a", "b", "c"} {
		if err := m.Append(ctx, "list", v); err != nil {
			t.Fatalf("Append() error: %v", err)
		}
	}

	all, err := m.Range(ctx, "list", 0, -1)
	if err != nil {
		t.Fatalf("Range() error: %v", err)
	}
	if len(all) != 3 || all[0] != "a" || all[2] != "c" {
		t.Errorf("Range(0,-1) = %v", all)
	}

	tail, err := m.Range(ctx, "list", 1, -1)
	if err != nil {
		t.Fatalf("Range() error: %v", err)
	}
	if len(tail) != 2 || tail[0] != "b" {
		t.Errorf("Range(1,-1) = %v", tail)
	}

	if empty, _ := m.Range(ctx, "missing", 0, -1); len(empty) != 0 {
		t.Errorf("Range on missing list = %v", empty)
	}
	if out, _ := m.Range(ctx, "list", 5, -1); len(out) != 0 {
		t.Errorf("out-of-bounds Range = %v", out)
	}
}

func TestMemorySetGetTTL(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	if err := m.Set(ctx, "k", "v", time.Minute); err != nil {
		t.Fatalf("Set() error: %v", err)
	}
	value, ok, err := m.Get(ctx, "k")
	if err != nil || !ok || value != "v" {
		t.Fatalf("Get() = (%q, %t, %v)", value, ok, err)
	}

	m.Set(ctx, "expired", "v", -time.Second)
	if _, ok, _ := m.Get(ctx, "expired"); ok {
		t.Error("expired key still visible")
	}

	m.Delete(ctx, "k")
	if _, ok, _ := m.Get(ctx, "k"); ok {
		t.Error("deleted key still visible")
	}
}

func TestMemoryKeysGlob(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	m.Set(ctx, "active_run:inst-a:run-1", "running", 0)
	m.Set(ctx, "active_run:inst-b:run-1", "running", 0)
	m.Set(ctx, "active_run:inst-a:run-2", "running", 0)

	keys, err := m.Keys(ctx, "active_run:*:run-1")
	if err != nil {
		t.Fatalf("Keys() error: %v", err)
	}
	if len(keys) != 2 {
		t.Errorf("Keys(active_run:*:run-1) = %v, want 2", keys)
	}

	keys, _ = m.Keys(ctx, "active_run:inst-a:*")
	if len(keys) != 2 {
		t.Errorf("Keys(active_run:inst-a:*) = %v, want 2", keys)
	}
}

func TestMemoryPubSub(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	sub, err := m.Subscribe(ctx, "chan")
	if err != nil {
		t.Fatalf("Subscribe() error: %v", err)
	}

	m.Publish(ctx, "chan", "one")
	m.Publish(ctx, "other", "ignored")
	m.Publish(ctx, "chan", "two")

	got := []string{<-sub.Messages(), <-sub.Messages()}
	if got[0] != "one" || got[1] != "two" {
		t.Errorf("received %v, want [one two]", got)
	}

	sub.Close()
	if _, ok := <-sub.Messages(); ok {
		t.Error("messages channel should be closed after Close()")
	}
	// Closing twice is safe.
	sub.Close()

	// Publishing after close must not panic or block.
	m.Publish(ctx, "chan", "three")
}

func TestGlobMatch(t *testing.T) {
	tests := []struct {
		pattern, s string
		want       bool
	}{
		{"a*c", "abc", true},
		{"a*c", "ac", true},
		{"a*c", "abd", false},
		{"*", "anything", true},
		{"exact", "exact", true},
		{"exact", "other", false},
		{"a*b*c", "aXbYc", true},
		{"a*b*c", "aXc", false},
	}
	for _, tt := range tests {
		if got := globMatch(tt.pattern, tt.s); got != tt.want {
			t.Errorf("globMatch(%q, %q) = %t, want %t", tt.pattern, tt.s, got, tt.want)
		}
	}
}
