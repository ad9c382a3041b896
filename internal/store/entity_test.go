package store

import (
	"context"
	"testing"
	"time"

	"github.com/efreitasn/stockledger/internal/domain"
)

func newTestEntity(key string) *domain.Entity {
	now := time.Now()
	return &domain.Entity{
		Key:       key,
		Name:      "Monkey D. " + key,
		Crew:      "Straw Hat Pirates",
		Tradable:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestMemoryEntityStore_Create(t *testing.T) {
	s := NewMemoryEntityStore()
	ctx := context.Background()

	if err := s.Create(ctx, newTestEntity("LUFFY")); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if err := s.Create(ctx, newTestEntity("LUFFY")); err != domain.ErrEntityAlreadyExists {
		t.Fatalf("expected ErrEntityAlreadyExists, got %v", err)
	}
}

func TestMemoryEntityStore_Get(t *testing.T) {
	s := NewMemoryEntityStore()
	ctx := context.Background()
	_ = s.Create(ctx, newTestEntity("LUFFY"))

	got, err := s.Get(ctx, "LUFFY")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if got.Key != "LUFFY" || !got.Tradable {
		t.Fatalf("unexpected entity %+v", got)
	}

	if _, err := s.Get(ctx, "ZORO"); err != domain.ErrEntityNotFound {
		t.Fatalf("expected ErrEntityNotFound, got %v", err)
	}
}

func TestMemoryEntityStore_GetReturnsCopy(t *testing.T) {
	s := NewMemoryEntityStore()
	ctx := context.Background()
	_ = s.Create(ctx, newTestEntity("LUFFY"))

	got, _ := s.Get(ctx, "LUFFY")
	got.Tradable = false

	again, _ := s.Get(ctx, "LUFFY")
	if !again.Tradable {
		t.Fatal("mutating a returned entity must not change the store")
	}
}

func TestMemoryEntityStore_ListSorted(t *testing.T) {
	s := NewMemoryEntityStore()
	ctx := context.Background()
	for _, k := range []string{"ZORO", "LUFFY", "NAMI"} {
		_ = s.Create(ctx, newTestEntity(k))
	}

	list, err := s.List(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"LUFFY", "NAMI", "ZORO"}
	if len(list) != len(want) {
		t.Fatalf("expected %d entities, got %d", len(want), len(list))
	}
	for i, k := range want {
		if list[i].Key != k {
			t.Fatalf("list[%d] = %s, want %s", i, list[i].Key, k)
		}
	}
}

func TestMemoryEntityStore_Update(t *testing.T) {
	s := NewMemoryEntityStore()
	ctx := context.Background()
	_ = s.Create(ctx, newTestEntity("LUFFY"))

	e := newTestEntity("LUFFY")
	e.Tradable = false
	if err := s.Update(ctx, e); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, _ := s.Get(ctx, "LUFFY")
	if got.Tradable {
		t.Fatal("expected entity to be non-tradable after update")
	}

	if err := s.Update(ctx, newTestEntity("ZORO")); err != domain.ErrEntityNotFound {
		t.Fatalf("expected ErrEntityNotFound, got %v", err)
	}
}
