package pebble

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/creatorchat/internal/storage"
)

func TestSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "state")

	c, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := c.Get(ctx, storage.KeyLastSelectedRoom); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Get on empty store: err = %v, want ErrNotFound", err)
	}
	if err := c.Set(ctx, storage.KeyLastSelectedRoom, "room-42"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	c, err = New(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer c.Close()
	got, err := c.Get(ctx, storage.KeyLastSelectedRoom)
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if got != "room-42" {
		t.Fatalf("Get = %q, want room-42", got)
	}
}
