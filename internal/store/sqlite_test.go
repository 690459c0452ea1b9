// ABOUTME: Tests for the SQLite notification store
// ABOUTME: Covers creation, read marking, unread counts and ownership checks

package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "subdir", "nested", "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created in nested directory")
	}
}

func TestNewSQLiteStore_Memory(t *testing.T) {
	store, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	if err := store.CreateNotification(ctx, &Notification{UserID: "u1"}); err != nil {
		t.Fatalf("CreateNotification failed: %v", err)
	}
	count, err := store.UnreadCount(ctx, "u1")
	if err != nil {
		t.Fatalf("UnreadCount failed: %v", err)
	}
	if count != 1 {
		t.Errorf("UnreadCount = %d, want 1", count)
	}
}

func TestCreateNotification_AssignsID(t *testing.T) {
	store := newTestStore(t)
	n := &Notification{UserID: "u1", Kind: "grade", Title: "Grade posted"}

	if err := store.CreateNotification(context.Background(), n); err != nil {
		t.Fatalf("CreateNotification failed: %v", err)
	}
	if n.ID == "" {
		t.Error("expected generated ID")
	}
	if n.CreatedAt.IsZero() {
		t.Error("expected CreatedAt to be set")
	}
}

func TestCreateNotification_Duplicate(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	n := &Notification{ID: "n1", UserID: "u1"}
	if err := store.CreateNotification(ctx, n); err != nil {
		t.Fatalf("CreateNotification failed: %v", err)
	}
	err := store.CreateNotification(ctx, &Notification{ID: "n1", UserID: "u1"})
	if !errors.Is(err, ErrDuplicateNotification) {
		t.Errorf("expected ErrDuplicateNotification, got %v", err)
	}
}

func TestCreateNotification_RequiresUser(t *testing.T) {
	store := newTestStore(t)
	if err := store.CreateNotification(context.Background(), &Notification{}); err == nil {
		t.Error("expected error for missing user id")
	}
}

func TestMarkAsRead(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"n1", "n2", "n3"} {
		if err := store.CreateNotification(ctx, &Notification{ID: id, UserID: "u1"}); err != nil {
			t.Fatalf("CreateNotification(%s) failed: %v", id, err)
		}
	}
	if err := store.CreateNotification(ctx, &Notification{ID: "other", UserID: "u2"}); err != nil {
		t.Fatalf("CreateNotification failed: %v", err)
	}

	if err := store.MarkAsRead(ctx, "u1", "n2"); err != nil {
		t.Fatalf("MarkAsRead failed: %v", err)
	}
	// already read is not an error
	if err := store.MarkAsRead(ctx, "u1", "n2"); err != nil {
		t.Errorf("second MarkAsRead failed: %v", err)
	}

	count, err := store.UnreadCount(ctx, "u1")
	if err != nil {
		t.Fatalf("UnreadCount failed: %v", err)
	}
	if count != 2 {
		t.Errorf("UnreadCount = %d, want 2", count)
	}

	if err := store.MarkAsRead(ctx, "u1", "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown id, got %v", err)
	}
	if err := store.MarkAsRead(ctx, "u1", "other"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for another user's notification, got %v", err)
	}

	count, _ = store.UnreadCount(ctx, "u2")
	if count != 1 {
		t.Errorf("other user's count changed: %d", count)
	}
}

func TestUnreadCount_UnknownUser(t *testing.T) {
	store := newTestStore(t)
	count, err := store.UnreadCount(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("UnreadCount failed: %v", err)
	}
	if count != 0 {
		t.Errorf("UnreadCount = %d, want 0", count)
	}
}
