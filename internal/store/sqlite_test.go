package store_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.io/infrasutra/mailwatch/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := store.Open(context.Background(), "", logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := s.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveProcessedUIDIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveProcessedUID(ctx, "42"); err != nil {
		t.Fatalf("save uid: %v", err)
	}
	if err := s.SaveProcessedUID(ctx, "42"); err != nil {
		t.Fatalf("save uid again: %v", err)
	}

	uids, err := s.ProcessedUIDs(ctx)
	if err != nil {
		t.Fatalf("processed uids: %v", err)
	}
	if len(uids) != 1 {
		t.Fatalf("got %d uids, want 1", len(uids))
	}
	if _, ok := uids["42"]; !ok {
		t.Fatal("uid 42 missing from set")
	}
}

func TestProcessedUIDRetention(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping retention boundary test in short mode")
	}

	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 10001; i++ {
		if err := s.SaveProcessedUID(ctx, fmt.Sprintf("uid-%d", i)); err != nil {
			t.Fatalf("save uid %d: %v", i, err)
		}
	}

	uids, err := s.ProcessedUIDs(ctx)
	if err != nil {
		t.Fatalf("processed uids: %v", err)
	}
	if len(uids) != 10000 {
		t.Fatalf("got %d uids, want 10000", len(uids))
	}
	if _, ok := uids["uid-0"]; ok {
		t.Fatal("oldest uid should have been evicted")
	}
	if _, ok := uids["uid-1"]; !ok {
		t.Fatal("second-oldest uid should have been retained")
	}
	if _, ok := uids["uid-10000"]; !ok {
		t.Fatal("newest uid should have been retained")
	}
}

func TestEmailRetention(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping retention boundary test in short mode")
	}

	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 1001; i++ {
		email := store.Email{ID: fmt.Sprintf("em-%d", i), Subject: "s", Unread: true}
		if err := s.SaveEmail(ctx, email); err != nil {
			t.Fatalf("save email %d: %v", i, err)
		}
	}

	emails, err := s.AllEmails(ctx)
	if err != nil {
		t.Fatalf("all emails: %v", err)
	}
	if len(emails) != 1000 {
		t.Fatalf("got %d emails, want 1000", len(emails))
	}
	if emails[0].ID != "em-1" {
		t.Fatalf("oldest retained email is %s, want em-1", emails[0].ID)
	}
	if emails[len(emails)-1].ID != "em-1000" {
		t.Fatalf("newest email is %s, want em-1000", emails[len(emails)-1].ID)
	}
}

func TestSaveEmailStampsSavedAt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveEmail(ctx, store.Email{ID: "a", Unread: true}); err != nil {
		t.Fatalf("save email: %v", err)
	}
	emails, err := s.AllEmails(ctx)
	if err != nil {
		t.Fatalf("all emails: %v", err)
	}
	if len(emails) != 1 || emails[0].SavedAt == "" {
		t.Fatalf("saved email missing SavedAt stamp: %+v", emails)
	}
}

func TestRecentEmails(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := s.SaveEmail(ctx, store.Email{ID: fmt.Sprintf("em-%d", i)}); err != nil {
			t.Fatalf("save email: %v", err)
		}
	}

	recent, err := s.RecentEmails(ctx, 2)
	if err != nil {
		t.Fatalf("recent emails: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("got %d recent emails, want 2", len(recent))
	}
	if recent[0].ID != "em-3" || recent[1].ID != "em-4" {
		t.Fatalf("unexpected recent emails: %s, %s", recent[0].ID, recent[1].ID)
	}

	all, err := s.RecentEmails(ctx, 50)
	if err != nil {
		t.Fatalf("recent emails: %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("got %d emails, want all 5 when limit exceeds size", len(all))
	}
}

func TestMarkEmailRead(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveEmail(ctx, store.Email{ID: "a", Unread: true}); err != nil {
		t.Fatalf("save email: %v", err)
	}

	if err := s.MarkEmailRead(ctx, "a"); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	emails, _ := s.AllEmails(ctx)
	if emails[0].Unread {
		t.Fatal("email still unread after mark read")
	}

	if err := s.MarkEmailRead(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("mark read on unknown id: got %v, want ErrNotFound", err)
	}
}

func TestClearEmailsKeepsProcessedUIDs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveEmail(ctx, store.Email{ID: "a"}); err != nil {
		t.Fatalf("save email: %v", err)
	}
	if err := s.SaveProcessedUID(ctx, "a"); err != nil {
		t.Fatalf("save uid: %v", err)
	}

	if err := s.ClearEmails(ctx); err != nil {
		t.Fatalf("clear emails: %v", err)
	}

	emails, _ := s.AllEmails(ctx)
	if len(emails) != 0 {
		t.Fatalf("got %d emails after clear, want 0", len(emails))
	}
	uids, _ := s.ProcessedUIDs(ctx)
	if len(uids) != 1 {
		t.Fatalf("clearing emails must not touch processed uids, got %d", len(uids))
	}
}

func TestActivityLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	activity := store.Activity{ID: "act-1", Title: "standup", Description: "daily", ScheduledDate: "2025-01-01T00:00:00"}
	if err := s.SaveActivity(ctx, activity); err != nil {
		t.Fatalf("save activity: %v", err)
	}

	activities, err := s.Activities(ctx)
	if err != nil {
		t.Fatalf("activities: %v", err)
	}
	if len(activities) != 1 || activities[0].CreatedAt == "" {
		t.Fatalf("saved activity missing or unstamped: %+v", activities)
	}

	title := "retro"
	updated, err := s.UpdateActivity(ctx, "act-1", store.ActivityPatch{Title: &title})
	if err != nil {
		t.Fatalf("update activity: %v", err)
	}
	if updated.Title != "retro" {
		t.Fatalf("title not updated: %s", updated.Title)
	}
	if updated.Description != "daily" || updated.ScheduledDate != "2025-01-01T00:00:00" {
		t.Fatalf("update touched fields outside the patch: %+v", updated)
	}
	if updated.UpdatedAt == "" {
		t.Fatal("update did not stamp UpdatedAt")
	}

	if _, err := s.UpdateActivity(ctx, "missing", store.ActivityPatch{Title: &title}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("update unknown id: got %v, want ErrNotFound", err)
	}

	if err := s.DeleteActivity(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("delete unknown id: got %v, want ErrNotFound", err)
	}
	activities, _ = s.Activities(ctx)
	if len(activities) != 1 {
		t.Fatal("failed delete must leave the activity list unchanged")
	}

	if err := s.DeleteActivity(ctx, "act-1"); err != nil {
		t.Fatalf("delete activity: %v", err)
	}
	activities, _ = s.Activities(ctx)
	if len(activities) != 0 {
		t.Fatalf("got %d activities after delete, want 0", len(activities))
	}
}
