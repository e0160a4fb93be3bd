package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a mutation names a record that does not exist.
var ErrNotFound = errors.New("not found")

const (
	maxEmails        = 1000
	maxProcessedUIDs = 10000

	mailboxDocName  = "mailbox"
	scheduleDocName = "schedule"
)

// Store persists the mailbox and schedule documents in sqlite. Each document
// is read-modify-written in full under its own mutex, so concurrent writers
// cannot lose updates.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	mailboxMu  sync.Mutex
	scheduleMu sync.Mutex
}

func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	trimmed := strings.TrimSpace(path)
	inMemory := false
	if trimmed == "" {
		trimmed = ":memory:"
		inMemory = true
	}
	if strings.Contains(trimmed, "mode=memory") || trimmed == ":memory:" || trimmed == "file::memory:" {
		inMemory = true
	}
	db, err := sql.Open("sqlite", trimmed)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if !inMemory {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
			return nil, fmt.Errorf("enable WAL: %w", err)
		}
	}
	return &Store{db: db, logger: logger}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	statement := `CREATE TABLE IF NOT EXISTS documents (
        name TEXT PRIMARY KEY,
        body TEXT NOT NULL,
        updated_at INTEGER NOT NULL
    );`
	if _, err := s.db.ExecContext(ctx, statement); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func readDoc[T any](ctx context.Context, s *Store, name string, out *T) error {
	var body string
	row := s.db.QueryRowContext(ctx, `SELECT body FROM documents WHERE name = ?;`, name)
	if err := row.Scan(&body); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return fmt.Errorf("read document %s: %w", name, err)
	}
	if err := json.Unmarshal([]byte(body), out); err != nil {
		return fmt.Errorf("decode document %s: %w", name, err)
	}
	return nil
}

func writeDoc(ctx context.Context, s *Store, name string, doc any) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode document %s: %w", name, err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO documents (name, body, updated_at)
        VALUES (?, ?, ?)
        ON CONFLICT(name) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at;`,
		name, string(body), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("write document %s: %w", name, err)
	}
	return nil
}

// SaveEmail appends the email, stamping SavedAt if absent, and drops the
// oldest entries beyond the retention limit.
func (s *Store) SaveEmail(ctx context.Context, email Email) error {
	s.mailboxMu.Lock()
	defer s.mailboxMu.Unlock()

	var doc mailboxDoc
	if err := readDoc(ctx, s, mailboxDocName, &doc); err != nil {
		s.logger.Error("save email", "error", err)
		return err
	}

	if email.SavedAt == "" {
		email.SavedAt = time.Now().Format(time.RFC3339)
	}
	doc.Emails = append(doc.Emails, email)
	if len(doc.Emails) > maxEmails {
		doc.Emails = doc.Emails[len(doc.Emails)-maxEmails:]
	}

	if err := writeDoc(ctx, s, mailboxDocName, doc); err != nil {
		s.logger.Error("save email", "error", err)
		return err
	}
	return nil
}

func (s *Store) AllEmails(ctx context.Context) ([]Email, error) {
	s.mailboxMu.Lock()
	defer s.mailboxMu.Unlock()

	var doc mailboxDoc
	if err := readDoc(ctx, s, mailboxDocName, &doc); err != nil {
		return nil, err
	}
	return doc.Emails, nil
}

// RecentEmails returns the most recent n emails, oldest first.
func (s *Store) RecentEmails(ctx context.Context, n int) ([]Email, error) {
	s.mailboxMu.Lock()
	defer s.mailboxMu.Unlock()

	var doc mailboxDoc
	if err := readDoc(ctx, s, mailboxDocName, &doc); err != nil {
		return nil, err
	}
	if n <= 0 || n >= len(doc.Emails) {
		return doc.Emails, nil
	}
	return doc.Emails[len(doc.Emails)-n:], nil
}

func (s *Store) ClearEmails(ctx context.Context) error {
	s.mailboxMu.Lock()
	defer s.mailboxMu.Unlock()

	var doc mailboxDoc
	if err := readDoc(ctx, s, mailboxDocName, &doc); err != nil {
		s.logger.Error("clear emails", "error", err)
		return err
	}
	doc.Emails = nil
	if err := writeDoc(ctx, s, mailboxDocName, doc); err != nil {
		s.logger.Error("clear emails", "error", err)
		return err
	}
	return nil
}

// MarkEmailRead flips the unread flag of the matching email. Returns
// ErrNotFound when no email has the given id.
func (s *Store) MarkEmailRead(ctx context.Context, id string) error {
	s.mailboxMu.Lock()
	defer s.mailboxMu.Unlock()

	var doc mailboxDoc
	if err := readDoc(ctx, s, mailboxDocName, &doc); err != nil {
		s.logger.Error("mark email read", "error", err)
		return err
	}

	found := false
	for i := range doc.Emails {
		if doc.Emails[i].ID == id {
			doc.Emails[i].Unread = false
			found = true
			break
		}
	}
	if !found {
		return ErrNotFound
	}

	if err := writeDoc(ctx, s, mailboxDocName, doc); err != nil {
		s.logger.Error("mark email read", "error", err)
		return err
	}
	return nil
}

// SaveProcessedUID records a delivered identifier. Idempotent; beyond the
// retention limit the oldest-inserted identifiers are dropped first.
func (s *Store) SaveProcessedUID(ctx context.Context, uid string) error {
	s.mailboxMu.Lock()
	defer s.mailboxMu.Unlock()

	var doc mailboxDoc
	if err := readDoc(ctx, s, mailboxDocName, &doc); err != nil {
		s.logger.Error("save processed uid", "error", err)
		return err
	}

	for _, existing := range doc.ProcessedUIDs {
		if existing == uid {
			return nil
		}
	}
	doc.ProcessedUIDs = append(doc.ProcessedUIDs, uid)
	if len(doc.ProcessedUIDs) > maxProcessedUIDs {
		doc.ProcessedUIDs = doc.ProcessedUIDs[len(doc.ProcessedUIDs)-maxProcessedUIDs:]
	}

	if err := writeDoc(ctx, s, mailboxDocName, doc); err != nil {
		s.logger.Error("save processed uid", "error", err)
		return err
	}
	return nil
}

func (s *Store) ProcessedUIDs(ctx context.Context) (map[string]struct{}, error) {
	s.mailboxMu.Lock()
	defer s.mailboxMu.Unlock()

	var doc mailboxDoc
	if err := readDoc(ctx, s, mailboxDocName, &doc); err != nil {
		return nil, err
	}
	uids := make(map[string]struct{}, len(doc.ProcessedUIDs))
	for _, uid := range doc.ProcessedUIDs {
		uids[uid] = struct{}{}
	}
	return uids, nil
}

func (s *Store) ClearProcessedUIDs(ctx context.Context) error {
	s.mailboxMu.Lock()
	defer s.mailboxMu.Unlock()

	var doc mailboxDoc
	if err := readDoc(ctx, s, mailboxDocName, &doc); err != nil {
		s.logger.Error("clear processed uids", "error", err)
		return err
	}
	doc.ProcessedUIDs = nil
	if err := writeDoc(ctx, s, mailboxDocName, doc); err != nil {
		s.logger.Error("clear processed uids", "error", err)
		return err
	}
	return nil
}

// SaveActivity appends the activity, stamping CreatedAt if absent.
func (s *Store) SaveActivity(ctx context.Context, activity Activity) error {
	s.scheduleMu.Lock()
	defer s.scheduleMu.Unlock()

	var doc scheduleDoc
	if err := readDoc(ctx, s, scheduleDocName, &doc); err != nil {
		s.logger.Error("save activity", "error", err)
		return err
	}

	if activity.CreatedAt == "" {
		activity.CreatedAt = time.Now().Format(time.RFC3339)
	}
	doc.Activities = append(doc.Activities, activity)

	if err := writeDoc(ctx, s, scheduleDocName, doc); err != nil {
		s.logger.Error("save activity", "error", err)
		return err
	}
	return nil
}

func (s *Store) Activities(ctx context.Context) ([]Activity, error) {
	s.scheduleMu.Lock()
	defer s.scheduleMu.Unlock()

	var doc scheduleDoc
	if err := readDoc(ctx, s, scheduleDocName, &doc); err != nil {
		return nil, err
	}
	return doc.Activities, nil
}

// UpdateActivity merges the patch into the matching record and stamps
// UpdatedAt. Returns ErrNotFound when no activity has the given id.
func (s *Store) UpdateActivity(ctx context.Context, id string, patch ActivityPatch) (Activity, error) {
	s.scheduleMu.Lock()
	defer s.scheduleMu.Unlock()

	var doc scheduleDoc
	if err := readDoc(ctx, s, scheduleDocName, &doc); err != nil {
		s.logger.Error("update activity", "error", err)
		return Activity{}, err
	}

	for i := range doc.Activities {
		if doc.Activities[i].ID != id {
			continue
		}
		if patch.Title != nil {
			doc.Activities[i].Title = *patch.Title
		}
		if patch.Description != nil {
			doc.Activities[i].Description = *patch.Description
		}
		if patch.ScheduledDate != nil {
			doc.Activities[i].ScheduledDate = *patch.ScheduledDate
		}
		doc.Activities[i].UpdatedAt = time.Now().Format(time.RFC3339)

		if err := writeDoc(ctx, s, scheduleDocName, doc); err != nil {
			s.logger.Error("update activity", "error", err)
			return Activity{}, err
		}
		return doc.Activities[i], nil
	}
	return Activity{}, ErrNotFound
}

// DeleteActivity removes the matching record. Returns ErrNotFound when no
// activity has the given id.
func (s *Store) DeleteActivity(ctx context.Context, id string) error {
	s.scheduleMu.Lock()
	defer s.scheduleMu.Unlock()

	var doc scheduleDoc
	if err := readDoc(ctx, s, scheduleDocName, &doc); err != nil {
		s.logger.Error("delete activity", "error", err)
		return err
	}

	kept := doc.Activities[:0]
	found := false
	for _, activity := range doc.Activities {
		if activity.ID == id {
			found = true
			continue
		}
		kept = append(kept, activity)
	}
	if !found {
		return ErrNotFound
	}
	doc.Activities = kept

	if err := writeDoc(ctx, s, scheduleDocName, doc); err != nil {
		s.logger.Error("delete activity", "error", err)
		return err
	}
	return nil
}

func (s *Store) ClearActivities(ctx context.Context) error {
	s.scheduleMu.Lock()
	defer s.scheduleMu.Unlock()

	var doc scheduleDoc
	if err := readDoc(ctx, s, scheduleDocName, &doc); err != nil {
		s.logger.Error("clear activities", "error", err)
		return err
	}
	doc.Activities = nil
	if err := writeDoc(ctx, s, scheduleDocName, doc); err != nil {
		s.logger.Error("clear activities", "error", err)
		return err
	}
	return nil
}
