// Package schedule manages the scheduled-activity records relayed through
// the notification hub.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.io/infrasutra/mailwatch/internal/store"
)

// Manager owns activity creation and validation on top of the store.
type Manager struct {
	store  *store.Store
	logger *slog.Logger
}

func NewManager(s *store.Store, logger *slog.Logger) *Manager {
	return &Manager{store: s, logger: logger}
}

// Add validates the scheduled date, assigns a fresh id and persists the
// activity. The created record is returned.
func (m *Manager) Add(ctx context.Context, title, description, scheduledDate string) (store.Activity, error) {
	if err := validateDate(scheduledDate); err != nil {
		return store.Activity{}, err
	}

	activity := store.Activity{
		ID:            uuid.NewString(),
		Title:         title,
		Description:   description,
		CreatedAt:     time.Now().Format(time.RFC3339),
		ScheduledDate: scheduledDate,
	}
	if err := m.store.SaveActivity(ctx, activity); err != nil {
		return store.Activity{}, fmt.Errorf("save activity: %w", err)
	}

	m.logger.Info("activity added", "title", title, "scheduled", scheduledDate)
	return activity, nil
}

// Update merges the patch into an existing activity. A patched scheduled
// date is validated before it is applied.
func (m *Manager) Update(ctx context.Context, id string, patch store.ActivityPatch) (store.Activity, error) {
	if patch.ScheduledDate != nil {
		if err := validateDate(*patch.ScheduledDate); err != nil {
			return store.Activity{}, err
		}
	}
	return m.store.UpdateActivity(ctx, id, patch)
}

func (m *Manager) Remove(ctx context.Context, id string) error {
	if err := m.store.DeleteActivity(ctx, id); err != nil {
		m.logger.Warn("activity not removed", "id", id, "error", err)
		return err
	}
	m.logger.Info("activity removed", "id", id)
	return nil
}

func (m *Manager) All(ctx context.Context) ([]store.Activity, error) {
	return m.store.Activities(ctx)
}

// validateDate accepts ISO-8601 timestamps with or without a zone offset.
func validateDate(value string) error {
	if _, err := time.Parse(time.RFC3339, value); err == nil {
		return nil
	}
	if _, err := time.Parse("2006-01-02T15:04:05", value); err == nil {
		return nil
	}
	return fmt.Errorf("invalid scheduled date %q: use ISO format", value)
}
