// Package monitor polls the configured mailbox for unread messages and
// hands each previously-unseen message to a delivery callback.
package monitor

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.io/infrasutra/mailwatch/internal/config"
	"github.io/infrasutra/mailwatch/internal/store"
)

// ErrNotConfigured is returned by Start when the mailbox credentials are
// incomplete.
var ErrNotConfigured = errors.New("email configuration is incomplete")

// Retry policy per error category. Connect failures back off longest,
// aborted connections are retried quickly.
const (
	connectBackoff = 30 * time.Second
	abortBackoff   = 5 * time.Second
	errorBackoff   = 10 * time.Second
	stopTimeout    = 5 * time.Second
)

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

// Settings is the configuration surface the monitor reads. *config.File
// satisfies it.
type Settings interface {
	EmailConfigured() bool
	Email() config.EmailConfig
	CheckInterval() time.Duration
}

// Monitor runs the poll loop on its own goroutine. The delivery callback is
// invoked once per new message, in arrival order; callback failures are
// logged and never abort the loop.
type Monitor struct {
	settings Settings
	dial     func(config.EmailConfig) (Client, error)
	onEmail  func(store.Email) error
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	done    chan struct{}

	connMu sync.Mutex
	client Client

	state atomic.Int32

	seenMu sync.Mutex
	seen   map[string]struct{}
}

func New(settings Settings, onEmail func(store.Email) error, logger *slog.Logger) *Monitor {
	return &Monitor{
		settings: settings,
		dial:     dialIMAP,
		onEmail:  onEmail,
		logger:   logger,
		seen:     make(map[string]struct{}),
	}
}

// Start launches the poll loop. Calling Start on a running monitor is a
// no-op, not an error.
func (m *Monitor) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		m.logger.Warn("monitor already running")
		return nil
	}
	if !m.settings.EmailConfigured() {
		return ErrNotConfigured
	}

	m.stopCh = make(chan struct{})
	m.done = make(chan struct{})
	m.running = true
	// The loop gets its own channels: a goroutine lagging past the Stop
	// timeout must not observe the channels of a later Start.
	go m.run(m.stopCh, m.done)

	m.logger.Info("email monitor started")
	return nil
}

// Stop signals the loop, waits a bounded time for it to exit and
// force-disconnects regardless of whether it acknowledged the signal.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	close(m.stopCh)
	done := m.done
	m.mu.Unlock()

	select {
	case <-done:
	case <-time.After(stopTimeout):
		m.logger.Warn("monitor loop did not stop in time")
	}
	m.disconnect()

	m.mu.Lock()
	m.running = false
	m.mu.Unlock()
	m.logger.Info("email monitor stopped")
}

func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Monitor) Connected() bool {
	return State(m.state.Load()) == StateConnected
}

// SetProcessedUIDs seeds the in-memory dedup state, typically from the
// persisted identifier set at startup.
func (m *Monitor) SetProcessedUIDs(uids map[string]struct{}) {
	m.seenMu.Lock()
	defer m.seenMu.Unlock()
	m.seen = make(map[string]struct{}, len(uids))
	for uid := range uids {
		m.seen[uid] = struct{}{}
	}
	m.logger.Info("processed uids loaded", "count", len(uids))
}

// ProcessedUIDs returns a copy of the in-memory dedup state.
func (m *Monitor) ProcessedUIDs() map[string]struct{} {
	m.seenMu.Lock()
	defer m.seenMu.Unlock()
	uids := make(map[string]struct{}, len(m.seen))
	for uid := range m.seen {
		uids[uid] = struct{}{}
	}
	return uids
}

func (m *Monitor) run(stopCh, done chan struct{}) {
	defer close(done)

	for {
		select {
		case <-stopCh:
			return
		default:
		}

		if m.currentClient() == nil {
			m.state.Store(int32(StateConnecting))
			client, err := m.dial(m.settings.Email())
			if err != nil {
				m.state.Store(int32(StateDisconnected))
				m.logger.Error("mailbox connect failed", "error", err)
				if !m.wait(connectBackoff, stopCh) {
					return
				}
				continue
			}
			m.setClient(client)
			m.state.Store(int32(StateConnected))
			m.logger.Info("connected to mailbox")
		}

		err := m.cycle()
		switch {
		case err == nil:
			if !m.wait(m.settings.CheckInterval(), stopCh) {
				return
			}
		case isAborted(err):
			m.logger.Warn("mailbox connection aborted", "error", err)
			m.disconnect()
			if !m.wait(abortBackoff, stopCh) {
				return
			}
		default:
			m.logger.Error("monitor cycle failed", "error", err)
			m.disconnect()
			if !m.wait(errorBackoff, stopCh) {
				return
			}
		}
	}
}

// cycle performs one fetch pass: list unread candidates, skip anything
// already seen, fetch+parse the rest and deliver each one.
func (m *Monitor) cycle() error {
	client := m.currentClient()
	if client == nil {
		return errors.New("not connected")
	}

	ids, err := client.FetchUnseen()
	if err != nil {
		return fmt.Errorf("search unseen: %w", err)
	}

	delivered := 0
	for _, id := range ids {
		if m.alreadySeen(id) {
			continue
		}

		raw, err := client.FetchMessage(id)
		if err != nil {
			if isAborted(err) {
				return err
			}
			m.logger.Error("fetch message", "uid", id, "error", err)
			continue
		}

		email, err := parseMessage(id, raw)
		if err != nil {
			m.logger.Warn("parse message", "uid", id, "error", err)
			continue
		}

		m.markSeen(id)
		m.deliver(email)
		delivered++
	}

	if delivered > 0 {
		m.logger.Info("new emails detected", "count", delivered)
	}
	return nil
}

func (m *Monitor) deliver(email store.Email) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("new email callback panicked", "panic", r)
		}
	}()
	if err := m.onEmail(email); err != nil {
		m.logger.Error("new email callback failed", "uid", email.ID, "error", err)
	}
}

// wait sleeps for d unless the stop signal arrives first. Reports whether
// the loop should keep running.
func (m *Monitor) wait(d time.Duration, stopCh <-chan struct{}) bool {
	select {
	case <-stopCh:
		return false
	case <-time.After(d):
		return true
	}
}

func (m *Monitor) alreadySeen(id string) bool {
	m.seenMu.Lock()
	defer m.seenMu.Unlock()
	_, ok := m.seen[id]
	return ok
}

func (m *Monitor) markSeen(id string) {
	m.seenMu.Lock()
	defer m.seenMu.Unlock()
	m.seen[id] = struct{}{}
}

func (m *Monitor) currentClient() Client {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	return m.client
}

func (m *Monitor) setClient(client Client) {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	m.client = client
}

func (m *Monitor) disconnect() {
	m.connMu.Lock()
	client := m.client
	m.client = nil
	m.connMu.Unlock()

	m.state.Store(int32(StateDisconnected))
	if client != nil {
		if err := client.Close(); err != nil {
			m.logger.Debug("mailbox disconnect", "error", err)
		}
	}
}
