package hub_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.io/infrasutra/mailwatch/internal/config"
	"github.io/infrasutra/mailwatch/internal/hub"
	"github.io/infrasutra/mailwatch/internal/schedule"
	"github.io/infrasutra/mailwatch/internal/store"
)

const testConfigDoc = `{
  "master_credentials": {"username": "admin", "password": "admin-secret"},
  "email": {"server": "imap.example.com", "port": 993, "address": "inbox@example.com", "password": "mail-secret", "ssl": true},
  "websocket": {"host": "127.0.0.1", "port": 8765},
  "logging": {"level": "info", "max_file_size_mb": 10, "backup_count": 3},
  "monitor": {"check_interval": 60, "idle_timeout": 300}
}`

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type testEnv struct {
	hub   *hub.Hub
	store *store.Store
	cfg   *config.File
	wsURL string
}

func newTestEnv(t *testing.T) *testEnv {
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

	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(testConfigDoc), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	h := hub.New(s, schedule.NewManager(s, logger), cfg, logger)
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})

	return &testEnv{
		hub:   h,
		store: s,
		cfg:   cfg,
		wsURL: "ws" + strings.TrimPrefix(srv.URL, "http"),
	}
}

// subscribe dials the push channel and consumes the welcome message.
func (e *testEnv) subscribe(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(e.wsURL, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	welcome := readEnvelope(t, conn)
	if welcome.Type != hub.TypeConnected {
		t.Fatalf("welcome type = %s, want %s", welcome.Type, hub.TypeConnected)
	}
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) envelope {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read message: %v", err)
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	return env
}

func send(t *testing.T, conn *websocket.Conn, msgType string, data any) {
	t.Helper()
	payload, err := json.Marshal(map[string]any{"type": msgType, "data": data})
	if err != nil {
		t.Fatalf("encode command: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		t.Fatalf("write command: %v", err)
	}
}

func waitForSubscribers(t *testing.T, h *hub.Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.Subscribers() != want {
		if time.Now().After(deadline) {
			t.Fatalf("subscriber count = %d, want %d", h.Subscribers(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWelcomeIncludesSubscriberCount(t *testing.T) {
	env := newTestEnv(t)

	conn, _, err := websocket.DefaultDialer.Dial(env.wsURL, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	defer conn.Close()

	welcome := readEnvelope(t, conn)
	if welcome.Type != hub.TypeConnected {
		t.Fatalf("welcome type = %s", welcome.Type)
	}
	var data struct {
		ClientsConnected int `json:"clients_connected"`
	}
	if err := json.Unmarshal(welcome.Data, &data); err != nil {
		t.Fatalf("decode welcome data: %v", err)
	}
	if data.ClientsConnected != 1 {
		t.Fatalf("clients_connected = %d, want 1", data.ClientsConnected)
	}
}

func TestPingPong(t *testing.T) {
	env := newTestEnv(t)
	conn := env.subscribe(t)

	send(t, conn, "ping", nil)
	if reply := readEnvelope(t, conn); reply.Type != hub.TypePong {
		t.Fatalf("reply type = %s, want %s", reply.Type, hub.TypePong)
	}
}

func TestStatusResponse(t *testing.T) {
	env := newTestEnv(t)
	conn := env.subscribe(t)

	send(t, conn, "status", nil)
	reply := readEnvelope(t, conn)
	if reply.Type != hub.TypeStatusResponse {
		t.Fatalf("reply type = %s", reply.Type)
	}
	var data struct {
		ClientsConnected int  `json:"clients_connected"`
		ServerRunning    bool `json:"server_running"`
	}
	if err := json.Unmarshal(reply.Data, &data); err != nil {
		t.Fatalf("decode status data: %v", err)
	}
	if data.ClientsConnected != 1 || !data.ServerRunning {
		t.Fatalf("status = %+v", data)
	}
}

func TestUnknownCommandGetsTypedError(t *testing.T) {
	env := newTestEnv(t)
	conn := env.subscribe(t)

	send(t, conn, "frobnicate", nil)
	reply := readEnvelope(t, conn)
	if reply.Type != hub.TypeError {
		t.Fatalf("reply type = %s, want error", reply.Type)
	}
	if !strings.Contains(string(reply.Data), "frobnicate") {
		t.Fatalf("error must name the unknown type: %s", reply.Data)
	}
}

func TestMalformedInputIsIgnored(t *testing.T) {
	env := newTestEnv(t)
	conn := env.subscribe(t)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}

	// The connection must stay open and keep answering.
	send(t, conn, "ping", nil)
	if reply := readEnvelope(t, conn); reply.Type != hub.TypePong {
		t.Fatalf("connection broken after malformed input: got %s", reply.Type)
	}
}

func TestBroadcastFanOut(t *testing.T) {
	env := newTestEnv(t)
	conns := []*websocket.Conn{env.subscribe(t), env.subscribe(t), env.subscribe(t)}
	waitForSubscribers(t, env.hub, 3)

	n := env.hub.Broadcast(hub.Envelope{Type: "test_event"})
	if n != 3 {
		t.Fatalf("broadcast delivered to %d subscribers, want 3", n)
	}
	for i, conn := range conns {
		if got := readEnvelope(t, conn); got.Type != "test_event" {
			t.Fatalf("subscriber %d got %s, want test_event", i, got.Type)
		}
	}
}

func TestBroadcastEvictsDeadSubscriber(t *testing.T) {
	env := newTestEnv(t)
	env.subscribe(t)
	env.subscribe(t)
	dead := env.subscribe(t)
	waitForSubscribers(t, env.hub, 3)

	dead.Close()
	waitForSubscribers(t, env.hub, 2)

	if n := env.hub.Broadcast(hub.Envelope{Type: "test_event"}); n != 2 {
		t.Fatalf("broadcast delivered to %d subscribers, want 2", n)
	}
}

func TestGetEmails(t *testing.T) {
	env := newTestEnv(t)
	if err := env.store.SaveEmail(context.Background(), store.Email{ID: "em1", Subject: "hello", Unread: true}); err != nil {
		t.Fatalf("save email: %v", err)
	}
	conn := env.subscribe(t)

	send(t, conn, "get_emails", nil)
	reply := readEnvelope(t, conn)
	if reply.Type != hub.TypeEmailList {
		t.Fatalf("reply type = %s", reply.Type)
	}
	var data struct {
		Emails []store.Email `json:"emails"`
	}
	if err := json.Unmarshal(reply.Data, &data); err != nil {
		t.Fatalf("decode email list: %v", err)
	}
	if len(data.Emails) != 1 || data.Emails[0].ID != "em1" {
		t.Fatalf("email list = %+v", data.Emails)
	}
}

func TestMarkRead(t *testing.T) {
	env := newTestEnv(t)
	if err := env.store.SaveEmail(context.Background(), store.Email{ID: "em1", Unread: true}); err != nil {
		t.Fatalf("save email: %v", err)
	}
	conn := env.subscribe(t)

	send(t, conn, "mark_read", map[string]string{"email_id": "em1"})
	if reply := readEnvelope(t, conn); reply.Type != hub.TypeEmailMarkedRead {
		t.Fatalf("reply type = %s", reply.Type)
	}
	emails, _ := env.store.AllEmails(context.Background())
	if emails[0].Unread {
		t.Fatal("email still unread")
	}

	send(t, conn, "mark_read", map[string]string{"email_id": "nope"})
	reply := readEnvelope(t, conn)
	if reply.Type != hub.TypeError || !strings.Contains(string(reply.Data), "not found") {
		t.Fatalf("unknown id reply = %s %s", reply.Type, reply.Data)
	}
}

func TestAddActivityAcksAndBroadcasts(t *testing.T) {
	env := newTestEnv(t)
	requester := env.subscribe(t)
	observer := env.subscribe(t)
	waitForSubscribers(t, env.hub, 2)

	send(t, requester, "add_activity", map[string]string{
		"title":          "standup",
		"description":    "daily sync",
		"scheduled_date": "2025-01-01T00:00:00",
	})

	ack := readEnvelope(t, requester)
	if ack.Type != hub.TypeActivityAdded {
		t.Fatalf("ack type = %s", ack.Type)
	}
	var activity store.Activity
	if err := json.Unmarshal(ack.Data, &activity); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if activity.ID == "" || activity.Title != "standup" {
		t.Fatalf("ack activity = %+v", activity)
	}

	// The requester also receives the broadcast copy after the direct ack.
	if bc := readEnvelope(t, requester); bc.Type != hub.TypeActivityAdded {
		t.Fatalf("requester broadcast type = %s", bc.Type)
	}
	if bc := readEnvelope(t, observer); bc.Type != hub.TypeActivityAdded {
		t.Fatalf("observer broadcast type = %s", bc.Type)
	}
}

func TestDeleteActivityBroadcasts(t *testing.T) {
	env := newTestEnv(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	manager := schedule.NewManager(env.store, logger)
	activity, err := manager.Add(context.Background(), "t", "d", "2025-01-01T00:00:00")
	if err != nil {
		t.Fatalf("add activity: %v", err)
	}

	requester := env.subscribe(t)
	observer := env.subscribe(t)
	waitForSubscribers(t, env.hub, 2)

	send(t, requester, "delete_activity", map[string]string{"activity_id": activity.ID})
	if ack := readEnvelope(t, requester); ack.Type != hub.TypeActivityDeleted {
		t.Fatalf("ack type = %s", ack.Type)
	}
	if bc := readEnvelope(t, observer); bc.Type != hub.TypeActivityDeleted {
		t.Fatalf("observer broadcast type = %s", bc.Type)
	}

	send(t, requester, "delete_activity", map[string]string{"activity_id": activity.ID})
	// Ack was already consumed above; next message on the requester is its
	// own broadcast copy, then the error for the repeated delete.
	if bc := readEnvelope(t, requester); bc.Type != hub.TypeActivityDeleted {
		t.Fatalf("requester broadcast type = %s", bc.Type)
	}
	if reply := readEnvelope(t, requester); reply.Type != hub.TypeError {
		t.Fatalf("repeat delete reply = %s", reply.Type)
	}
}

func TestGetConfigIsSanitized(t *testing.T) {
	env := newTestEnv(t)
	conn := env.subscribe(t)

	send(t, conn, "get_config", nil)
	reply := readEnvelope(t, conn)
	if reply.Type != hub.TypeConfigData {
		t.Fatalf("reply type = %s", reply.Type)
	}
	payload := string(reply.Data)
	if strings.Contains(payload, "mail-secret") || strings.Contains(payload, "admin-secret") {
		t.Fatalf("sanitized config leaked a secret: %s", payload)
	}
	if !strings.Contains(payload, "imap.example.com") {
		t.Fatalf("sanitized config missing server: %s", payload)
	}
}

func TestUpdateConfigAppliesAndPersists(t *testing.T) {
	env := newTestEnv(t)
	conn := env.subscribe(t)

	send(t, conn, "update_config", map[string]any{
		"monitor": map[string]any{"check_interval": 120},
		"logging": map[string]any{"level": "debug"},
	})
	if reply := readEnvelope(t, conn); reply.Type != hub.TypeConfigUpdated {
		t.Fatalf("reply type = %s", reply.Type)
	}

	snap := env.cfg.Snapshot()
	if snap.Monitor.CheckInterval != 120 {
		t.Fatalf("check_interval = %d, want 120", snap.Monitor.CheckInterval)
	}
	if snap.Logging.Level != "debug" {
		t.Fatalf("log level = %s, want debug", snap.Logging.Level)
	}
	// Untouched sections keep their values.
	if snap.Email.Server != "imap.example.com" {
		t.Fatalf("email server changed: %s", snap.Email.Server)
	}
	if snap.LastUpdated == "" {
		t.Fatal("persisted config missing last_updated stamp")
	}
}

func TestUpdateConfigRejectsInvalidValues(t *testing.T) {
	env := newTestEnv(t)
	conn := env.subscribe(t)
	before := env.cfg.Snapshot()

	send(t, conn, "update_config", map[string]any{
		"monitor": map[string]any{"check_interval": -5},
	})
	if reply := readEnvelope(t, conn); reply.Type != hub.TypeError {
		t.Fatalf("reply type = %s, want error", reply.Type)
	}
	if after := env.cfg.Snapshot(); after != before {
		t.Fatalf("rejected update changed config:\nbefore %+v\nafter  %+v", before, after)
	}
}

func TestNewEmailBroadcastOrder(t *testing.T) {
	env := newTestEnv(t)
	conn := env.subscribe(t)
	waitForSubscribers(t, env.hub, 1)

	env.hub.BroadcastNewEmail(store.Email{ID: "X", Subject: "first"})
	env.hub.BroadcastNewEmail(store.Email{ID: "Y", Subject: "second"})

	first := readEnvelope(t, conn)
	second := readEnvelope(t, conn)
	if first.Type != hub.TypeNewEmail || second.Type != hub.TypeNewEmail {
		t.Fatalf("types = %s, %s", first.Type, second.Type)
	}
	var a, b store.Email
	if err := json.Unmarshal(first.Data, &a); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if err := json.Unmarshal(second.Data, &b); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if a.ID != "X" || b.ID != "Y" {
		t.Fatalf("broadcast order %s, %s; want X, Y", a.ID, b.ID)
	}
}
