package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.io/infrasutra/mailwatch/internal/config"
	"github.io/infrasutra/mailwatch/internal/hub"
	"github.io/infrasutra/mailwatch/internal/imapserver"
	"github.io/infrasutra/mailwatch/internal/monitor"
	"github.io/infrasutra/mailwatch/internal/schedule"
	"github.io/infrasutra/mailwatch/internal/store"
)

func main() {
	_ = godotenv.Load()
	env := config.LoadEnv()

	cfg, err := config.Load(env.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel()}))

	ctx := context.Background()
	db, err := store.Open(ctx, env.DBPath, logger)
	if err != nil {
		logger.Error("open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.EnsureSchema(ctx); err != nil {
		logger.Error("ensure schema", "error", err)
		os.Exit(1)
	}

	activities := schedule.NewManager(db, logger)
	notifier := hub.New(db, activities, cfg, logger)

	hubCtx, stopHub := context.WithCancel(context.Background())
	go notifier.Run(hubCtx)

	// Without complete mailbox credentials, fall back to the embedded test
	// server so the full pipeline still runs end to end.
	var settings monitor.Settings = cfg
	var testServer *imapserver.Server
	if !cfg.EmailConfigured() {
		testServer = imapserver.New("127.0.0.1:1143", logger)
		if err := testServer.Start(); err != nil {
			logger.Error("start imap test server", "error", err)
			os.Exit(1)
		}
		settings = testboxSettings{addr: testServer.Addr(), interval: cfg.CheckInterval()}
		logger.Warn("email not configured; using embedded imap test server", "addr", testServer.Addr())
	}

	mon := monitor.New(settings, func(email store.Email) error {
		if err := db.SaveEmail(ctx, email); err != nil {
			return fmt.Errorf("persist email: %w", err)
		}
		if err := db.SaveProcessedUID(ctx, email.ID); err != nil {
			logger.Error("persist processed uid", "uid", email.ID, "error", err)
		}
		notifier.BroadcastNewEmail(email)
		return nil
	}, logger)

	uids, err := db.ProcessedUIDs(ctx)
	if err != nil {
		logger.Error("restore processed uids", "error", err)
	} else {
		mon.SetProcessedUIDs(uids)
	}

	if err := mon.Start(); err != nil {
		logger.Error("start monitor", "error", err)
		os.Exit(1)
	}

	wsCfg := cfg.Snapshot().WebSocket
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", notifier.ServeWS)
	httpSrv := &http.Server{
		Addr:    net.JoinHostPort(wsCfg.Host, fmt.Sprintf("%d", wsCfg.Port)),
		Handler: mux,
	}

	go func() {
		logger.Info("websocket server listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("websocket server stopped", "error", err)
		}
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	<-shutdown

	// Shutdown order: poller first, then persist its dedup state, then close
	// subscribers and the listener.
	mon.Stop()
	for uid := range mon.ProcessedUIDs() {
		if err := db.SaveProcessedUID(ctx, uid); err != nil {
			logger.Error("persist processed uid on shutdown", "uid", uid, "error", err)
		}
	}

	stopHub()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown websocket server", "error", err)
	}
	if testServer != nil {
		if err := testServer.Close(); err != nil {
			logger.Error("shutdown imap test server", "error", err)
		}
	}
}

// testboxSettings points the monitor at the embedded test server with its
// fixed credentials.
type testboxSettings struct {
	addr     string
	interval time.Duration
}

func (t testboxSettings) EmailConfigured() bool { return true }

func (t testboxSettings) Email() config.EmailConfig {
	host, portStr, err := net.SplitHostPort(t.addr)
	port := 1143
	if err == nil {
		if p, perr := net.LookupPort("tcp", portStr); perr == nil {
			port = p
		}
	}
	return config.EmailConfig{
		Server:   host,
		Port:     port,
		Address:  imapserver.TestUsername,
		Password: imapserver.TestPassword,
		SSL:      false,
	}
}

func (t testboxSettings) CheckInterval() time.Duration { return t.interval }
