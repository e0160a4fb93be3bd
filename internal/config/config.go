package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

// Config is the persisted configuration document. It mirrors the JSON file
// on disk; the password fields never leave the process through Sanitize.
type Config struct {
	Master    MasterConfig    `json:"master_credentials"`
	Email     EmailConfig     `json:"email"`
	WebSocket WebSocketConfig `json:"websocket"`
	Logging   LoggingConfig   `json:"logging"`
	Monitor   MonitorConfig   `json:"monitor"`

	LastUpdated string `json:"last_updated,omitempty"`
}

type MasterConfig struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// EmailConfig holds the monitored mailbox endpoint and credentials.
type EmailConfig struct {
	Server   string `json:"server"`
	Port     int    `json:"port"`
	Address  string `json:"address"`
	Password string `json:"password"`
	SSL      bool   `json:"ssl"`
}

type WebSocketConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

type LoggingConfig struct {
	Level         string `json:"level"`
	MaxFileSizeMB int    `json:"max_file_size_mb"`
	BackupCount   int    `json:"backup_count"`
}

type MonitorConfig struct {
	CheckInterval int `json:"check_interval"`
	IdleTimeout   int `json:"idle_timeout"`
}

// File is a configuration document bound to its backing path. Reads return
// snapshots; Apply merges a partial update and writes the full document back.
type File struct {
	mu   sync.Mutex
	path string
	cfg  Config
}

// Load reads and validates the configuration file. A missing or unparseable
// file is the only fatal configuration condition in the system.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &File{path: path, cfg: cfg}, nil
}

func validate(cfg Config) error {
	if cfg.WebSocket.Host == "" {
		return fmt.Errorf("websocket.host is required")
	}
	if cfg.WebSocket.Port == 0 {
		return fmt.Errorf("websocket.port is required")
	}
	if cfg.Monitor.CheckInterval < 0 {
		return fmt.Errorf("monitor.check_interval must not be negative")
	}
	return nil
}

// Snapshot returns a copy of the current configuration.
func (f *File) Snapshot() Config {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cfg
}

// Email returns the current mailbox settings.
func (f *File) Email() EmailConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cfg.Email
}

// EmailConfigured reports whether the mailbox settings are complete enough
// for the monitor to attempt a connection.
func (f *File) EmailConfigured() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	e := f.cfg.Email
	return e.Server != "" && e.Address != "" && e.Password != ""
}

// CheckInterval returns the monitor poll interval, defaulting to 60s.
func (f *File) CheckInterval() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cfg.Monitor.CheckInterval <= 0 {
		return 60 * time.Second
	}
	return time.Duration(f.cfg.Monitor.CheckInterval) * time.Second
}

// LogLevel maps the configured logging level onto slog.
func (f *File) LogLevel() slog.Level {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch strings.ToLower(f.cfg.Logging.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// VerifyMaster checks a credential pair against the master credentials.
func (f *File) VerifyMaster(username, password string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return username == f.cfg.Master.Username && password == f.cfg.Master.Password
}

// Sanitized is the configuration view sent to subscribers. Passwords and
// master credentials are never included.
type Sanitized struct {
	Email struct {
		Server  string `json:"server"`
		Port    int    `json:"port"`
		Address string `json:"address"`
		SSL     bool   `json:"ssl"`
	} `json:"email"`
	WebSocket WebSocketConfig `json:"websocket"`
	Logging   struct {
		Level string `json:"level"`
	} `json:"logging"`
	Monitor MonitorConfig `json:"monitor"`
}

func (f *File) Sanitize() Sanitized {
	f.mu.Lock()
	defer f.mu.Unlock()

	var s Sanitized
	s.Email.Server = f.cfg.Email.Server
	s.Email.Port = f.cfg.Email.Port
	s.Email.Address = f.cfg.Email.Address
	s.Email.SSL = f.cfg.Email.SSL
	s.WebSocket = f.cfg.WebSocket
	s.Logging.Level = f.cfg.Logging.Level
	s.Monitor = f.cfg.Monitor
	return s
}

// Patch is a partial configuration update. Nil sections and nil fields are
// left untouched.
type Patch struct {
	Email   *EmailPatch   `json:"email,omitempty"`
	Monitor *MonitorPatch `json:"monitor,omitempty"`
	Logging *LoggingPatch `json:"logging,omitempty"`
}

type EmailPatch struct {
	Server   *string `json:"server,omitempty"`
	Port     *int    `json:"port,omitempty"`
	Address  *string `json:"address,omitempty"`
	Password *string `json:"password,omitempty"`
	SSL      *bool   `json:"ssl,omitempty"`
}

type MonitorPatch struct {
	CheckInterval *int `json:"check_interval,omitempty"`
	IdleTimeout   *int `json:"idle_timeout,omitempty"`
}

type LoggingPatch struct {
	Level         *string `json:"level,omitempty"`
	MaxFileSizeMB *int    `json:"max_file_size_mb,omitempty"`
	BackupCount   *int    `json:"backup_count,omitempty"`
}

// Apply merges the patch into the document and writes it back to disk.
// A patch producing a document that would fail validation at the next
// startup is rejected without touching the file.
func (f *File) Apply(p Patch) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	cfg := f.cfg
	if p.Email != nil {
		applyString(&cfg.Email.Server, p.Email.Server)
		applyInt(&cfg.Email.Port, p.Email.Port)
		applyString(&cfg.Email.Address, p.Email.Address)
		applyString(&cfg.Email.Password, p.Email.Password)
		if p.Email.SSL != nil {
			cfg.Email.SSL = *p.Email.SSL
		}
	}
	if p.Monitor != nil {
		applyInt(&cfg.Monitor.CheckInterval, p.Monitor.CheckInterval)
		applyInt(&cfg.Monitor.IdleTimeout, p.Monitor.IdleTimeout)
	}
	if p.Logging != nil {
		applyString(&cfg.Logging.Level, p.Logging.Level)
		applyInt(&cfg.Logging.MaxFileSizeMB, p.Logging.MaxFileSizeMB)
		applyInt(&cfg.Logging.BackupCount, p.Logging.BackupCount)
	}

	if err := validate(cfg); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}
	f.cfg = cfg
	return f.save()
}

func (f *File) save() error {
	f.cfg.LastUpdated = time.Now().Format(time.RFC3339)
	data, err := json.MarshalIndent(f.cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(f.path, data, 0o644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

func applyString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

func applyInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}
