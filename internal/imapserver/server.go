// Package imapserver is a minimal IMAP test double. It speaks just enough
// of the protocol for the monitor's login/select/search/fetch cycle and is
// embedded when no real mailbox is configured.
package imapserver

import (
	"bufio"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
)

// Fixed test credentials accepted by LOGIN.
const (
	TestUsername = "test@alerts.local"
	TestPassword = "test123"
)

type fixtureMessage struct {
	From    string
	To      string
	Subject string
	Date    string
	Body    string
}

var fixtures = []fixtureMessage{
	{
		From:    "Jordan Reyes <jordan.reyes@example.com>",
		To:      TestUsername,
		Subject: "Quarterly review meeting",
		Date:    "Fri, 22 Nov 2025 10:30:00 -0500",
		Body:    "Hi team,\r\n\r\nWe have an important review meeting next Friday.\r\n\r\nRegards,\r\nJordan",
	},
	{
		From:    "System <noreply@alerts.example.com>",
		To:      TestUsername,
		Subject: "Daily system report",
		Date:    "Fri, 22 Nov 2025 08:00:00 -0500",
		Body:    "Automated report:\r\n- Users: 125\r\n- Messages: 487\r\n- Status: OK",
	},
	{
		From:    "Maria Gonzalez <maria@client.example.com>",
		To:      TestUsername,
		Subject: "Billing question",
		Date:    "Thu, 21 Nov 2025 16:45:00 -0500",
		Body:    "Good morning,\r\n\r\nI need some information about my invoice.\r\n\r\nThanks,\r\nMaria",
	},
}

// Server is the wire-level test double. One goroutine handles each
// accepted connection with its own authenticated/selected state.
type Server struct {
	addr   string
	logger *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   bool
}

func New(addr string, logger *slog.Logger) *Server {
	return &Server{
		addr:   addr,
		logger: logger,
		conns:  make(map[net.Conn]struct{}),
	}
}

// Start binds the listener and serves connections in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("imap test server listen: %w", err)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("imap test server listening", "addr", ln.Addr().String(),
		"username", TestUsername, "password", TestPassword)

	go s.acceptLoop(ln)
	return nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Close stops the listener and tears down every open connection.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	ln := s.listener
	for conn := range s.conns {
		conn.Close()
	}
	s.conns = make(map[net.Conn]struct{})
	s.mu.Unlock()

	if ln != nil {
		return ln.Close()
	}
	return nil
}

func (s *Server) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if !closed {
				s.logger.Error("imap test server accept", "error", err)
			}
			return
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		go s.handleConn(conn)
	}
}

func (s *Server) dropConn(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	conn.Close()
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.dropConn(conn)
	s.logger.Debug("imap test client connected", "addr", conn.RemoteAddr())

	authenticated := false
	selected := false

	w := bufio.NewWriter(conn)
	writeLine := func(line string) bool {
		if _, err := w.WriteString(line + "\r\n"); err != nil {
			return false
		}
		return w.Flush() == nil
	}

	if !writeLine("* OK IMAP4rev1 Test Server Ready") {
		return
	}

	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}

		fields := strings.Fields(strings.TrimRight(line, "\r\n"))
		if len(fields) < 2 {
			continue
		}
		tag := fields[0]
		command := strings.ToUpper(fields[1])
		args := fields[2:]

		// UID SEARCH and UID FETCH address messages by the same numbers as
		// the sequence set, so the UID prefix only changes the reply shape.
		uidMode := false
		if command == "UID" && len(args) > 0 {
			uidMode = true
			command = strings.ToUpper(args[0])
			args = args[1:]
		}

		switch command {
		case "CAPABILITY":
			writeLine("* CAPABILITY IMAP4rev1")
			writeLine(tag + " OK CAPABILITY completed")

		case "LOGIN":
			if len(args) < 2 {
				writeLine(tag + " BAD LOGIN requires a username and password")
				continue
			}
			username := strings.Trim(args[0], `"`)
			password := strings.Trim(args[1], `"`)
			if username == TestUsername && password == TestPassword {
				authenticated = true
				writeLine(tag + " OK LOGIN completed")
			} else {
				writeLine(tag + " NO Invalid credentials")
			}

		case "SELECT":
			if !authenticated {
				writeLine(tag + " NO Not authenticated")
				continue
			}
			selected = true
			writeLine(fmt.Sprintf("* %d EXISTS", len(fixtures)))
			writeLine(fmt.Sprintf("* %d RECENT", len(fixtures)))
			writeLine(tag + " OK SELECT completed")

		case "SEARCH":
			if !authenticated || !selected {
				writeLine(tag + " NO Not authenticated")
				continue
			}
			nums := make([]string, len(fixtures))
			for i := range fixtures {
				nums[i] = strconv.Itoa(i + 1)
			}
			writeLine("* SEARCH " + strings.Join(nums, " "))
			writeLine(tag + " OK SEARCH completed")

		case "FETCH":
			if !authenticated || !selected {
				writeLine(tag + " NO Not authenticated")
				continue
			}
			if len(args) < 1 {
				writeLine(tag + " BAD FETCH requires a sequence number")
				continue
			}
			n, err := strconv.Atoi(args[0])
			if err != nil || n < 1 || n > len(fixtures) {
				writeLine(tag + " BAD Invalid sequence number")
				continue
			}
			raw := buildMessage(fixtures[n-1])
			// Literal framing: the declared byte count must match the raw
			// message exactly.
			if uidMode {
				writeLine(fmt.Sprintf("* %d FETCH (UID %d BODY[] {%d}", n, n, len(raw)))
			} else {
				writeLine(fmt.Sprintf("* %d FETCH (RFC822 {%d}", n, len(raw)))
			}
			if _, err := w.WriteString(raw); err != nil {
				return
			}
			writeLine(")")
			writeLine(tag + " OK FETCH completed")

		case "LOGOUT":
			writeLine("* BYE Logging out")
			writeLine(tag + " OK LOGOUT completed")
			return

		default:
			writeLine(tag + " BAD Command not recognized")
		}
	}
}

// buildMessage renders a fixture as raw header+body text.
func buildMessage(m fixtureMessage) string {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", m.From)
	fmt.Fprintf(&b, "To: %s\r\n", m.To)
	fmt.Fprintf(&b, "Subject: %s\r\n", m.Subject)
	fmt.Fprintf(&b, "Date: %s\r\n", m.Date)
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(m.Body)
	return b.String()
}
