package monitor

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.io/infrasutra/mailwatch/internal/config"
)

// Client is a connected, authenticated mailbox session with the inbox
// selected. Implementations are not safe for concurrent use; the monitor
// calls them from its poll goroutine only.
type Client interface {
	// FetchUnseen returns the identifiers of the currently unread messages.
	FetchUnseen() ([]string, error)
	// FetchMessage retrieves the full raw message for one identifier.
	FetchMessage(id string) ([]byte, error)
	Close() error
}

type imapClient struct {
	c *imapclient.Client
}

// dialIMAP connects, authenticates and selects INBOX in one step. Any
// failure along the way is a connect failure to the poll loop.
func dialIMAP(cfg config.EmailConfig) (Client, error) {
	addr := net.JoinHostPort(cfg.Server, strconv.Itoa(cfg.Port))

	var c *imapclient.Client
	var err error
	if cfg.SSL {
		c, err = imapclient.DialTLS(addr, &imapclient.Options{
			TLSConfig: &tls.Config{ServerName: cfg.Server},
		})
	} else {
		c, err = imapclient.DialInsecure(addr, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("imap connect %s: %w", addr, err)
	}

	if err := c.Login(cfg.Address, cfg.Password).Wait(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("imap login %s: %w", cfg.Address, err)
	}
	if _, err := c.Select("INBOX", nil).Wait(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("imap select INBOX: %w", err)
	}
	return &imapClient{c: c}, nil
}

func (ic *imapClient) FetchUnseen() ([]string, error) {
	criteria := &imap.SearchCriteria{
		NotFlag: []imap.Flag{imap.FlagSeen},
	}
	data, err := ic.c.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("imap search: %w", err)
	}

	uids := data.AllUIDs()
	ids := make([]string, 0, len(uids))
	for _, uid := range uids {
		ids = append(ids, strconv.FormatUint(uint64(uid), 10))
	}
	return ids, nil
}

func (ic *imapClient) FetchMessage(id string) ([]byte, error) {
	n, err := strconv.ParseUint(id, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid uid %q: %w", id, err)
	}

	bodySection := &imap.FetchItemBodySection{}
	msgs, err := ic.c.Fetch(imap.UIDSetNum(imap.UID(n)), &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{bodySection},
	}).Collect()
	if err != nil {
		return nil, fmt.Errorf("imap fetch %s: %w", id, err)
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("imap fetch %s: no data", id)
	}

	raw := msgs[0].FindBodySection(bodySection)
	if len(raw) == 0 {
		return nil, fmt.Errorf("imap fetch %s: empty body", id)
	}
	return raw, nil
}

func (ic *imapClient) Close() error {
	if err := ic.c.Logout().Wait(); err != nil {
		return ic.c.Close()
	}
	return nil
}

// isAborted reports whether the error looks like the connection was torn
// down underneath us rather than a protocol-level failure.
func isAborted(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "use of closed network connection")
}
