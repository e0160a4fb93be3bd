package monitor

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.io/infrasutra/mailwatch/internal/store"
)

func init() {
	message.CharsetReader = charset.Reader
}

const maxBodyChars = 5000

// parseMessage turns a raw message into the stored email representation.
// Header decode failures fall back to the raw header value; undecodable
// body bytes are replaced rather than failing the whole message.
func parseMessage(id string, raw []byte) (store.Email, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return store.Email{}, fmt.Errorf("parse message: %w", err)
	}
	if mr == nil {
		return store.Email{}, fmt.Errorf("parse message: %w", err)
	}

	email := store.Email{
		ID:        id,
		Subject:   headerText(&mr.Header, "Subject"),
		From:      headerText(&mr.Header, "From"),
		To:        headerText(&mr.Header, "To"),
		Date:      mr.Header.Get("Date"),
		Body:      extractBody(mr),
		Timestamp: time.Now().Format(time.RFC3339),
		Unread:    true,
	}
	return email, nil
}

// headerText returns the decoded header value, falling back to the raw
// string when encoded-word decoding fails.
func headerText(h *mail.Header, key string) string {
	value, err := h.Text(key)
	if err != nil {
		return h.Get(key)
	}
	return value
}

// extractBody picks the first inline text/plain part, decodes it and
// truncates it to the retention limit.
func extractBody(mr *mail.Reader) string {
	body := ""
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil && !message.IsUnknownCharset(err) {
			break
		}
		if part == nil {
			break
		}

		header, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		mediaType, _, _ := header.ContentType()
		if mediaType != "" && mediaType != "text/plain" {
			continue
		}

		payload, err := io.ReadAll(part.Body)
		if err != nil {
			continue
		}
		body = string(payload)
		break
	}

	body = strings.ToValidUTF8(body, "�")
	if runes := []rune(body); len(runes) > maxBodyChars {
		body = string(runes[:maxBodyChars]) + "..."
	}
	return strings.TrimSpace(body)
}
