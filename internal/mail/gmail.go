// Package mail reads recent messages from one or more Gmail mailboxes.
package mail

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/rendis/maildigest/internal/gcreds"
	"github.com/rendis/maildigest/pkg/schema"
)

const userID = "me"

// Mailbox is a labelled Gmail service.
type Mailbox struct {
	Label   string
	Query   string
	Service *gmail.Service
}

// Gmail fetches from every configured mailbox and merges the results.
type Gmail struct {
	boxes  []Mailbox
	logger *slog.Logger
	now    func() time.Time
}

// NewGmail builds a Gmail source from already constructed mailboxes.
func NewGmail(boxes []Mailbox, logger *slog.Logger) *Gmail {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gmail{boxes: boxes, logger: logger, now: time.Now}
}

// Open authorizes every account and returns a ready Gmail source.
func Open(ctx context.Context, clientID, clientSecret string, accounts []Account, logger *slog.Logger, opts ...option.ClientOption) (*Gmail, error) {
	boxes := make([]Mailbox, 0, len(accounts))
	for _, a := range accounts {
		ts, err := gcreds.TokenSource(ctx, gcreds.Credentials{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			TokenFile:    a.TokenFile,
			TokenBase64:  a.TokenBase64,
			Scopes:       []string{gcreds.ScopeGmailReadonly},
		})
		if err != nil {
			return nil, fmt.Errorf("account %s: %w", a.Label, err)
		}
		svc, err := gmail.NewService(ctx, append([]option.ClientOption{option.WithTokenSource(ts)}, opts...)...)
		if err != nil {
			return nil, fmt.Errorf("account %s: gmail client: %w", a.Label, err)
		}
		boxes = append(boxes, Mailbox{Label: a.Label, Query: a.Query, Service: svc})
	}
	return NewGmail(boxes, logger), nil
}

// Fetch returns at most maxItems messages received within timeRange. With
// several mailboxes each contributes up to maxItems/len+1 before truncation.
func (g *Gmail) Fetch(ctx context.Context, timeRange string, maxItems int) ([]schema.Message, error) {
	since, err := Since(g.now(), timeRange)
	if err != nil {
		return nil, err
	}
	if len(g.boxes) == 0 {
		return []schema.Message{}, nil
	}
	per := maxItems
	if len(g.boxes) > 1 {
		per = maxItems/len(g.boxes) + 1
	}

	out := []schema.Message{}
	for _, box := range g.boxes {
		msgs, err := g.fetchBox(ctx, box, since, per)
		if err != nil {
			return nil, err
		}
		out = append(out, msgs...)
	}
	if len(out) > maxItems {
		out = out[:maxItems]
	}
	return out, nil
}

func (g *Gmail) fetchBox(ctx context.Context, box Mailbox, since time.Time, limit int) ([]schema.Message, error) {
	q := fmt.Sprintf("after:%d", since.Unix())
	if box.Query != "" {
		q += " " + box.Query
	}
	list, err := box.Service.Users.Messages.List(userID).Q(q).MaxResults(int64(limit)).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("list messages for %s: %w", box.Label, err)
	}

	out := make([]schema.Message, 0, len(list.Messages))
	for _, ref := range list.Messages {
		full, err := box.Service.Users.Messages.Get(userID, ref.Id).Format("full").Context(ctx).Do()
		if err != nil {
			g.logger.WarnContext(ctx, "skipping message", "account", box.Label, "message_id", ref.Id, "error", err)
			continue
		}
		m := normalize(full)
		m.Account = box.Label
		out = append(out, m)
	}
	g.logger.DebugContext(ctx, "mailbox fetched", "account", box.Label, "query", q, "count", len(out))
	return out, nil
}

func normalize(msg *gmail.Message) schema.Message {
	m := schema.Message{
		ID:       msg.Id,
		ThreadID: msg.ThreadId,
		Snippet:  msg.Snippet,
		Labels:   msg.LabelIds,
	}
	if msg.Payload == nil {
		return m
	}
	m.Subject = header(msg.Payload.Headers, "Subject")
	m.From = header(msg.Payload.Headers, "From")
	m.To = header(msg.Payload.Headers, "To")
	m.Date = header(msg.Payload.Headers, "Date")
	m.Body = strings.TrimSpace(body(msg.Payload))
	return m
}

func header(hs []*gmail.MessagePartHeader, name string) string {
	for _, h := range hs {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// body prefers text/plain parts and falls back to text/html, walking nested
// multiparts depth first.
func body(p *gmail.MessagePart) string {
	if len(p.Parts) == 0 {
		return decode(p.Body)
	}
	var b strings.Builder
	for _, part := range p.Parts {
		switch {
		case part.MimeType == "text/plain":
			b.WriteString(decode(part.Body))
		case part.MimeType == "text/html" && b.Len() == 0:
			b.WriteString(decode(part.Body))
		case len(part.Parts) > 0:
			b.WriteString(body(part))
		}
	}
	return b.String()
}

func decode(b *gmail.MessagePartBody) string {
	if b == nil || b.Data == "" {
		return ""
	}
	data := strings.TrimRight(b.Data, "=")
	raw, err := base64.RawURLEncoding.DecodeString(data)
	if err != nil {
		return ""
	}
	return strings.ToValidUTF8(string(raw), "")
}
