package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"AdvisoryScanner/internal/config"
	"AdvisoryScanner/internal/ports"
)

const defaultAPIBase = "https://api.telegram.org"

// Telegram rejects messages above 4096 characters.
const maxMessageLen = 4000

var errNotConfigured = errors.New("telegram notifier misconfigured")

// Notifier sends run digests to a Telegram chat via bot API.
type Notifier struct {
	apiBase string
	token   string
	chat    string
	client  *http.Client
}

var _ ports.Notifier = (*Notifier)(nil)

func NewNotifier(cfg config.TelegramConfig) *Notifier {
	return &Notifier{
		apiBase: defaultAPIBase,
		token:   cfg.BotToken,
		chat:    cfg.ChatID,
		client:  &http.Client{Timeout: 5 * time.Second},
	}
}

// WithEndpoint points the notifier at another bot API host.
func (n *Notifier) WithEndpoint(base string, client *http.Client) *Notifier {
	n.apiBase = strings.TrimSuffix(base, "/")
	if client != nil {
		n.client = client
	}
	return n
}

// Configured reports whether both token and chat are set.
func (n *Notifier) Configured() bool {
	return n != nil && n.token != "" && n.chat != ""
}

// PublishDigest posts the digest as one or more Markdown messages. Digests
// longer than a single message are split on line boundaries and sent in order.
func (n *Notifier) PublishDigest(ctx context.Context, digest string) error {
	if !n.Configured() || n.client == nil {
		return errNotConfigured
	}
	parts := splitMessage(digest, maxMessageLen)
	for i, part := range parts {
		if err := n.send(ctx, part); err != nil {
			return fmt.Errorf("digest part %d/%d: %w", i+1, len(parts), err)
		}
	}
	return nil
}

type botReply struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

func (n *Notifier) send(ctx context.Context, text string) error {
	form := url.Values{
		"chat_id":                  {n.chat},
		"text":                     {text},
		"parse_mode":               {"Markdown"},
		"disable_web_page_preview": {"true"},
	}
	endpoint := n.apiBase + "/bot" + n.token + "/sendMessage"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	var reply botReply
	if json.Unmarshal(body, &reply) == nil && reply.Description != "" {
		return fmt.Errorf("telegram %s: %s", resp.Status, reply.Description)
	}
	return fmt.Errorf("telegram %s: %s", resp.Status, strings.TrimSpace(string(body)))
}

// splitMessage cuts text into pieces of at most limit bytes, preferring line
// breaks. A single line longer than limit is hard-cut.
func splitMessage(text string, limit int) []string {
	if len(text) <= limit {
		return []string{text}
	}
	var (
		parts []string
		cur   strings.Builder
	)
	flush := func() {
		if cur.Len() > 0 {
			parts = append(parts, strings.TrimSuffix(cur.String(), "\n"))
			cur.Reset()
		}
	}
	for _, line := range strings.SplitAfter(text, "\n") {
		for len(line) > limit {
			flush()
			parts = append(parts, line[:limit])
			line = line[limit:]
		}
		if cur.Len()+len(line) > limit {
			flush()
		}
		cur.WriteString(line)
	}
	flush()
	return parts
}
