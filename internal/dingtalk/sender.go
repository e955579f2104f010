package dingtalk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	// ErrNoChannel is returned when neither a session nor a default webhook exists.
	ErrNoChannel = errors.New("no reply channel available")
	// ErrReplyRejected is returned when DingTalk answers with a non-zero errcode.
	ErrReplyRejected = errors.New("reply rejected by dingtalk")
)

// ReplyKind tags the variant held by a Reply.
type ReplyKind string

const (
	ReplyText     ReplyKind = "text"
	ReplyImage    ReplyKind = "image"
	ReplyMarkdown ReplyKind = "markdown"
)

// Reply is one outbound message. Use TextReply, ImageReply or MarkdownReply.
type Reply struct {
	Kind     ReplyKind
	Content  string
	ImageURL string
	Title    string
}

// TextReply builds a plain text reply.
func TextReply(content string) Reply {
	return Reply{Kind: ReplyText, Content: content}
}

// ImageReply builds a reply showing the image at url.
func ImageReply(url string) Reply {
	return Reply{Kind: ReplyImage, ImageURL: url}
}

// MarkdownReply builds a markdown reply with a notification title.
func MarkdownReply(title, text string) Reply {
	return Reply{Kind: ReplyMarkdown, Title: title, Content: text}
}

// payload returns the webhook JSON body for r.
func (r Reply) payload() (map[string]interface{}, error) {
	switch r.Kind {
	case ReplyText:
		return map[string]interface{}{
			"msgtype": "text",
			"text":    map[string]string{"content": r.Content},
		}, nil
	case ReplyImage:
		return map[string]interface{}{
			"msgtype": "image",
			"image":   map[string]string{"url": r.ImageURL},
		}, nil
	case ReplyMarkdown:
		return map[string]interface{}{
			"msgtype":  "markdown",
			"markdown": map[string]string{"title": r.Title, "text": r.Content},
		}, nil
	}
	return nil, fmt.Errorf("unknown reply kind %q", r.Kind)
}

type sendResponse struct {
	ErrCode *int   `json:"errcode"`
	ErrMsg  string `json:"errmsg"`
}

// Sender posts replies to conversations.
type Sender struct {
	sessions   *SessionStore
	creds      *Credentials
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
}

// NewSender creates a sender. timeout bounds each post.
func NewSender(sessions *SessionStore, creds *Credentials, timeout time.Duration, logger *zap.Logger) *Sender {
	return &Sender{
		sessions: sessions,
		creds:    creds,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
	}
}

// WithRateLimit caps outbound posts at perMinute, shared by all
// conversations. DingTalk robots accept 20 messages a minute.
func (s *Sender) WithRateLimit(perMinute int) *Sender {
	if perMinute > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(float64(perMinute)/60), perMinute)
	}
	return s
}

// Send delivers r to the conversation's active session webhook, or to the
// configured default webhook when there is none.
func (s *Sender) Send(ctx context.Context, conversationID string, r Reply) error {
	target := ""
	if sess, ok := s.sessions.Current(conversationID); ok {
		target = sess.WebhookURL
	} else {
		target = s.creds.Get().WebhookURL
	}
	if target == "" {
		return ErrNoChannel
	}
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("reply rate limited: %w", err)
		}
	}
	return s.post(ctx, target, r)
}

func (s *Sender) post(ctx context.Context, webhookURL string, r Reply) error {
	body, err := r.payload()
	if err != nil {
		return err
	}
	jsonData, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal reply: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send reply: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return fmt.Errorf("failed to read reply response: %w", err)
	}

	var result sendResponse
	if err := json.Unmarshal(raw, &result); err != nil {
		return fmt.Errorf("%w: status %d, undecodable body: %s", ErrReplyRejected, resp.StatusCode, string(raw))
	}
	if result.ErrCode == nil {
		return fmt.Errorf("%w: status %d, missing errcode", ErrReplyRejected, resp.StatusCode)
	}
	if *result.ErrCode != 0 {
		return fmt.Errorf("%w: errcode %d: %s", ErrReplyRejected, *result.ErrCode, result.ErrMsg)
	}

	s.logger.Debug("Reply delivered", zap.String("msgtype", string(r.Kind)), zap.Int("status", resp.StatusCode))
	return nil
}
