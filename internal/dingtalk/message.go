package dingtalk

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lzumixiny/volo8-test/internal/models"
)

// ErrInvalidPayload is returned when a callback body is not a JSON object.
var ErrInvalidPayload = errors.New("invalid callback payload")

// ParseMessage decodes a robot callback. Absent or mistyped fields resolve to
// their zero value; only a body that is not a JSON object is rejected.
func ParseMessage(raw []byte) (models.InboundMessage, error) {
	var data map[string]interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&data); err != nil {
		return models.InboundMessage{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if data == nil {
		return models.InboundMessage{}, fmt.Errorf("%w: not an object", ErrInvalidPayload)
	}

	msg := models.InboundMessage{
		ChatbotUserID:     str(data, "chatbotUserId"),
		ConversationType:  str(data, "conversationType"),
		ConversationID:    str(data, "conversationId"),
		MsgID:             str(data, "msgId"),
		CreateAt:          num(data["createAt"]),
		ConversationTitle: str(data, "conversationTitle"),
		SenderID:          str(data, "senderId"),
		SenderNick:        str(data, "senderNick"),
		SessionWebhook:    str(data, "sessionWebhook"),
	}

	msg.MsgType = str(data, "msgtype")
	if msg.MsgType == "" {
		msg.MsgType = str(data, "msgType")
	}

	if ms := num(data["sessionWebhookExpiredTime"]); ms > 0 {
		msg.SessionExpiresAt = time.UnixMilli(ms).UTC()
	}

	msg.Content = str(obj(data, "text"), "content")
	if msg.Content == "" {
		msg.Content = str(obj(data, "content"), "content")
	}

	msg.Images = parseImages(obj(data, "images"))
	msg.AtUserIDs = parseAtUsers(data["atUsers"])

	return msg, nil
}

func parseImages(images map[string]interface{}) []models.ImageRef {
	urls := strs(images["imageUrl"])
	if len(urls) == 0 {
		return nil
	}
	codes := strs(images["downloadCode"])
	sizes, _ := images["imageSize"].([]interface{})

	refs := make([]models.ImageRef, 0, len(urls))
	for i, u := range urls {
		ref := models.ImageRef{URL: u}
		if i < len(codes) {
			ref.DownloadCode = codes[i]
		}
		if i < len(sizes) {
			if size, ok := sizes[i].(map[string]interface{}); ok {
				ref.Width = int(num(size["width"]))
				ref.Height = int(num(size["height"]))
			}
		}
		refs = append(refs, ref)
	}
	return refs
}

// parseAtUsers accepts both {"dingtalkId": [...]} and [{"dingtalkId": "..."}].
func parseAtUsers(v interface{}) []string {
	switch at := v.(type) {
	case map[string]interface{}:
		return strs(at["dingtalkId"])
	case []interface{}:
		var ids []string
		for _, item := range at {
			if user, ok := item.(map[string]interface{}); ok {
				if id := str(user, "dingtalkId"); id != "" {
					ids = append(ids, id)
				}
			}
		}
		return ids
	}
	return nil
}

func obj(data map[string]interface{}, key string) map[string]interface{} {
	m, _ := data[key].(map[string]interface{})
	return m
}

func str(data map[string]interface{}, key string) string {
	switch v := data[key].(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	}
	return ""
}

func strs(v interface{}) []string {
	items, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func num(v interface{}) int64 {
	switch n := v.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i
		}
		if f, err := n.Float64(); err == nil {
			return int64(f)
		}
	case string:
		if i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64); err == nil {
			return i
		}
	}
	return 0
}

// MentionChecker decides whether a message is addressed to the bot.
type MentionChecker struct {
	creds    *Credentials
	botNames []string
}

// NewMentionChecker creates a checker. The bot id is the current app key.
func NewMentionChecker(creds *Credentials, botNames []string) *MentionChecker {
	names := make([]string, 0, len(botNames))
	for _, n := range botNames {
		if n = strings.TrimSpace(n); n != "" {
			names = append(names, strings.ToLower(n))
		}
	}
	return &MentionChecker{creds: creds, botNames: names}
}

// IsMentioned reports whether the content carries an "@" or a bot name, or
// the bot id is among the mentioned users.
func (c *MentionChecker) IsMentioned(msg models.InboundMessage) bool {
	content := strings.ToLower(msg.Content)
	if strings.Contains(content, "@") {
		return true
	}
	for _, name := range c.botNames {
		if strings.Contains(content, name) {
			return true
		}
	}

	botID := c.creds.Get().AppKey
	if botID == "" {
		return false
	}
	for _, id := range msg.AtUserIDs {
		if id == botID {
			return true
		}
	}
	return false
}
