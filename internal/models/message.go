package models

import "time"

// ImageRef points at an image attached to an inbound message.
type ImageRef struct {
	URL          string
	DownloadCode string
	Width        int
	Height       int
}

// InboundMessage is one DingTalk robot callback. Every field is populated;
// absent values are zero.
type InboundMessage struct {
	ChatbotUserID     string
	ConversationType  string
	ConversationID    string
	MsgID             string
	MsgType           string
	CreateAt          int64
	ConversationTitle string
	SenderID          string
	SenderNick        string
	SessionWebhook    string
	SessionExpiresAt  time.Time
	Images            []ImageRef
	AtUserIDs         []string
	Content           string
}

// HasImages reports whether the message references at least one image.
func (m InboundMessage) HasImages() bool {
	return len(m.Images) > 0
}

// GroupID identifies the originating conversation for stored records.
func (m InboundMessage) GroupID() string {
	if m.ConversationID != "" {
		return m.ConversationID
	}
	return m.ConversationTitle
}
