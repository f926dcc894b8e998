package bus

import "time"

// InboundMessage is one text instruction read from a channel. Offset is the
// channel cursor of the message; committing Offset+1 acknowledges it.
type InboundMessage struct {
	Channel    string    `json:"channel"`
	ChatID     int64     `json:"chat_id"`
	SenderID   int64     `json:"sender_id,omitempty"`
	SenderName string    `json:"sender_name,omitempty"`
	MessageID  int64     `json:"message_id,omitempty"`
	Offset     int64     `json:"offset"`
	Text       string    `json:"text"`
	ReceivedAt time.Time `json:"received_at"`
}

// OutboundMessage is a report or notice addressed to one chat.
type OutboundMessage struct {
	Channel string `json:"channel"`
	ChatID  int64  `json:"chat_id"`
	ReplyTo int64  `json:"reply_to,omitempty"`
	CycleID string `json:"cycle_id,omitempty"`
	Text    string `json:"text"`
}
