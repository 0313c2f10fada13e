// Package channel defines the Channel abstraction (spec §3/§4.6): the
// outbound surface a Skill's send_message/send_file/send_voice_note/react
// calls resolve against, and the inbound sink actions are pushed onto.
//
// Grounded on the teacher's telegram.Adapter's MessageHandler/SendMessage/
// OutgoingMessage shape, generalized so the same interface is implementable
// by Telegram, HTTP/webchat, and gRPC-status transports alike (spec names
// "multi-channel" as a first-class property, not a Telegram-specific one).
package channel

import "context"

// Outgoing is a channel-agnostic message to send.
type Outgoing struct {
	Target  string // channel-specific recipient id (chat id, connection id, ...)
	Text    string
	FilePath string
	Caption string
	ReplyToMessageID string
}

// Channel is the interface every inbound/outbound transport adapter
// implements (telegram, http, wsgateway, agentgrpc).
type Channel interface {
	// Name identifies the channel for ChannelPolicy routing (e.g. "telegram").
	Name() string
	// SendMessage delivers a text message.
	SendMessage(ctx context.Context, out Outgoing) error
	// SendFile delivers a file/image with an optional caption.
	SendFile(ctx context.Context, out Outgoing) error
	// SendVoiceNote delivers a synthesized voice note.
	SendVoiceNote(ctx context.Context, out Outgoing, audioPath string) error
	// React adds a reaction/acknowledgement to an inbound message.
	React(ctx context.Context, target, messageID, emoji string) error
}

// InboundTask is what a Channel pushes into the dispatcher when it
// receives a message worth acting on.
type InboundTask struct {
	Channel   string
	SourceID  string // conversation/chat/thread id
	MessageID string
	UserID    string
	SenderName string
	IsAdmin   bool
	Text      string
}

// InboundSink is the dispatcher-side callback a Channel pushes InboundTask
// values into (typically wraps queue.ActionQueue.Push).
type InboundSink interface {
	PushInbound(ctx context.Context, task InboundTask) error
}
