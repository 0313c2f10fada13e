// channel.go adapts Adapter to the domain channel.Channel/InboundSink
// contract (spec §3, §4.6), so Core can register a telegram.Adapter the
// same way it would register an HTTP or gRPC transport. Grounded on this
// package's own adapter.go — MessageHandler/SendMessage/OutgoingMessage —
// generalized behind the channel-agnostic interface.
package telegram

import (
	"context"
	"fmt"
	"strconv"

	"github.com/fredabila/orcbot/internal/domain/channel"
	"go.uber.org/zap"
)

const channelName = "telegram"

// ChannelAdapter wraps an *Adapter to satisfy channel.Channel, translating
// InboundTask/Outgoing between the domain-neutral shapes and Telegram's
// int64 chat IDs.
type ChannelAdapter struct {
	adapter *Adapter
	sink    channel.InboundSink
	logger  *zap.Logger
	admins  map[int64]bool
}

// NewChannelAdapter wires adapter's MessageHandler to push every inbound
// message into sink (typically Core.PushInbound) and returns the
// channel.Channel Core registers for outbound sends. adminUserIDs marks
// which senders get InboundTask.IsAdmin=true (config's telegram.admin_user_ids).
func NewChannelAdapter(adapter *Adapter, sink channel.InboundSink, logger *zap.Logger, adminUserIDs []int64) *ChannelAdapter {
	admins := make(map[int64]bool, len(adminUserIDs))
	for _, id := range adminUserIDs {
		admins[id] = true
	}
	ca := &ChannelAdapter{adapter: adapter, sink: sink, logger: logger, admins: admins}
	adapter.SetMessageHandler(ca)
	return ca
}

// HandleMessage implements telegram.MessageHandler: it forwards the
// message into the ActionQueue via InboundSink and never replies
// synchronously — Core's dispatch loop sends the eventual reply back
// through SendMessage once the DecisionLoop concludes.
func (c *ChannelAdapter) HandleMessage(ctx context.Context, msg *IncomingMessage) (*OutgoingMessage, error) {
	task := channel.InboundTask{
		Channel:    channelName,
		SourceID:   strconv.FormatInt(msg.ChatID, 10),
		MessageID:  strconv.Itoa(msg.MessageID),
		UserID:     strconv.FormatInt(msg.UserID, 10),
		SenderName: msg.Username,
		IsAdmin:    c.admins[msg.UserID],
		Text:       msg.Text,
	}
	if err := c.sink.PushInbound(ctx, task); err != nil {
		c.logger.Error("failed to push inbound telegram message", zap.Error(err))
		return &OutgoingMessage{ChatID: msg.ChatID, Text: "⚠️ failed to queue your message, please retry"}, nil
	}
	return nil, nil
}

// Name implements channel.Channel.
func (c *ChannelAdapter) Name() string { return channelName }

// SendMessage implements channel.Channel.
func (c *ChannelAdapter) SendMessage(ctx context.Context, out channel.Outgoing) error {
	chatID, err := strconv.ParseInt(out.Target, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: invalid chat id %q: %w", out.Target, err)
	}
	replyToID, _ := strconv.Atoi(out.ReplyToMessageID)
	return c.adapter.SendMessage(&OutgoingMessage{
		ChatID:    chatID,
		Text:      out.Text,
		ParseMode: "Markdown",
		ReplyToID: replyToID,
	})
}

// SendFile implements channel.Channel, picking document vs. photo upload
// by the file's extension.
func (c *ChannelAdapter) SendFile(ctx context.Context, out channel.Outgoing) error {
	chatID, err := strconv.ParseInt(out.Target, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: invalid chat id %q: %w", out.Target, err)
	}
	if isImagePath(out.FilePath) {
		return c.adapter.SendPhoto(chatID, out.FilePath, out.Caption, 0)
	}
	return c.adapter.SendDocument(chatID, out.FilePath, out.Caption, 0)
}

// SendVoiceNote implements channel.Channel.
func (c *ChannelAdapter) SendVoiceNote(ctx context.Context, out channel.Outgoing, audioPath string) error {
	chatID, err := strconv.ParseInt(out.Target, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: invalid chat id %q: %w", out.Target, err)
	}
	return c.adapter.SendVoice(chatID, audioPath, 0)
}

// React implements channel.Channel. Telegram's bot-reaction API needs a
// newer Bot API method this library version doesn't expose, so a reaction
// degrades to a short reply — documented, not silently dropped.
func (c *ChannelAdapter) React(ctx context.Context, target, messageID, emoji string) error {
	chatID, err := strconv.ParseInt(target, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: invalid chat id %q: %w", target, err)
	}
	msgID, _ := strconv.Atoi(messageID)
	return c.adapter.SendMessage(&OutgoingMessage{ChatID: chatID, Text: emoji, ReplyToID: msgID})
}

func isImagePath(path string) bool {
	for _, ext := range []string{".png", ".jpg", ".jpeg", ".gif", ".webp"} {
		if len(path) >= len(ext) && path[len(path)-len(ext):] == ext {
			return true
		}
	}
	return false
}
