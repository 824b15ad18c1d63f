// Package discord is the Discord gateway transport.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/nextlevelbuilder/replydesk/internal/bus"
	"github.com/nextlevelbuilder/replydesk/internal/channels"
	"github.com/nextlevelbuilder/replydesk/internal/config"
)

const (
	channelName = "discord"

	// discordMaxMessageLen is Discord's hard content limit.
	discordMaxMessageLen = 2000
)

// Channel is a Discord bot connected over the gateway websocket.
type Channel struct {
	session *discordgo.Session
	bus     *bus.MessageBus

	mu           sync.Mutex
	removeHandle func()
}

func New(cfg config.DiscordConfig, mb *bus.MessageBus) (*Channel, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("discord: token is required")
	}
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentMessageContent
	return &Channel{session: session, bus: mb}, nil
}

func (c *Channel) Name() string { return channelName }

func (c *Channel) Start(ctx context.Context) error {
	remove := c.session.AddHandler(c.onMessageCreate)
	if err := c.session.Open(); err != nil {
		remove()
		return fmt.Errorf("discord open: %w", err)
	}

	c.mu.Lock()
	c.removeHandle = remove
	c.mu.Unlock()

	if u := c.session.State.User; u != nil {
		slog.Info("discord: connected", "bot", u.Username)
	}
	return nil
}

func (c *Channel) Stop(ctx context.Context) error {
	c.mu.Lock()
	remove := c.removeHandle
	c.removeHandle = nil
	c.mu.Unlock()
	if remove == nil {
		return nil
	}
	remove()
	return c.session.Close()
}

func (c *Channel) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	botID := ""
	if s.State != nil && s.State.User != nil {
		botID = s.State.User.ID
	}
	msg, ok := inboundFromMessage(m.Message, botID)
	if !ok {
		return
	}
	c.bus.PublishInbound(msg)
}

// inboundFromMessage converts a Discord message to a bus message. Messages
// from bots, including this one, are dropped.
func inboundFromMessage(m *discordgo.Message, botID string) (bus.InboundMessage, bool) {
	if m == nil || m.Author == nil || m.Author.Bot || m.Author.ID == botID {
		return bus.InboundMessage{}, false
	}
	content := m.Content
	if botID != "" {
		// "<@id> hi" in a guild addresses the bot.
		content = strings.TrimSpace(strings.ReplaceAll(content, "<@"+botID+">", ""))
	}
	if content == "" {
		return bus.InboundMessage{}, false
	}

	name := m.Author.GlobalName
	if name == "" {
		name = m.Author.Username
	}
	return bus.InboundMessage{
		Channel:    channelName,
		SenderID:   m.Author.ID,
		SenderName: name,
		ChatID:     m.ChannelID,
		MessageID:  m.ID,
		Content:    content,
		IsGroup:    m.GuildID != "",
	}, true
}

func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	for _, part := range channels.SplitMessage(msg.Content, discordMaxMessageLen) {
		if _, err := c.session.ChannelMessageSend(msg.ChatID, part, discordgo.WithContext(ctx)); err != nil {
			return fmt.Errorf("discord send: %w", err)
		}
	}
	return nil
}

func (c *Channel) SendTyping(ctx context.Context, chatID string) error {
	return c.session.ChannelTyping(chatID, discordgo.WithContext(ctx))
}
