// Package opsnotify mirrors operational events (daily send reports, refresh
// failures) to an operator channel.
package opsnotify

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"
)

// MaxDiscordMessage is Discord's per-message character limit.
const MaxDiscordMessage = 2000

// Notifier posts a text to the operators.
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// Nop discards every notification.
type Nop struct{}

func (Nop) Notify(context.Context, string) error { return nil }

// Discord posts notifications to one channel through the REST API. It never
// opens a gateway connection.
type Discord struct {
	send      func(channelID, content string) error
	channelID string
}

// NewDiscord creates a Discord notifier for a bot token and channel.
func NewDiscord(token, channelID string) (*Discord, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("error creating Discord session: %w", err)
	}
	send := func(channelID, content string) error {
		_, err := session.ChannelMessageSend(channelID, content)
		return err
	}
	return &Discord{send: send, channelID: channelID}, nil
}

// Notify sends text, split into as many messages as the limit requires.
func (d *Discord) Notify(ctx context.Context, text string) error {
	for _, chunk := range Split(text, MaxDiscordMessage) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := d.send(d.channelID, chunk); err != nil {
			return fmt.Errorf("sending to channel %s: %w", d.channelID, err)
		}
	}
	return nil
}

// Split cuts text into chunks of at most max runes, preferring to cut after a
// newline.
func Split(text string, max int) []string {
	var chunks []string
	runes := []rune(strings.TrimSpace(text))
	for len(runes) > max {
		cut := max
		for i := max - 1; i > max/2; i-- {
			if runes[i] == '\n' {
				cut = i + 1
				break
			}
		}
		chunks = append(chunks, strings.TrimRight(string(runes[:cut]), "\n"))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		chunks = append(chunks, string(runes))
	}
	return chunks
}
