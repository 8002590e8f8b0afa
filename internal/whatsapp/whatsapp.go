// Package whatsapp is the chat transport: a paired WhatsApp Web device that
// delivers outbound texts and feeds inbound direct messages to a handler.
package whatsapp

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"
	_ "modernc.org/sqlite"

	"github.com/NullMeDev/rsmn/internal/commands"
	"github.com/NullMeDev/rsmn/internal/logging"
)

// ErrNotConnected is returned by Send while no session is open.
var ErrNotConnected = errors.New("whatsapp not connected")

const reconnectDelay = 10 * time.Second

// Handler receives inbound direct messages.
type Handler interface {
	Handle(ctx context.Context, msg commands.Message) error
}

// Options configures a Client.
type Options struct {
	// SessionPath is the SQLite file holding the device keys.
	SessionPath string
	Handler     Handler
	Logger      *logging.Logger
}

// Client owns the WhatsApp session. Run keeps it paired and connected.
type Client struct {
	db        *sql.DB
	container *sqlstore.Container
	handler   Handler
	log       *logging.Logger
	waLog     waLog.Logger

	mu        sync.RWMutex
	cli       *whatsmeow.Client
	loggedOut chan struct{}
	inflight  sync.WaitGroup
}

// New opens the session store. It does not connect.
func New(ctx context.Context, opts Options) (*Client, error) {
	log := opts.Logger
	if log == nil {
		log = logging.Discard()
	}
	if err := os.MkdirAll(filepath.Dir(opts.SessionPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}
	db, err := sql.Open("sqlite", "file:"+opts.SessionPath+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}

	wl := logger{log: log.With("whatsmeow")}
	container := sqlstore.NewWithDB(db, "sqlite", wl)
	if err := container.Upgrade(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to upgrade session store: %w", err)
	}

	return &Client{
		db:        db,
		container: container,
		handler:   opts.Handler,
		log:       log,
		waLog:     wl,
		loggedOut: make(chan struct{}, 1),
	}, nil
}

// SetHandler replaces the inbound handler. It must be called before Run.
func (c *Client) SetHandler(h Handler) {
	c.handler = h
}

// Run connects and stays connected until ctx is done. A logged out session
// is cleared and a new pairing code is requested.
func (c *Client) Run(ctx context.Context) error {
	for {
		err := c.connect(ctx)
		if err != nil {
			c.log.Error("WhatsApp connection failed: %v", err)
			if !c.retryAfterFailure(ctx) {
				return nil
			}
			continue
		}

		select {
		case <-ctx.Done():
			c.disconnect()
			c.inflight.Wait()
			return nil
		case <-c.loggedOut:
			c.log.Warning("Session closed. Clearing credentials and generating a new QR...")
			c.disconnect()
		}
	}
}

func (c *Client) connect(ctx context.Context) error {
	device, err := c.container.GetFirstDevice(ctx)
	if err != nil {
		return fmt.Errorf("loading device: %w", err)
	}
	cli := whatsmeow.NewClient(device, c.waLog.Sub("client"))
	cli.AddEventHandler(func(evt any) { c.handleEvent(ctx, evt) })

	c.mu.Lock()
	c.cli = cli
	c.mu.Unlock()

	if cli.Store.ID == nil {
		qr, err := cli.GetQRChannel(ctx)
		if err != nil {
			return fmt.Errorf("requesting QR channel: %w", err)
		}
		go c.logQR(qr)
	}
	return cli.Connect()
}

// retryAfterFailure drops the half-connected client and waits before the
// next attempt. It returns false when ctx is done.
func (c *Client) retryAfterFailure(ctx context.Context) bool {
	c.disconnect()
	select {
	case <-ctx.Done():
		return false
	case <-time.After(reconnectDelay):
		return true
	}
}

func (c *Client) disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cli != nil {
		c.cli.Disconnect()
		c.cli = nil
	}
}

func (c *Client) logQR(qr <-chan whatsmeow.QRChannelItem) {
	for item := range qr {
		switch item.Event {
		case whatsmeow.QRChannelEventCode:
			c.log.Info("Scan this QR with WhatsApp (expires in %s): %s", item.Timeout, item.Code)
		case whatsmeow.QRChannelEventError:
			c.log.Error("Pairing failed: %v", item.Error)
		default:
			c.log.Info("Pairing: %s", item.Event)
		}
	}
}

func (c *Client) handleEvent(ctx context.Context, evt any) {
	switch e := evt.(type) {
	case *events.Connected:
		c.log.Info("WhatsApp connected successfully")
	case *events.Disconnected:
		c.log.Warning("WhatsApp disconnected, reconnecting...")
	case *events.LoggedOut:
		c.log.Warning("WhatsApp logged out (reason %v)", e.Reason)
		select {
		case c.loggedOut <- struct{}{}:
		default:
		}
	case *events.Message:
		msg, ok := c.convert(e)
		if !ok || c.handler == nil {
			return
		}
		c.log.Info("Message from %s: %s", msg.Phone, msg.Text)
		c.inflight.Add(1)
		go func() {
			defer c.inflight.Done()
			if err := c.handler.Handle(ctx, msg); err != nil {
				c.log.Error("Error handling message from %s: %v", msg.Phone, err)
			}
		}()
	}
}

func (c *Client) convert(e *events.Message) (commands.Message, bool) {
	msg, ok := toMessage(e.Info.MessageSource, e.Message)
	if !ok && e.Info.Sender.Server == types.HiddenUserServer && e.Info.SenderAlt.IsEmpty() {
		c.log.Warning("Message from LID without phone number, ignoring: %s", e.Info.Chat)
	}
	return msg, ok
}

// toMessage maps an inbound message to a command message. Group, broadcast,
// own and empty messages are dropped, as are hidden senders without an
// alternate phone address.
func toMessage(src types.MessageSource, m *waE2E.Message) (commands.Message, bool) {
	if m == nil || src.IsFromMe || src.IsGroup || src.Chat.Server == types.GroupServer || src.Chat.Server == types.BroadcastServer {
		return commands.Message{}, false
	}
	text := m.GetConversation()
	if text == "" {
		text = m.GetExtendedTextMessage().GetText()
	}
	if text == "" {
		return commands.Message{}, false
	}

	sender := src.Sender.ToNonAD()
	alt := src.SenderAlt.ToNonAD()
	out := commands.Message{Address: src.Chat.ToNonAD().String(), Text: text}
	switch {
	case sender.Server == types.HiddenUserServer:
		if alt.Server != types.DefaultUserServer || alt.User == "" {
			return commands.Message{}, false
		}
		out.LID, out.Phone = sender.User, alt.User
	default:
		out.Phone = sender.User
		if alt.Server == types.HiddenUserServer {
			out.LID = alt.User
		}
	}
	return out, true
}

// Send delivers a plain text message to a JID string such as
// "5491122334455@s.whatsapp.net" or "1234@lid".
func (c *Client) Send(ctx context.Context, to, text string) error {
	jid, err := types.ParseJID(to)
	if err != nil {
		return fmt.Errorf("invalid destination %q: %w", to, err)
	}

	c.mu.RLock()
	cli := c.cli
	c.mu.RUnlock()
	if cli == nil || !cli.IsConnected() {
		return ErrNotConnected
	}

	_, err = cli.SendMessage(ctx, jid, &waE2E.Message{Conversation: proto.String(text)})
	if err != nil {
		return fmt.Errorf("sending to %s: %w", to, err)
	}
	return nil
}

// Connected reports whether a paired session is open.
func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cli != nil && c.cli.IsConnected() && c.cli.IsLoggedIn()
}

// Close releases the session store.
func (c *Client) Close() error {
	c.disconnect()
	return c.db.Close()
}

// logger adapts logging.Logger to the library's logger.
type logger struct {
	log *logging.Logger
}

func (l logger) Errorf(msg string, args ...any) { l.log.Error(msg, args...) }
func (l logger) Warnf(msg string, args ...any)  { l.log.Warning(msg, args...) }
func (l logger) Infof(msg string, args ...any)  { l.log.Info(msg, args...) }
func (l logger) Debugf(msg string, args ...any) { l.log.Debug(msg, args...) }

func (l logger) Sub(module string) waLog.Logger {
	return logger{log: l.log.With(module)}
}
