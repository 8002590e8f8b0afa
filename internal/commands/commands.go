// Package commands maps inbound chat messages to registry operations and
// replies.
package commands

import (
	"context"
	"errors"
	"strings"

	"github.com/NullMeDev/rsmn/internal/digest"
	"github.com/NullMeDev/rsmn/internal/keylock"
	"github.com/NullMeDev/rsmn/internal/logging"
	"github.com/NullMeDev/rsmn/internal/news"
	"github.com/NullMeDev/rsmn/internal/subscriber"
)

// Command is one entry of the inbound vocabulary.
type Command int

const (
	Unknown Command = iota
	StatusNow
	Subscribe
	Pause
	Resume
	Unsubscribe
	Help
)

var keywords = map[string]Command{
	"actualizame": StatusNow,
	"suscribir":   Subscribe,
	"pausar":      Pause,
	"reanudar":    Resume,
	"baja":        Unsubscribe,
	"ayuda":       Help,
}

func (c Command) String() string {
	for k, v := range keywords {
		if v == c {
			return k
		}
	}
	return "unknown"
}

// Parse classifies text. Matching is case-insensitive on the trimmed text;
// greetings and help-like words fall back to Help.
func Parse(text string) Command {
	cmd := strings.ToLower(strings.TrimSpace(text))
	if c, ok := keywords[cmd]; ok {
		return c
	}
	if strings.Contains(cmd, "hola") || strings.Contains(cmd, "ayuda") || cmd == "help" {
		return Help
	}
	return Unknown
}

// Replies
const (
	ReplyNewsError      = "❌ Error al obtener noticias. Intenta nuevamente."
	ReplySubscribed     = "✅ ¡Listo! Recibirás un resumen de noticias todos los días a las 6:00 AM.\n\nComandos disponibles:\n• \"pausar\" - pausar suscripción\n• \"reanudar\" - reanudar suscripción\n• \"actualizame\" - resumen ahora"
	ReplySubscribeError = "❌ Error al suscribir. Intenta nuevamente."
	ReplyPaused         = "⏸️ Suscripción pausada. Usa \"reanudar\" para volver a activarla."
	ReplyResumed        = "▶️ ¡Suscripción reactivada! Volverás a recibir noticias a las 6:00 AM."
	ReplyNotSubscribed  = "❌ No estás suscripto. Usa \"suscribir\" primero."
	ReplyUnsubscribed   = "👋 Te diste de baja correctamente. Si querés volver, escribí \"suscribir\"."
	ReplyNotRegistered  = "❌ No estás registrado en el sistema."
	ReplyUnknown        = "❓ Comando no reconocido. Usa \"ayuda\" para ver comandos disponibles."
	ReplyHelp           = "*RSMN - Comandos disponibles*\n\n" +
		"• *actualizame* - Resumen de noticias ahora\n" +
		"• *suscribir* - Noticias diarias a las 6 AM\n" +
		"• *pausar* - Pausar envíos\n" +
		"• *reanudar* - Reactivar suscripción\n" +
		"• *baja* - Eliminar suscripción\n" +
		"• *ayuda* - Ver este mensaje"
)

// Message is one inbound text from a single sender.
type Message struct {
	// Address is where replies go, as the channel reported the sender.
	Address string
	Phone   string
	// LID is the alternate identifier when the sender used a hidden address.
	LID  string
	Text string
}

// Sender delivers a reply.
type Sender interface {
	Send(ctx context.Context, to, text string) error
}

// NewsSource yields the current cache entry.
type NewsSource interface {
	Current(ctx context.Context) (*news.Entry, error)
}

// Options configures a Dispatcher.
type Options struct {
	Registry subscriber.Registry
	News     NewsSource
	Sender   Sender
	Domain   string
	Logger   *logging.Logger
}

// Dispatcher handles inbound commands, one at a time per sender phone.
type Dispatcher struct {
	registry subscriber.Registry
	news     NewsSource
	sender   Sender
	domain   string
	locks    keylock.Map
	log      *logging.Logger
}

// NewDispatcher creates a new command dispatcher
func NewDispatcher(opts Options) *Dispatcher {
	d := &Dispatcher{
		registry: opts.Registry,
		news:     opts.News,
		sender:   opts.Sender,
		domain:   opts.Domain,
		log:      opts.Logger,
	}
	if d.log == nil {
		d.log = logging.Discard()
	}
	return d
}

// Handle processes msg. Registry failures are answered with a fixed reply;
// only lock waits cancelled by ctx and reply delivery failures are returned.
func (d *Dispatcher) Handle(ctx context.Context, msg Message) error {
	if strings.TrimSpace(msg.Text) == "" {
		return nil
	}
	key := msg.Phone
	if key == "" {
		key = msg.Address
	}

	unlock, err := d.locks.Lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()

	cmd := Parse(msg.Text)
	d.log.Info("Command %s from %s", cmd, msg.Phone)
	return d.sender.Send(ctx, msg.Address, d.reply(ctx, cmd, msg))
}

func (d *Dispatcher) reply(ctx context.Context, cmd Command, msg Message) string {
	switch cmd {
	case StatusNow:
		entry, err := d.news.Current(ctx)
		if err != nil {
			d.log.Error("Error getting news for %s: %v", msg.Phone, err)
			return ReplyNewsError
		}
		return digest.Format(entry.Articles, d.domain)

	case Subscribe:
		_, err := d.registry.Upsert(ctx, subscriber.UpsertParams{Phone: msg.Phone, LID: msg.LID})
		if err != nil {
			d.log.Error("Error subscribing %s: %v", msg.Phone, err)
			return ReplySubscribeError
		}
		d.log.Info("User %s subscribed", msg.Phone)
		return ReplySubscribed

	case Pause, Resume:
		if err := d.registry.SetSubscribed(ctx, msg.Phone, cmd == Resume); err != nil {
			if !errors.Is(err, subscriber.ErrNotFound) {
				d.log.Error("Error updating %s: %v", msg.Phone, err)
			}
			return ReplyNotSubscribed
		}
		if cmd == Pause {
			return ReplyPaused
		}
		return ReplyResumed

	case Unsubscribe:
		if err := d.registry.Delete(ctx, msg.Phone); err != nil {
			if !errors.Is(err, subscriber.ErrNotFound) {
				d.log.Error("Error deleting %s: %v", msg.Phone, err)
			}
			return ReplyNotRegistered
		}
		d.log.Info("User %s unsubscribed and deleted", msg.Phone)
		return ReplyUnsubscribed

	case Help:
		return ReplyHelp
	}
	return ReplyUnknown
}
