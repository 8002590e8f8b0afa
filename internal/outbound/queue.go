// Package outbound serializes messages sent over the chat channel.
//
// Every send to a destination holds that destination's lock for the whole
// send plus a short settle delay, so two messages to the same contact never
// overlap on the wire. Sends to different destinations proceed in parallel,
// bounded only by the channel-wide rate limiter.
package outbound

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"

	"github.com/NullMeDev/rsmn/internal/keylock"
	"github.com/NullMeDev/rsmn/internal/logging"
)

const (
	DefaultMaxLength     = 4000
	DefaultPostSendDelay = 1500 * time.Millisecond

	truncationNotice = "\n\n...\n\nMensaje truncado por longitud."
	truncationMargin = 50
)

var tracer = otel.Tracer("github.com/NullMeDev/rsmn/internal/outbound")

// Transport delivers one text message to an address.
type Transport interface {
	Send(ctx context.Context, to, text string) error
	Connected() bool
}

// Options configures a Queue.
type Options struct {
	Transport     Transport
	Limiter       *rate.Limiter
	PostSendDelay time.Duration
	MaxLength     int
	Logger        *logging.Logger
}

// Queue is the outbound channel queue.
type Queue struct {
	transport     Transport
	limiter       *rate.Limiter
	postSendDelay time.Duration
	maxLength     int
	locks         keylock.Map
	log           *logging.Logger
}

// NewQueue creates a new outbound queue. A nil Limiter disables rate
// limiting; a negative PostSendDelay disables the settle delay.
func NewQueue(opts Options) *Queue {
	q := &Queue{
		transport:     opts.Transport,
		limiter:       opts.Limiter,
		postSendDelay: opts.PostSendDelay,
		maxLength:     opts.MaxLength,
		log:           opts.Logger,
	}
	if q.postSendDelay == 0 {
		q.postSendDelay = DefaultPostSendDelay
	}
	if q.maxLength <= 0 {
		q.maxLength = DefaultMaxLength
	}
	if q.log == nil {
		q.log = logging.Discard()
	}
	return q
}

// PerMinute returns a limiter allowing n sends per minute with a burst of one.
func PerMinute(n int) *rate.Limiter {
	if n <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(n)), 1)
}

// Send delivers text to the destination, waiting for any earlier send to the
// same destination to finish. Transport errors are returned to the caller.
func (q *Queue) Send(ctx context.Context, to, text string) error {
	ctx, span := tracer.Start(ctx, "outbound.Send")
	defer span.End()

	unlock, err := q.locks.Lock(ctx, to)
	if err != nil {
		return fmt.Errorf("waiting for %s: %w", to, err)
	}
	defer unlock()

	text = Truncate(text, q.maxLength)
	span.SetAttributes(attribute.Int("length", utf8.RuneCountInString(text)))

	if q.limiter != nil {
		if err := q.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit: %w", err)
		}
	}

	if err := q.transport.Send(ctx, to, text); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		q.log.Error("Error sending message to %s: %v", to, err)
		return err
	}
	q.log.Debug("Message sent to %s", to)

	if q.postSendDelay > 0 {
		t := time.NewTimer(q.postSendDelay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
		}
	}
	return nil
}

// Connected reports whether the transport has a live session.
func (q *Queue) Connected() bool {
	return q.transport.Connected()
}

// Truncate shortens text longer than max runes, keeping the first
// max-50 runes and appending a notice.
func Truncate(text string, max int) string {
	if utf8.RuneCountInString(text) <= max {
		return text
	}
	keep := max - truncationMargin
	if keep < 0 {
		keep = 0
	}
	return string([]rune(text)[:keep]) + truncationNotice
}
