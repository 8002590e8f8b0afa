// Package subscriber defines the recipient registry consumed by the daily
// fan-out and mutated by inbound commands and the web API.
package subscriber

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode"
)

const (
	// UserServer is the address suffix for plain phone numbers.
	UserServer = "s.whatsapp.net"
	// LIDServer is the address suffix for hidden (linked) identifiers.
	LIDServer = "lid"
)

// ErrNotFound is returned when no recipient exists for a phone.
var ErrNotFound = errors.New("recipient not found")

// Recipient is one registered chat address.
type Recipient struct {
	Phone      string    `json:"phone" bson:"phone"`
	LID        string    `json:"lid,omitempty" bson:"lid,omitempty"`
	Email      string    `json:"email,omitempty" bson:"email,omitempty"`
	Subscribed bool      `json:"subscribed" bson:"subscribed"`
	Paid       bool      `json:"isPaid" bson:"isPaid"`
	CreatedAt  time.Time `json:"createdAt" bson:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt" bson:"updatedAt"`
}

// Address returns the outbound address for r, preferring the alternate
// identifier when the channel supplied one.
func (r Recipient) Address() string {
	if r.LID != "" {
		return r.LID + "@" + LIDServer
	}
	return PhoneAddress(r.Phone)
}

// PhoneAddress returns the default outbound address for a phone.
func PhoneAddress(phone string) string {
	return phone + "@" + UserServer
}

// NormalizePhone strips every non-digit character.
func NormalizePhone(phone string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) && r < unicode.MaxASCII {
			return r
		}
		return -1
	}, phone)
}

// UpsertParams creates or re-subscribes a recipient. Empty LID and Email
// leave the stored values untouched.
type UpsertParams struct {
	Phone string
	LID   string
	Email string
}

// Stats summarises the registry.
type Stats struct {
	TotalUsers        int `json:"totalUsers"`
	ActiveSubscribers int `json:"activeSubscribers"`
	PaidUsers         int `json:"paidUsers"`
	FreeUsers         int `json:"freeUsers"`
}

// Registry is the persisted set of recipients.
type Registry interface {
	// Subscribed returns every recipient with Subscribed set, in insertion
	// order.
	Subscribed(ctx context.Context) ([]Recipient, error)
	Get(ctx context.Context, phone string) (Recipient, error)
	// Upsert creates the recipient or sets Subscribed on an existing one.
	Upsert(ctx context.Context, p UpsertParams) (Recipient, error)
	SetSubscribed(ctx context.Context, phone string, subscribed bool) error
	Delete(ctx context.Context, phone string) error
	Stats(ctx context.Context) (Stats, error)
}
