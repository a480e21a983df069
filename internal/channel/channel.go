// Package channel defines the messaging platform client used by the
// forwarding engine and helpers shared by its implementations.
package channel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"forward_bot/internal/model"
)

// Sentinel errors returned by clients.
var (
	ErrNotAuthorized = errors.New("channel client not authorized")
	ErrReadOnly      = errors.New("channel is read-only")
	ErrUnsupported   = errors.New("operation not supported by channel")
)

// MediaKind identifies how a media reference must be re-sent.
type MediaKind string

// Supported media kinds. MediaCopy re-sends the original message by reference.
const (
	MediaPhoto     MediaKind = "photo"
	MediaVideo     MediaKind = "video"
	MediaDocument  MediaKind = "document"
	MediaAnimation MediaKind = "animation"
	MediaAudio     MediaKind = "audio"
	MediaVoice     MediaKind = "voice"
	MediaCopy      MediaKind = "copy"
)

// Media is an opaque reference to the media attached to a message.
type Media struct {
	Kind      MediaKind
	FileID    string
	FromChat  model.ChatRef
	MessageID int
}

// Message is an inbound or fetched message.
type Message struct {
	ID           int
	Chat         model.ChatRef
	ChatUsername string
	Text         string
	Media        *Media
	Date         time.Time
}

// Handler receives messages for a subscription.
type Handler func(ctx context.Context, msg Message)

// SubscriptionID identifies an installed handler.
type SubscriptionID uint64

// Subscription binds a handler to the chats it listens to.
type Subscription struct {
	Chats   []model.ChatRef
	Handler Handler
}

// Client is the messaging platform capability used by one bot.
type Client interface {
	Connect(ctx context.Context) error
	IsAuthorized(ctx context.Context) (bool, error)
	// Listen delivers new-message events to subscribed handlers until ctx is done.
	Listen(ctx context.Context) error
	// Swap retires remove and installs add as one step: no event reaches a
	// mix of the two sets. It returns the ids of add in order.
	Swap(remove []SubscriptionID, add []Subscription) []SubscriptionID
	// Send returns a *RateLimitError when the platform asks to back off.
	Send(ctx context.Context, dest model.ChatRef, text string, media *Media) error
	// FetchMessage returns nil, nil when the message does not exist.
	FetchMessage(ctx context.Context, chat model.ChatRef, id int) (*Message, error)
	Disconnect() error
}

// RateLimitError signals that the platform refused a send and asked the
// caller to wait RetryAfter before trying again.
type RateLimitError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s: %v", e.RetryAfter, e.Err)
}

func (e *RateLimitError) Unwrap() error { return e.Err }

// AsRateLimit extracts a RateLimitError from err.
func AsRateLimit(err error) (*RateLimitError, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl, true
	}
	return nil, false
}
