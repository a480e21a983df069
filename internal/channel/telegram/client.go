// Package telegram implements channel.Client on top of the Telegram Bot API.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"forward_bot/internal/channel"
	"forward_bot/internal/model"
)

type telegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	CopyMessage(config tgbotapi.CopyMessageConfig) (tgbotapi.MessageID, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Options configures a Client.
type Options struct {
	// Scratch is a chat the bot may post into. FetchMessage forwards the
	// requested message there to read it and deletes the copy afterwards.
	// FetchMessage fails when it is unset.
	Scratch model.ChatRef
	// PollTimeout is the long-polling timeout in seconds.
	PollTimeout int
	// Endpoint is the Bot API URL format, tgbotapi.APIEndpoint by default.
	Endpoint string
}

// Client is a channel.Client backed by a bot token.
type Client struct {
	token  string
	opts   Options
	log    *slog.Logger
	reg    *channel.Registry
	newAPI func(token string) (telegramAPI, error)

	mu         sync.Mutex
	api        telegramAPI
	authorized bool
	// stopped is set once StopReceivingUpdates ran for api; the library
	// panics when it is called twice.
	stopped bool
}

// New creates a Client for the given bot token. Nothing is contacted until Connect.
func New(token string, opts Options, log *slog.Logger) *Client {
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = 60
	}
	if opts.Endpoint == "" {
		opts.Endpoint = tgbotapi.APIEndpoint
	}
	return &Client{
		token: token,
		opts:  opts,
		log:   log,
		reg:   channel.NewRegistry(),
		newAPI: func(token string) (telegramAPI, error) {
			api, err := tgbotapi.NewBotAPIWithClient(token, opts.Endpoint, http.DefaultClient)
			if err != nil {
				return nil, err
			}
			return api, nil
		},
	}
}

// Connect validates the token. A token rejected by the platform is not an
// error; IsAuthorized reports it afterwards.
func (c *Client) Connect(_ context.Context) error {
	api, err := c.newAPI(c.token)
	if err != nil {
		var tgErr *tgbotapi.Error
		if errors.As(err, &tgErr) && (tgErr.Code == http.StatusUnauthorized || tgErr.Code == http.StatusNotFound) {
			c.mu.Lock()
			c.authorized = false
			c.mu.Unlock()
			return nil
		}
		return fmt.Errorf("connect bot api: %w", err)
	}

	c.mu.Lock()
	c.api = api
	c.authorized = true
	c.stopped = false
	c.mu.Unlock()
	return nil
}

// IsAuthorized reports whether Connect succeeded with a valid token.
func (c *Client) IsAuthorized(_ context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authorized, nil
}

func (c *Client) client() (telegramAPI, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.api == nil {
		return nil, channel.ErrNotAuthorized
	}
	return c.api, nil
}

// Listen long-polls for updates and hands new messages and channel posts to
// the subscribed handlers until ctx is cancelled.
func (c *Client) Listen(ctx context.Context) error {
	api, err := c.client()
	if err != nil {
		return err
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = c.opts.PollTimeout
	updates := api.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			c.stopPolling()
			// The library closes updates once it notices the stop; keep
			// reading so it is never stuck on a full buffer.
			go drain(updates)
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			m := update.Message
			if m == nil {
				m = update.ChannelPost
			}
			if m == nil || m.Chat == nil {
				continue
			}
			msg, ok := convert(m)
			if !ok {
				continue
			}
			n := c.reg.Deliver(ctx, msg)
			c.log.Debug("update received", "chat", msg.Chat.String(), "message_id", msg.ID, "handlers", n)
		}
	}
}

// Subscribe installs h for messages arriving in any of chats.
func (c *Client) Subscribe(chats []model.ChatRef, h channel.Handler) channel.SubscriptionID {
	return c.reg.Add(chats, h)
}

// Unsubscribe removes a subscription.
func (c *Client) Unsubscribe(id channel.SubscriptionID) {
	c.reg.Remove(id)
}

// Swap replaces subscriptions in one step.
func (c *Client) Swap(remove []channel.SubscriptionID, add []channel.Subscription) []channel.SubscriptionID {
	return c.reg.Replace(remove, add)
}

// Send posts text, or media with text as its caption, to dest.
func (c *Client) Send(ctx context.Context, dest model.ChatRef, text string, media *channel.Media) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	api, err := c.client()
	if err != nil {
		return err
	}

	if media != nil && media.Kind == channel.MediaCopy {
		cfg := tgbotapi.NewCopyMessage(0, 0, media.MessageID)
		setTarget(&cfg.BaseChat, dest)
		if media.FromChat.IsNumeric() {
			cfg.FromChatID = media.FromChat.ID
		} else {
			cfg.FromChannelUsername = username(media.FromChat.Alias)
		}
		cfg.Caption = text
		if _, err := api.CopyMessage(cfg); err != nil {
			return mapError(fmt.Errorf("copy message: %w", err))
		}
		return nil
	}

	msg, err := outgoing(dest, text, media)
	if err != nil {
		return err
	}
	if _, err := api.Send(msg); err != nil {
		return mapError(fmt.Errorf("send message: %w", err))
	}
	return nil
}

// FetchMessage reads message id of chat. Returns nil, nil when it does not exist.
func (c *Client) FetchMessage(ctx context.Context, chat model.ChatRef, id int) (*channel.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.opts.Scratch == (model.ChatRef{}) {
		return nil, fmt.Errorf("fetch message %d from %s: no scratch chat: %w", id, chat, channel.ErrUnsupported)
	}

	api, err := c.client()
	if err != nil {
		return nil, err
	}

	fwd := tgbotapi.NewForward(0, 0, id)
	setTarget(&fwd.BaseChat, c.opts.Scratch)
	if chat.IsNumeric() {
		fwd.FromChatID = chat.ID
	} else {
		fwd.FromChannelUsername = username(chat.Alias)
	}

	got, err := api.Send(fwd)
	if err != nil {
		var tgErr *tgbotapi.Error
		if errors.As(err, &tgErr) && tgErr.Code == http.StatusBadRequest &&
			strings.Contains(strings.ToLower(tgErr.Message), "not found") {
			return nil, nil
		}
		return nil, mapError(fmt.Errorf("fetch message %d from %s: %w", id, chat, err))
	}

	del := tgbotapi.DeleteMessageConfig{MessageID: got.MessageID}
	if c.opts.Scratch.IsNumeric() {
		del.ChatID = c.opts.Scratch.ID
	} else {
		del.ChannelUsername = username(c.opts.Scratch.Alias)
	}
	if _, err := api.Request(del); err != nil {
		c.log.Warn("delete scratch copy", "message_id", got.MessageID, "error", err)
	}

	msg, ok := convert(&got)
	if !ok {
		return nil, nil
	}
	msg.ID = id
	msg.Chat = chat
	msg.ChatUsername = ""
	return &msg, nil
}

// Disconnect stops long polling. It is safe after Listen has returned.
func (c *Client) Disconnect() error {
	c.stopPolling()
	c.mu.Lock()
	c.api = nil
	c.mu.Unlock()
	return nil
}

func (c *Client) stopPolling() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.api == nil || c.stopped {
		return
	}
	c.api.StopReceivingUpdates()
	c.stopped = true
}

func drain(updates tgbotapi.UpdatesChannel) {
	for range updates {
	}
}

func convert(m *tgbotapi.Message) (channel.Message, bool) {
	msg := channel.Message{
		ID:   m.MessageID,
		Text: m.Text,
		Date: time.Unix(int64(m.Date), 0),
	}
	if m.Chat != nil {
		msg.Chat = model.ChatRef{ID: m.Chat.ID}
		msg.ChatUsername = m.Chat.UserName
	}

	media := func(kind channel.MediaKind, fileID string) *channel.Media {
		return &channel.Media{Kind: kind, FileID: fileID, FromChat: msg.Chat, MessageID: m.MessageID}
	}
	switch {
	case len(m.Photo) > 0:
		msg.Media = media(channel.MediaPhoto, m.Photo[len(m.Photo)-1].FileID)
	case m.Animation != nil:
		msg.Media = media(channel.MediaAnimation, m.Animation.FileID)
	case m.Video != nil:
		msg.Media = media(channel.MediaVideo, m.Video.FileID)
	case m.Document != nil:
		msg.Media = media(channel.MediaDocument, m.Document.FileID)
	case m.Audio != nil:
		msg.Media = media(channel.MediaAudio, m.Audio.FileID)
	case m.Voice != nil:
		msg.Media = media(channel.MediaVoice, m.Voice.FileID)
	case m.Sticker != nil:
		msg.Media = media(channel.MediaCopy, "")
	}
	if msg.Media != nil && msg.Text == "" {
		msg.Text = m.Caption
	}

	if msg.Text == "" && msg.Media == nil {
		return channel.Message{}, false
	}
	return msg, true
}

func outgoing(dest model.ChatRef, text string, media *channel.Media) (tgbotapi.Chattable, error) {
	if media == nil {
		cfg := tgbotapi.NewMessage(0, text)
		setTarget(&cfg.BaseChat, dest)
		return cfg, nil
	}

	file := tgbotapi.FileID(media.FileID)
	switch media.Kind {
	case channel.MediaPhoto:
		cfg := tgbotapi.NewPhoto(0, file)
		cfg.Caption = text
		setTarget(&cfg.BaseChat, dest)
		return cfg, nil
	case channel.MediaVideo:
		cfg := tgbotapi.NewVideo(0, file)
		cfg.Caption = text
		setTarget(&cfg.BaseChat, dest)
		return cfg, nil
	case channel.MediaDocument:
		cfg := tgbotapi.NewDocument(0, file)
		cfg.Caption = text
		setTarget(&cfg.BaseChat, dest)
		return cfg, nil
	case channel.MediaAnimation:
		cfg := tgbotapi.NewAnimation(0, file)
		cfg.Caption = text
		setTarget(&cfg.BaseChat, dest)
		return cfg, nil
	case channel.MediaAudio:
		cfg := tgbotapi.NewAudio(0, file)
		cfg.Caption = text
		setTarget(&cfg.BaseChat, dest)
		return cfg, nil
	case channel.MediaVoice:
		cfg := tgbotapi.NewVoice(0, file)
		cfg.Caption = text
		setTarget(&cfg.BaseChat, dest)
		return cfg, nil
	}
	return nil, fmt.Errorf("send %s: %w", media.Kind, channel.ErrUnsupported)
}

func setTarget(chat *tgbotapi.BaseChat, ref model.ChatRef) {
	if ref.IsNumeric() {
		chat.ChatID = ref.ID
		return
	}
	chat.ChannelUsername = username(ref.Alias)
}

func username(alias string) string {
	if strings.HasPrefix(alias, "@") {
		return alias
	}
	return "@" + alias
}

// mapError converts a flood-wait response into a channel.RateLimitError.
func mapError(err error) error {
	var tgErr *tgbotapi.Error
	if errors.As(err, &tgErr) && tgErr.RetryAfter > 0 {
		return &channel.RateLimitError{
			RetryAfter: time.Duration(tgErr.RetryAfter) * time.Second,
			Err:        err,
		}
	}
	return err
}
