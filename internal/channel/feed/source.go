// Package feed implements a read-only channel.Client whose chats are
// RSS/Atom feed URLs.
package feed

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/mmcdole/gofeed"

	"forward_bot/internal/channel"
	"forward_bot/internal/chatref"
	"forward_bot/internal/model"
)

const descriptionLimit = 300

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Source polls subscribed feed URLs and delivers new entries as messages.
// The first poll of a feed only records the entries already present.
type Source struct {
	client   HTTPClient
	interval time.Duration
	timeout  time.Duration
	log      *slog.Logger
	reg      *channel.Registry

	mu     sync.Mutex
	seen   map[string]map[string]struct{}
	nextID int
}

// New creates a Source polling every interval.
func New(client HTTPClient, interval time.Duration, log *slog.Logger) *Source {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Source{
		client:   client,
		interval: interval,
		timeout:  30 * time.Second,
		log:      log,
		reg:      channel.NewRegistry(),
		seen:     make(map[string]map[string]struct{}),
	}
}

// Connect is a no-op; feeds need no session.
func (s *Source) Connect(context.Context) error { return nil }

// IsAuthorized always reports true.
func (s *Source) IsAuthorized(context.Context) (bool, error) { return true, nil }

// Disconnect is a no-op.
func (s *Source) Disconnect() error { return nil }

// Subscribe installs h for entries of the given feed URLs.
func (s *Source) Subscribe(chats []model.ChatRef, h channel.Handler) channel.SubscriptionID {
	return s.reg.Add(chats, h)
}

// Unsubscribe removes a subscription.
func (s *Source) Unsubscribe(id channel.SubscriptionID) {
	s.reg.Remove(id)
}

// Swap replaces subscriptions in one step.
func (s *Source) Swap(remove []channel.SubscriptionID, add []channel.Subscription) []channel.SubscriptionID {
	return s.reg.Replace(remove, add)
}

// Send always fails: feeds are read-only.
func (s *Source) Send(context.Context, model.ChatRef, string, *channel.Media) error {
	return channel.ErrReadOnly
}

// FetchMessage always fails: feed entries have no stable message ids.
func (s *Source) FetchMessage(context.Context, model.ChatRef, int) (*channel.Message, error) {
	return nil, channel.ErrUnsupported
}

// Listen polls until ctx is cancelled.
func (s *Source) Listen(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Poll(ctx)
		}
	}
}

// Poll checks every subscribed feed once and returns the number of
// delivered entries.
func (s *Source) Poll(ctx context.Context) int {
	delivered := 0
	for _, ref := range s.reg.Chats() {
		if ctx.Err() != nil {
			return delivered
		}
		if !chatref.IsFeedURL(ref) {
			continue
		}
		n, err := s.pollOne(ctx, ref)
		if err != nil {
			s.log.Error("poll feed", "url", ref.Alias, "error", err)
			continue
		}
		delivered += n
	}
	return delivered
}

func (s *Source) pollOne(ctx context.Context, ref model.ChatRef) (int, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	f, err := s.Fetch(fetchCtx, ref.Alias)
	if err != nil {
		return 0, err
	}

	items := oldestFirst(f.Items)

	s.mu.Lock()
	seen, primed := s.seen[ref.Alias]
	if !primed {
		seen = make(map[string]struct{}, len(items))
		s.seen[ref.Alias] = seen
	}
	var fresh []channel.Message
	for _, item := range items {
		guid := ItemGUID(item)
		if _, ok := seen[guid]; ok {
			continue
		}
		seen[guid] = struct{}{}
		if !primed {
			continue
		}
		s.nextID++
		fresh = append(fresh, toMessage(s.nextID, ref, item))
	}
	s.mu.Unlock()

	if !primed {
		s.log.Debug("feed primed", "url", ref.Alias, "entries", len(items))
	}
	for _, msg := range fresh {
		s.reg.Deliver(ctx, msg)
	}
	return len(fresh), nil
}

// Fetch downloads and parses a feed from the given URL.
func (s *Source) Fetch(ctx context.Context, url string) (*gofeed.Feed, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "ForwardBot/1.0")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 5*1024*1024))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	f, err := gofeed.NewParser().ParseString(string(body))
	if err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}
	return f, nil
}

// ItemGUID returns the GUID for a feed item.
// If the item has no GUID, a SHA-256 hash of title+link is used.
func ItemGUID(item *gofeed.Item) string {
	if item.GUID != "" {
		return item.GUID
	}
	h := sha256.Sum256([]byte(item.Title + "|" + item.Link))
	return fmt.Sprintf("sha256:%x", h[:16])
}

// oldestFirst orders items by publish date when every item has one and
// otherwise assumes the usual newest-first document order.
func oldestFirst(items []*gofeed.Item) []*gofeed.Item {
	out := slices.Clone(items)
	dated := true
	for _, it := range out {
		if it.PublishedParsed == nil {
			dated = false
			break
		}
	}
	if dated {
		slices.SortStableFunc(out, func(a, b *gofeed.Item) int {
			return a.PublishedParsed.Compare(*b.PublishedParsed)
		})
		return out
	}
	slices.Reverse(out)
	return out
}

func toMessage(id int, ref model.ChatRef, item *gofeed.Item) channel.Message {
	desc := strings.TrimSpace(item.Description)
	if r := []rune(desc); len(r) > descriptionLimit {
		desc = string(r[:descriptionLimit]) + "..."
	}

	var parts []string
	for _, p := range []string{strings.TrimSpace(item.Title), desc, item.Link} {
		if p != "" {
			parts = append(parts, p)
		}
	}

	msg := channel.Message{
		ID:   id,
		Chat: ref,
		Text: strings.Join(parts, "\n\n"),
	}
	if item.PublishedParsed != nil {
		msg.Date = *item.PublishedParsed
	}
	return msg
}
