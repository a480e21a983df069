package channel

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"forward_bot/internal/model"
)

func TestMatches(t *testing.T) {
	tests := []struct {
		name string
		ref  model.ChatRef
		msg  Message
		want bool
	}{
		{name: "numeric id", ref: model.ChatRef{ID: -100}, msg: Message{Chat: model.ChatRef{ID: -100}}, want: true},
		{name: "numeric id mismatch", ref: model.ChatRef{ID: -100}, msg: Message{Chat: model.ChatRef{ID: -101}}, want: false},
		{name: "username with at", ref: model.ChatRef{Alias: "@Deals"}, msg: Message{Chat: model.ChatRef{ID: 1}, ChatUsername: "deals"}, want: true},
		{name: "username without at", ref: model.ChatRef{Alias: "deals"}, msg: Message{Chat: model.ChatRef{ID: 1}, ChatUsername: "deals"}, want: true},
		{name: "alias chat", ref: model.ChatRef{Alias: "https://x/rss"}, msg: Message{Chat: model.ChatRef{Alias: "https://x/rss"}}, want: true},
		{name: "alias without username", ref: model.ChatRef{Alias: "@deals"}, msg: Message{Chat: model.ChatRef{ID: 1}}, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Matches(tt.ref, tt.msg); got != tt.want {
				t.Errorf("Matches() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRegistryDeliverInSubscriptionOrder(t *testing.T) {
	r := NewRegistry()
	var got []string
	r.Add([]model.ChatRef{{ID: 1}}, func(_ context.Context, _ Message) { got = append(got, "first") })
	r.Add([]model.ChatRef{{ID: 2}}, func(_ context.Context, _ Message) { got = append(got, "other") })
	r.Add([]model.ChatRef{{ID: 3}, {ID: 1}}, func(_ context.Context, _ Message) { got = append(got, "second") })

	n := r.Deliver(context.Background(), Message{Chat: model.ChatRef{ID: 1}})
	if n != 2 {
		t.Errorf("delivered to %d handlers, want 2", n)
	}
	if diff := cmp.Diff([]string{"first", "second"}, got); diff != "" {
		t.Errorf("delivery order mismatch (-want +got):\n%s", diff)
	}
}

func TestRegistryRemoveWaitsForInflightDelivery(t *testing.T) {
	r := NewRegistry()
	started := make(chan struct{})
	release := make(chan struct{})
	id := r.Add([]model.ChatRef{{ID: 1}}, func(_ context.Context, _ Message) {
		close(started)
		<-release
	})

	go r.Deliver(context.Background(), Message{Chat: model.ChatRef{ID: 1}})
	<-started

	removed := make(chan struct{})
	go func() {
		r.Remove(id)
		close(removed)
	}()

	select {
	case <-removed:
		t.Fatal("Remove returned while a delivery was in flight")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	<-removed

	if n := r.Deliver(context.Background(), Message{Chat: model.ChatRef{ID: 1}}); n != 0 {
		t.Errorf("delivered to %d handlers after removal, want 0", n)
	}
}

func TestRegistryChats(t *testing.T) {
	r := NewRegistry()
	r.Add([]model.ChatRef{{ID: 1}, {Alias: "a"}}, func(context.Context, Message) {})
	r.Add([]model.ChatRef{{ID: 1}}, func(context.Context, Message) {})
	if got := len(r.Chats()); got != 2 {
		t.Errorf("Chats() len = %d, want 2", got)
	}
	if got := r.Len(); got != 2 {
		t.Errorf("Len() = %d, want 2", got)
	}
}

type recordingClient struct {
	mu    sync.Mutex
	reg   *Registry
	sent  []model.ChatRef
	fetch []model.ChatRef
}

func newRecordingClient() *recordingClient { return &recordingClient{reg: NewRegistry()} }

func (c *recordingClient) Connect(context.Context) error              { return nil }
func (c *recordingClient) IsAuthorized(context.Context) (bool, error) { return true, nil }
func (c *recordingClient) Listen(ctx context.Context) error           { <-ctx.Done(); return nil }
func (c *recordingClient) Disconnect() error                          { return nil }

func (c *recordingClient) Swap(remove []SubscriptionID, add []Subscription) []SubscriptionID {
	return c.reg.Replace(remove, add)
}

func (c *recordingClient) Send(_ context.Context, dest model.ChatRef, _ string, _ *Media) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, dest)
	return nil
}

func (c *recordingClient) FetchMessage(_ context.Context, chat model.ChatRef, _ int) (*Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetch = append(c.fetch, chat)
	return nil, nil
}

func TestRouter(t *testing.T) {
	primary, secondary := newRecordingClient(), newRecordingClient()
	isFeed := func(ref model.ChatRef) bool { return ref.Alias == "feed" }
	r := NewRouter(primary, secondary, isFeed)

	id := r.Subscribe([]model.ChatRef{{ID: 1}, {Alias: "feed"}}, func(context.Context, Message) {})
	if primary.reg.Len() != 1 || secondary.reg.Len() != 1 {
		t.Fatalf("subscriptions = %d/%d, want 1/1", primary.reg.Len(), secondary.reg.Len())
	}

	ctx := context.Background()
	_ = r.Send(ctx, model.ChatRef{ID: 9}, "x", nil)
	_, _ = r.FetchMessage(ctx, model.ChatRef{Alias: "feed"}, 1)
	if diff := cmp.Diff([]model.ChatRef{{ID: 9}}, primary.sent); diff != "" {
		t.Errorf("primary sends mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]model.ChatRef{{Alias: "feed"}}, secondary.fetch); diff != "" {
		t.Errorf("secondary fetches mismatch (-want +got):\n%s", diff)
	}

	r.Unsubscribe(id)
	if primary.reg.Len() != 0 || secondary.reg.Len() != 0 {
		t.Errorf("subscriptions after unsubscribe = %d/%d, want 0/0", primary.reg.Len(), secondary.reg.Len())
	}
}

func TestRegistryReplaceIsAtomic(t *testing.T) {
	r := NewRegistry()
	chat := []model.ChatRef{{ID: 100}}

	// Handlers only run on the delivering goroutine, so seen needs no lock.
	var seen []string
	named := func(name string) Subscription {
		return Subscription{Chats: chat, Handler: func(context.Context, Message) { seen = append(seen, name) }}
	}
	old := r.Replace(nil, []Subscription{named("old-1"), named("old-2")})

	swapped := make(chan struct{})
	go func() {
		time.Sleep(5 * time.Millisecond)
		r.Replace(old, []Subscription{named("new-1"), named("new-2")})
		close(swapped)
	}()

	valid := map[string]bool{"old-1,old-2": true, "new-1,new-2": true}
	msg := Message{Chat: model.ChatRef{ID: 100}}
	for done := false; !done; {
		select {
		case <-swapped:
			done = true
		default:
		}
		seen = seen[:0]
		r.Deliver(context.Background(), msg)
		if got := strings.Join(seen, ","); !valid[got] {
			t.Fatalf("delivery saw a partial set: %s", got)
		}
	}

	seen = seen[:0]
	r.Deliver(context.Background(), msg)
	if diff := cmp.Diff([]string{"new-1", "new-2"}, seen); diff != "" {
		t.Errorf("after replace (-want +got):\n%s", diff)
	}
	if r.Len() != 2 {
		t.Errorf("Len() = %d, want 2", r.Len())
	}
}

func TestRouterSwap(t *testing.T) {
	primary, secondary := newRecordingClient(), newRecordingClient()
	isFeed := func(ref model.ChatRef) bool { return ref.Alias == "feed" }
	r := NewRouter(primary, secondary, isFeed)

	noop := func(context.Context, Message) {}
	ids := r.Swap(nil, []Subscription{
		{Chats: []model.ChatRef{{ID: 1}}, Handler: noop},
		{Chats: []model.ChatRef{{Alias: "feed"}}, Handler: noop},
		{Chats: []model.ChatRef{{ID: 2}, {Alias: "feed"}}, Handler: noop},
	})
	if len(ids) != 3 {
		t.Fatalf("got %d ids, want 3", len(ids))
	}
	if primary.reg.Len() != 2 || secondary.reg.Len() != 2 {
		t.Fatalf("subscriptions = %d/%d, want 2/2", primary.reg.Len(), secondary.reg.Len())
	}

	var got []string
	next := r.Swap(ids, []Subscription{{
		Chats:   []model.ChatRef{{ID: 1}},
		Handler: func(context.Context, Message) { got = append(got, "replacement") },
	}})
	if len(next) != 1 {
		t.Fatalf("got %d ids, want 1", len(next))
	}
	if primary.reg.Len() != 1 || secondary.reg.Len() != 0 {
		t.Fatalf("subscriptions after swap = %d/%d, want 1/0", primary.reg.Len(), secondary.reg.Len())
	}
	primary.reg.Deliver(context.Background(), Message{Chat: model.ChatRef{ID: 1}})
	if diff := cmp.Diff([]string{"replacement"}, got); diff != "" {
		t.Errorf("delivered mismatch (-want +got):\n%s", diff)
	}
}
