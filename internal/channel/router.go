package channel

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"forward_bot/internal/model"
)

// Router splits one logical client across a primary chat client and a
// secondary client (such as feeds) selected per chat reference.
type Router struct {
	primary   Client
	secondary Client
	routes    func(model.ChatRef) bool

	mu   sync.Mutex
	next SubscriptionID
	subs map[SubscriptionID][2]SubscriptionID
}

// NewRouter sends every chat for which routes returns true to secondary and
// everything else to primary.
func NewRouter(primary, secondary Client, routes func(model.ChatRef) bool) *Router {
	return &Router{
		primary:   primary,
		secondary: secondary,
		routes:    routes,
		subs:      make(map[SubscriptionID][2]SubscriptionID),
	}
}

func (r *Router) pick(ref model.ChatRef) Client {
	if r.routes(ref) {
		return r.secondary
	}
	return r.primary
}

// Connect connects both clients.
func (r *Router) Connect(ctx context.Context) error {
	if err := r.primary.Connect(ctx); err != nil {
		return err
	}
	if err := r.secondary.Connect(ctx); err != nil {
		return fmt.Errorf("connect secondary: %w", err)
	}
	return nil
}

// IsAuthorized reports the primary client's authorization.
func (r *Router) IsAuthorized(ctx context.Context) (bool, error) {
	return r.primary.IsAuthorized(ctx)
}

// Listen runs both listeners until ctx is done or one fails.
func (r *Router) Listen(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.primary.Listen(ctx) })
	g.Go(func() error { return r.secondary.Listen(ctx) })
	return g.Wait()
}

// Subscribe installs h on whichever clients own the given chats.
func (r *Router) Subscribe(chats []model.ChatRef, h Handler) SubscriptionID {
	return r.Swap(nil, []Subscription{{Chats: chats, Handler: h}})[0]
}

// Unsubscribe removes the subscription from both clients.
func (r *Router) Unsubscribe(id SubscriptionID) {
	r.Swap([]SubscriptionID{id}, nil)
}

// Swap splits the change between both clients. Every chat belongs to exactly
// one of them, so each delivery still sees a single consistent set.
func (r *Router) Swap(remove []SubscriptionID, add []Subscription) []SubscriptionID {
	r.mu.Lock()
	defer r.mu.Unlock()

	var primaryRemove, secondaryRemove []SubscriptionID
	for _, id := range remove {
		ids, ok := r.subs[id]
		if !ok {
			continue
		}
		delete(r.subs, id)
		if ids[0] != 0 {
			primaryRemove = append(primaryRemove, ids[0])
		}
		if ids[1] != 0 {
			secondaryRemove = append(secondaryRemove, ids[1])
		}
	}

	var primaryAdd, secondaryAdd []Subscription
	var primaryAt, secondaryAt []int
	for i, s := range add {
		var primary, secondary []model.ChatRef
		for _, c := range s.Chats {
			if r.routes(c) {
				secondary = append(secondary, c)
			} else {
				primary = append(primary, c)
			}
		}
		if len(primary) > 0 {
			primaryAdd = append(primaryAdd, Subscription{Chats: primary, Handler: s.Handler})
			primaryAt = append(primaryAt, i)
		}
		if len(secondary) > 0 {
			secondaryAdd = append(secondaryAdd, Subscription{Chats: secondary, Handler: s.Handler})
			secondaryAt = append(secondaryAt, i)
		}
	}

	pairs := make([][2]SubscriptionID, len(add))
	for j, id := range r.primary.Swap(primaryRemove, primaryAdd) {
		pairs[primaryAt[j]][0] = id
	}
	for j, id := range r.secondary.Swap(secondaryRemove, secondaryAdd) {
		pairs[secondaryAt[j]][1] = id
	}

	out := make([]SubscriptionID, len(add))
	for i, p := range pairs {
		r.next++
		r.subs[r.next] = p
		out[i] = r.next
	}
	return out
}

// Send delivers through the client owning dest.
func (r *Router) Send(ctx context.Context, dest model.ChatRef, text string, media *Media) error {
	return r.pick(dest).Send(ctx, dest, text, media)
}

// FetchMessage reads from the client owning chat.
func (r *Router) FetchMessage(ctx context.Context, chat model.ChatRef, id int) (*Message, error) {
	return r.pick(chat).FetchMessage(ctx, chat, id)
}

// Disconnect disconnects both clients and returns the first error.
func (r *Router) Disconnect() error {
	err := r.primary.Disconnect()
	if serr := r.secondary.Disconnect(); err == nil {
		err = serr
	}
	return err
}
