package channel

import (
	"context"
	"slices"
	"strings"
	"sync"

	"forward_bot/internal/model"
)

// Registry keeps the installed subscriptions of one client.
//
// Deliver holds the read lock while handlers run, so Remove and Replace block
// until in-flight deliveries have finished and no event can reach a removed
// handler.
type Registry struct {
	mu   sync.RWMutex
	next SubscriptionID
	subs map[SubscriptionID]Subscription
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{subs: make(map[SubscriptionID]Subscription)}
}

// Add installs h for the given chats.
func (r *Registry) Add(chats []model.ChatRef, h Handler) SubscriptionID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.add(Subscription{Chats: chats, Handler: h})
}

func (r *Registry) add(s Subscription) SubscriptionID {
	r.next++
	r.subs[r.next] = Subscription{Chats: slices.Clone(s.Chats), Handler: s.Handler}
	return r.next
}

// Remove uninstalls a subscription. Unknown ids are ignored.
func (r *Registry) Remove(id SubscriptionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subs, id)
}

// Replace removes and installs subscriptions under one lock, so a delivery
// sees either the whole old set or the whole new one. It returns the ids of
// add in order.
func (r *Registry) Replace(remove []SubscriptionID, add []Subscription) []SubscriptionID {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range remove {
		delete(r.subs, id)
	}
	ids := make([]SubscriptionID, len(add))
	for i, s := range add {
		ids[i] = r.add(s)
	}
	return ids
}

// Len returns the number of installed subscriptions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// Chats returns the distinct chats with at least one subscription.
func (r *Registry) Chats() []model.ChatRef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[model.ChatRef]bool)
	var out []model.ChatRef
	for _, s := range r.subs {
		for _, c := range s.Chats {
			if !seen[c] {
				seen[c] = true
				out = append(out, c)
			}
		}
	}
	return out
}

// Deliver invokes every handler subscribed to the message's chat, in
// subscription order, and returns how many ran.
func (r *Registry) Deliver(ctx context.Context, msg Message) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]SubscriptionID, 0, len(r.subs))
	for id := range r.subs {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	n := 0
	for _, id := range ids {
		s := r.subs[id]
		for _, c := range s.Chats {
			if Matches(c, msg) {
				s.Handler(ctx, msg)
				n++
				break
			}
		}
	}
	return n
}

// Matches reports whether ref addresses the chat a message came from.
func Matches(ref model.ChatRef, msg Message) bool {
	if ref.IsNumeric() {
		return msg.Chat.IsNumeric() && ref.ID == msg.Chat.ID
	}
	if !msg.Chat.IsNumeric() && strings.EqualFold(ref.Alias, msg.Chat.Alias) {
		return true
	}
	if msg.ChatUsername == "" {
		return false
	}
	alias := strings.TrimPrefix(ref.Alias, "@")
	return strings.EqualFold(alias, msg.ChatUsername)
}
