// Package chatref normalizes user-supplied chat references.
package chatref

import (
	"strconv"
	"strings"

	"forward_bot/internal/model"
)

// Parse resolves a single token. Signed integers become numeric chat ids;
// any other token is kept verbatim as an alias.
func Parse(token string) model.ChatRef {
	token = strings.TrimSpace(token)
	if id, err := strconv.ParseInt(token, 10, 64); err == nil {
		return model.ChatRef{ID: id}
	}
	return model.ChatRef{Alias: token}
}

// ParseList splits raw on commas and resolves every non-empty item in order.
// Empty input yields an empty list.
func ParseList(raw string) []model.ChatRef {
	refs := []model.ChatRef{}
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		refs = append(refs, Parse(item))
	}
	return refs
}

// IsFeedURL reports whether ref points at an RSS/Atom feed rather than a chat.
func IsFeedURL(ref model.ChatRef) bool {
	a := strings.ToLower(ref.Alias)
	return strings.HasPrefix(a, "http://") || strings.HasPrefix(a, "https://")
}
