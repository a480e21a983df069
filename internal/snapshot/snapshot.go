// Package snapshot loads a bot's active forwarding rules and detects when
// their content changes.
package snapshot

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash"
	"strconv"

	"forward_bot/internal/filter"
	"forward_bot/internal/model"
)

// RuleSource reads the active rules of a bot in persistence order.
type RuleSource interface {
	ListActiveRules(ctx context.Context, botID int64) ([]model.ForwardingRule, error)
}

// Snapshot remembers the fingerprint of the last rule set it returned.
// It is not safe for concurrent use.
type Snapshot struct {
	src         RuleSource
	botID       int64
	fingerprint string
	loaded      bool
}

// New creates a Snapshot for one bot.
func New(src RuleSource, botID int64) *Snapshot {
	return &Snapshot{src: src, botID: botID}
}

// Refresh loads the active rules and reports whether they differ from the
// previous call. The first successful call always reports a change. When
// changed is false the returned rules are nil.
func (s *Snapshot) Refresh(ctx context.Context) (bool, []filter.Rule, error) {
	rows, err := s.src.ListActiveRules(ctx, s.botID)
	if err != nil {
		return false, nil, fmt.Errorf("list active rules: %w", err)
	}

	fp := Fingerprint(rows)
	if s.loaded && fp == s.fingerprint {
		return false, nil, nil
	}
	s.loaded = true
	s.fingerprint = fp

	rules := make([]filter.Rule, 0, len(rows))
	for _, r := range rows {
		rules = append(rules, filter.Compile(r))
	}
	return true, rules, nil
}

// Fingerprint hashes every field of the ordered rules that affects matching,
// transformation or routing.
func Fingerprint(rules []model.ForwardingRule) string {
	h := sha256.New()
	for _, r := range rules {
		for _, f := range []string{
			strconv.FormatInt(r.ID, 10),
			r.Name,
			r.Source,
			r.Destination,
			r.BlockTerms,
			r.RequireTerms,
			r.FilterPattern,
			r.Replacement,
			strconv.FormatBool(r.LinkRewrite),
		} {
			writeField(h, f)
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

// writeField length-prefixes f so adjacent fields cannot run together.
func writeField(h hash.Hash, f string) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(f)))
	h.Write(n[:])
	h.Write([]byte(f))
}
