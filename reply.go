package main

import (
	"context"
	"log"
)

// ReplyProvider is one upstream completion backend. Complete returns the
// reply text or an error; errors are treated as provider failure and the
// next provider in order is tried.
type ReplyProvider interface {
	Name() string
	Complete(ctx context.Context, persona string, prompt string) (string, error)
}

// ReplyResult tags where a reply came from: the named provider, or
// "canned" when every provider failed.
type ReplyResult struct {
	Text     string `json:"text"`
	Provider string `json:"provider"`
}

// cannedReplies is the static per-persona fallback table. A static
// lookup, not runtime interpolation, so the whole surface is
// exhaustively testable.
var cannedReplies = map[string]string{
	"luna":    "The stars are quiet tonight... tell me again in a moment?",
	"nova":    "My circuits are recharging! Ask me once more soon.",
	"stella":  "I drifted off watching the fragments fall. One more time?",
	"default": "Your moonling is stargazing right now. Try again shortly.",
}

func cannedReply(persona string) string {
	if reply, ok := cannedReplies[persona]; ok {
		return reply
	}
	return cannedReplies["default"]
}

// ReplyFallback tries an ordered list of providers and falls back to the
// canned table on total exhaustion. It never returns an error: a reply
// always comes back.
type ReplyFallback struct {
	providers []ReplyProvider
}

func NewReplyFallback(providers ...ReplyProvider) *ReplyFallback {
	return &ReplyFallback{providers: providers}
}

func (f *ReplyFallback) GenerateReply(ctx context.Context, persona string, prompt string) ReplyResult {
	for _, provider := range f.providers {
		text, err := provider.Complete(ctx, persona, prompt)
		if err != nil {
			log.Printf("reply provider %s failed: %v", provider.Name(), err)
			continue
		}
		return ReplyResult{Text: text, Provider: provider.Name()}
	}
	return ReplyResult{Text: cannedReply(persona), Provider: "canned"}
}
