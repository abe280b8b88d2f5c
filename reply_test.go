package main

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	name  string
	text  string
	err   error
	calls int
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Complete(_ context.Context, _ string, _ string) (string, error) {
	f.calls++
	return f.text, f.err
}

func TestGenerateReplyFirstProviderWins(t *testing.T) {
	t.Parallel()

	primary := &fakeProvider{name: "primary", text: "hello from primary"}
	backup := &fakeProvider{name: "backup", text: "hello from backup"}
	fallback := NewReplyFallback(primary, backup)

	result := fallback.GenerateReply(context.Background(), "luna", "hi")
	assert.Equal(t, "hello from primary", result.Text)
	assert.Equal(t, "primary", result.Provider)
	assert.Equal(t, 1, primary.calls)
	assert.Zero(t, backup.calls)
}

func TestGenerateReplyFallsThroughInOrder(t *testing.T) {
	t.Parallel()

	primary := &fakeProvider{name: "primary", err: errors.New("timeout")}
	backup := &fakeProvider{name: "backup", text: "hello from backup"}
	fallback := NewReplyFallback(primary, backup)

	result := fallback.GenerateReply(context.Background(), "luna", "hi")
	assert.Equal(t, "hello from backup", result.Text)
	assert.Equal(t, "backup", result.Provider)
	assert.Equal(t, 1, primary.calls)
	assert.Equal(t, 1, backup.calls)
}

func TestGenerateReplyCannedOnExhaustion(t *testing.T) {
	t.Parallel()

	primary := &fakeProvider{name: "primary", err: errors.New("timeout")}
	backup := &fakeProvider{name: "backup", err: errors.New("quota")}
	fallback := NewReplyFallback(primary, backup)

	result := fallback.GenerateReply(context.Background(), "nova", "hi")
	assert.Equal(t, "canned", result.Provider)
	assert.Equal(t, cannedReplies["nova"], result.Text)
}

func TestGenerateReplyNoProvidersConfigured(t *testing.T) {
	t.Parallel()

	fallback := NewReplyFallback()
	result := fallback.GenerateReply(context.Background(), "luna", "hi")
	assert.Equal(t, "canned", result.Provider)
	assert.NotEmpty(t, result.Text)
}

func TestCannedReply(t *testing.T) {
	t.Parallel()

	for persona := range cannedReplies {
		assert.NotEmpty(t, cannedReply(persona))
	}
	require.Contains(t, cannedReplies, "default")
	assert.Equal(t, cannedReplies["default"], cannedReply("unknown-persona"))
}
