package main

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommitSplitBatchesStopsAtFirstFailure(t *testing.T) {
	t.Parallel()

	ops := make([]writeOp, 1200)
	for i := range ops {
		ops[i] = writeOp{Collection: collectionUsers, Key: "w", Fields: map[string]interface{}{"i": i}}
	}

	boom := errors.New("connection reset")
	attempts := 0
	var committed [][]writeOp
	commit := func(_ context.Context, chunk []writeOp) error {
		attempts++
		if attempts == 2 {
			return boom
		}
		committed = append(committed, chunk)
		return nil
	}

	err := commitSplitBatches(context.Background(), ops, commit)
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "sub-batch 2/3")

	// The first sub-batch stays committed; the third was never attempted.
	assert.Equal(t, 2, attempts)
	require.Len(t, committed, 1)
	assert.Len(t, committed[0], maxBatchWrites)
	assert.Equal(t, 0, committed[0][0].Fields["i"])
	assert.Equal(t, maxBatchWrites-1, committed[0][maxBatchWrites-1].Fields["i"])
}

func TestCommitSplitBatchesSingleChunk(t *testing.T) {
	t.Parallel()

	ops := []writeOp{{Collection: collectionUsers, Key: "w", Fields: map[string]interface{}{"x": 1}}}
	calls := 0
	err := commitSplitBatches(context.Background(), ops, func(_ context.Context, chunk []writeOp) error {
		calls++
		assert.Len(t, chunk, 1)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}
