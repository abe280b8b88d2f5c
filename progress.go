package main

import (
	"context"
	"errors"
	"time"

	"github.com/coder/quartz"
)

var (
	errMissingWalletKey = errors.New("MISSING_WALLET_KEY")
	errMissingItemID    = errors.New("MISSING_ITEM_ID")
	errInvalidPayload   = errors.New("INVALID_PAYLOAD")
)

// Score-bearing fields: when any of these appear in a progress update,
// the leaderboard projection is refreshed alongside the user document.
var scoreBearingFields = map[string]bool{
	"totalScore":    true,
	"achievements":  true,
	"moonlings":     true,
	"starFragments": true,
	"currentStreak": true,
}

// progressStore is the persistence boundary the coordinator writes
// through.
type progressStore interface {
	CommitBatch(ctx context.Context, ops []writeOp) error
	AppendUnion(ctx context.Context, walletKey string, list string, item map[string]interface{}, targets []countTarget) (int, error)
}

// ProgressCoordinator derives and writes the denormalized progress
// documents for one wallet key: the user document, the leaderboard
// projection, and the three append-only unlock lists.
type ProgressCoordinator struct {
	store progressStore
	clock quartz.Clock
}

func NewProgressCoordinator(store progressStore, clock quartz.Clock) *ProgressCoordinator {
	return &ProgressCoordinator{store: store, clock: clock}
}

// UpdateProgress merges partial fields into the user document,
// last-write-wins per field. When a score-bearing field is present the
// derived leaderboard projection is written in the same batch. Calling
// twice with the same payload lands in the same final state.
func (c *ProgressCoordinator) UpdateProgress(ctx context.Context, walletKey string, fields map[string]interface{}) error {
	if !isValidWalletKey(walletKey) {
		return errMissingWalletKey
	}
	if fields == nil {
		return errInvalidPayload
	}

	ops := []writeOp{{
		Collection: collectionUsers,
		Key:        walletKey,
		Fields:     fields,
	}}

	if projection := leaderboardProjection(fields, c.clock.Now()); projection != nil {
		ops = append(ops, writeOp{
			Collection: collectionLeaderboard,
			Key:        walletKey,
			Fields:     projection,
		})
	}

	return c.store.CommitBatch(ctx, ops)
}

// leaderboardProjection extracts the ranking-relevant fields, or nil when
// the update carries none.
func leaderboardProjection(fields map[string]interface{}, now time.Time) map[string]interface{} {
	projection := map[string]interface{}{}
	for field := range scoreBearingFields {
		if value, ok := fields[field]; ok {
			projection[field] = value
		}
	}
	if len(projection) == 0 {
		return nil
	}
	projection["lastActive"] = now.UTC()
	return projection
}

// AppendAchievement appends the unlock to the wallet's achievement list
// and recomputes the denormalized counts on both the user document and
// the leaderboard projection. The count is recomputed from the list, not
// incremented, so a retried append cannot drift it.
//
// Appends are not deduplicated by id: a client retry after a timeout can
// land the same achievement twice. Whether that warrants an idempotency
// key is still an open product decision.
func (c *ProgressCoordinator) AppendAchievement(ctx context.Context, walletKey string, achievementID string, payload map[string]interface{}) (int, error) {
	return c.appendUnlock(ctx, walletKey, listAchievements, achievementID, payload, []countTarget{
		{Collection: collectionUsers, Field: listAchievements},
		{Collection: collectionLeaderboard, Field: listAchievements},
	})
}

// AppendMilestone is the milestone analogue of AppendAchievement;
// milestones only count on the user document.
func (c *ProgressCoordinator) AppendMilestone(ctx context.Context, walletKey string, milestoneID string, payload map[string]interface{}) (int, error) {
	return c.appendUnlock(ctx, walletKey, listMilestones, milestoneID, payload, []countTarget{
		{Collection: collectionUsers, Field: listMilestones},
	})
}

// AppendMemory is the memory analogue of AppendAchievement.
func (c *ProgressCoordinator) AppendMemory(ctx context.Context, walletKey string, memoryID string, payload map[string]interface{}) (int, error) {
	return c.appendUnlock(ctx, walletKey, listMemories, memoryID, payload, []countTarget{
		{Collection: collectionUsers, Field: listMemories},
	})
}

func (c *ProgressCoordinator) appendUnlock(ctx context.Context, walletKey string, list string, itemID string, payload map[string]interface{}, targets []countTarget) (int, error) {
	if !isValidWalletKey(walletKey) {
		return 0, errMissingWalletKey
	}
	if itemID == "" {
		return 0, errMissingItemID
	}

	// Payload fields are spread over the base item, so a payload may
	// override id or unlockedAt. That matches the historical merge order.
	item := map[string]interface{}{
		"id":         itemID,
		"unlockedAt": c.clock.Now().UTC(),
	}
	for key, value := range payload {
		item[key] = value
	}

	return c.store.AppendUnion(ctx, walletKey, list, item, targets)
}

// isValidationError reports whether the coordinator rejected the input
// before any write was attempted.
func isValidationError(err error) bool {
	return errors.Is(err, errMissingWalletKey) ||
		errors.Is(err, errMissingItemID) ||
		errors.Is(err, errInvalidPayload)
}
