package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"
)

// maxBatchWrites mirrors the platform write-count ceiling for a single
// atomic batch. Larger batches are split into ordered sub-batches, each
// committed on its own.
const maxBatchWrites = 500

const (
	collectionUsers       = "users"
	collectionLeaderboard = "leaderboard"
)

// Append-only lists co-located under one wallet key.
const (
	listAchievements = "achievements"
	listMilestones   = "milestones"
	listMemories     = "memories"
)

var errUnknownCollection = errors.New("UNKNOWN_COLLECTION")

// writeOp is one merge-upsert inside a batch: partial fields applied
// last-write-wins to the document identified by collection and key.
type writeOp struct {
	Collection string
	Key        string
	Fields     map[string]interface{}
}

// countTarget names a denormalized count column to overwrite with a
// recomputed list length.
type countTarget struct {
	Collection string
	Field      string
}

// leaderboardColumns maps projection field names to their columns. Also
// serves as the whitelist for dynamically built leaderboard SQL.
var leaderboardColumns = map[string]string{
	"totalScore":    "total_score",
	"achievements":  "achievements",
	"moonlings":     "moonlings",
	"starFragments": "star_fragments",
	"currentStreak": "current_streak",
	"lastActive":    "last_active",
}

var userCountColumns = map[string]string{
	listAchievements: "achievements",
	listMilestones:   "milestones",
	listMemories:     "memories",
}

type leaderboardRow struct {
	Rank          int       `json:"rank"`
	WalletKey     string    `json:"walletKey"`
	TotalScore    int64     `json:"totalScore"`
	Achievements  int       `json:"achievements"`
	Moonlings     int       `json:"moonlings"`
	StarFragments int64     `json:"starFragments"`
	CurrentStreak int       `json:"currentStreak"`
	LastActive    time.Time `json:"lastActive"`
}

type postgresStore struct {
	db *sql.DB
}

func newPostgresStore(db *sql.DB) *postgresStore {
	return &postgresStore{db: db}
}

func ensureSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS users (
			wallet_id TEXT PRIMARY KEY,
			doc JSONB NOT NULL DEFAULT '{}',
			achievements INT NOT NULL DEFAULT 0,
			milestones INT NOT NULL DEFAULT 0,
			memories INT NOT NULL DEFAULT 0,
			last_updated TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS leaderboard (
			wallet_id TEXT PRIMARY KEY,
			total_score BIGINT NOT NULL DEFAULT 0,
			achievements INT NOT NULL DEFAULT 0,
			moonlings INT NOT NULL DEFAULT 0,
			star_fragments BIGINT NOT NULL DEFAULT 0,
			current_streak INT NOT NULL DEFAULT 0,
			last_active TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_leaderboard_total_score
		ON leaderboard (total_score DESC);
	`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS user_achievements (
			wallet_id TEXT PRIMARY KEY,
			achievements JSONB NOT NULL DEFAULT '[]',
			milestones JSONB NOT NULL DEFAULT '[]',
			memories JSONB NOT NULL DEFAULT '[]'
		);
	`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS stardust_ledgers (
			wallet_id TEXT PRIMARY KEY,
			balance BIGINT NOT NULL,
			entries JSONB NOT NULL DEFAULT '[]',
			last_updated TIMESTAMPTZ NOT NULL
		);
	`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			token_hash TEXT PRIMARY KEY,
			wallet_id TEXT NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL
		);
	`)
	return err
}

/* ======================
   Batched merge writes
   ====================== */

// CommitBatch applies the ops as one atomic batch when they fit under the
// write ceiling, otherwise as ordered sub-batches committed sequentially.
// A sub-batch failure aborts the remainder; sub-batches already committed
// stay committed.
func (s *postgresStore) CommitBatch(ctx context.Context, ops []writeOp) error {
	return commitSplitBatches(ctx, ops, s.commitChunk)
}

// commitSplitBatches drives the sub-batch sequence: ordered, sequential,
// stop at the first failure. Committed prefixes stay committed.
func commitSplitBatches(ctx context.Context, ops []writeOp, commit func(context.Context, []writeOp) error) error {
	chunks := splitBatch(ops, maxBatchWrites)
	for i, chunk := range chunks {
		if err := commit(ctx, chunk); err != nil {
			log.Printf("progress batch: sub-batch %d/%d failed: %v", i+1, len(chunks), err)
			return fmt.Errorf("sub-batch %d/%d: %w", i+1, len(chunks), err)
		}
		if len(chunks) > 1 {
			log.Printf("progress batch: committed sub-batch %d/%d (%d writes)", i+1, len(chunks), len(chunk))
		}
	}
	return nil
}

func (s *postgresStore) commitChunk(ctx context.Context, ops []writeOp) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, op := range ops {
		if err := applyOp(ctx, tx, op); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func applyOp(ctx context.Context, tx *sql.Tx, op writeOp) error {
	switch op.Collection {
	case collectionUsers:
		doc, err := json.Marshal(op.Fields)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO users (wallet_id, doc, last_updated)
			VALUES ($1, $2, NOW())
			ON CONFLICT (wallet_id)
			DO UPDATE SET
				doc = users.doc || EXCLUDED.doc,
				last_updated = NOW()
		`, op.Key, doc)
		return err
	case collectionLeaderboard:
		return applyLeaderboardOp(ctx, tx, op)
	default:
		return fmt.Errorf("%w: %s", errUnknownCollection, op.Collection)
	}
}

// applyLeaderboardOp builds the upsert from whichever projection fields
// are present. Column names come from the whitelist, never the input.
func applyLeaderboardOp(ctx context.Context, tx *sql.Tx, op writeOp) error {
	columns := []string{"wallet_id"}
	placeholders := []string{"$1"}
	updates := []string{}
	args := []interface{}{op.Key}

	for field, column := range leaderboardColumns {
		value, ok := op.Fields[field]
		if !ok {
			continue
		}
		args = append(args, value)
		placeholder := fmt.Sprintf("$%d", len(args))
		columns = append(columns, column)
		placeholders = append(placeholders, placeholder)
		updates = append(updates, column+" = "+placeholder)
	}

	if len(updates) == 0 {
		return nil
	}

	query := fmt.Sprintf(`
		INSERT INTO leaderboard (%s)
		VALUES (%s)
		ON CONFLICT (wallet_id)
		DO UPDATE SET %s
	`, strings.Join(columns, ", "), strings.Join(placeholders, ", "), strings.Join(updates, ", "))

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// splitBatch chunks ops at the write ceiling, preserving order.
func splitBatch(ops []writeOp, max int) [][]writeOp {
	if len(ops) == 0 {
		return nil
	}
	var chunks [][]writeOp
	for len(ops) > max {
		chunks = append(chunks, ops[:max])
		ops = ops[max:]
	}
	return append(chunks, ops)
}

/* ======================
   Union appends
   ====================== */

// AppendUnion appends item to the named list under the wallet key and, in
// the same transaction, overwrites each count target with the recomputed
// list length. Running both in one transaction keeps the denormalized
// counts in step with the list even under concurrent appends; the row
// lock on user_achievements orders them.
func (s *postgresStore) AppendUnion(ctx context.Context, walletKey string, list string, item map[string]interface{}, targets []countTarget) (int, error) {
	if _, ok := userCountColumns[list]; !ok {
		return 0, fmt.Errorf("unknown list: %s", list)
	}

	encoded, err := json.Marshal([]interface{}{item})
	if err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO user_achievements (wallet_id)
		VALUES ($1)
		ON CONFLICT (wallet_id) DO NOTHING
	`, walletKey); err != nil {
		return 0, err
	}

	var length int
	query := fmt.Sprintf(`
		UPDATE user_achievements
		SET %s = %s || $2::jsonb
		WHERE wallet_id = $1
		RETURNING jsonb_array_length(%s)
	`, list, list, list)
	if err := tx.QueryRowContext(ctx, query, walletKey, encoded).Scan(&length); err != nil {
		return 0, err
	}

	for _, target := range targets {
		if err := applyCountTarget(ctx, tx, walletKey, target, length); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}

	return length, nil
}

func applyCountTarget(ctx context.Context, tx *sql.Tx, walletKey string, target countTarget, length int) error {
	switch target.Collection {
	case collectionUsers:
		column, ok := userCountColumns[target.Field]
		if !ok {
			return fmt.Errorf("unknown user count field: %s", target.Field)
		}
		query := fmt.Sprintf(`
			INSERT INTO users (wallet_id, %s, last_updated)
			VALUES ($1, $2, NOW())
			ON CONFLICT (wallet_id)
			DO UPDATE SET %s = $2, last_updated = NOW()
		`, column, column)
		_, err := tx.ExecContext(ctx, query, walletKey, length)
		return err
	case collectionLeaderboard:
		column, ok := leaderboardColumns[target.Field]
		if !ok {
			return fmt.Errorf("unknown leaderboard count field: %s", target.Field)
		}
		query := fmt.Sprintf(`
			INSERT INTO leaderboard (wallet_id, %s, last_active)
			VALUES ($1, $2, NOW())
			ON CONFLICT (wallet_id)
			DO UPDATE SET %s = $2, last_active = NOW()
		`, column, column)
		_, err := tx.ExecContext(ctx, query, walletKey, length)
		return err
	default:
		return fmt.Errorf("%w: %s", errUnknownCollection, target.Collection)
	}
}

/* ======================
   Reads
   ====================== */

// Leaderboard returns the top entries ordered by total score descending,
// ranked from 1.
func (s *postgresStore) Leaderboard(ctx context.Context, limit int) ([]leaderboardRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT
			ROW_NUMBER() OVER (ORDER BY total_score DESC, wallet_id ASC) AS rank,
			wallet_id,
			total_score,
			achievements,
			moonlings,
			star_fragments,
			current_streak,
			last_active
		FROM leaderboard
		ORDER BY total_score DESC, wallet_id ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []leaderboardRow{}
	for rows.Next() {
		var row leaderboardRow
		if err := rows.Scan(
			&row.Rank,
			&row.WalletKey,
			&row.TotalScore,
			&row.Achievements,
			&row.Moonlings,
			&row.StarFragments,
			&row.CurrentStreak,
			&row.LastActive,
		); err != nil {
			return nil, err
		}
		results = append(results, row)
	}
	return results, rows.Err()
}

/* ======================
   Ledger snapshots
   ====================== */

func (s *postgresStore) LoadLedger(ctx context.Context, walletKey string) (int64, []LedgerEntry, bool, error) {
	var balance int64
	var raw []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT balance, entries
		FROM stardust_ledgers
		WHERE wallet_id = $1
	`, walletKey).Scan(&balance, &raw)
	if err == sql.ErrNoRows {
		return 0, nil, false, nil
	}
	if err != nil {
		return 0, nil, false, err
	}

	var entries []LedgerEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return 0, nil, false, err
	}
	return balance, entries, true, nil
}

func (s *postgresStore) SaveLedger(ctx context.Context, walletKey string, balance int64, entries []LedgerEntry) error {
	encoded, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO stardust_ledgers (wallet_id, balance, entries, last_updated)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (wallet_id)
		DO UPDATE SET
			balance = EXCLUDED.balance,
			entries = EXCLUDED.entries,
			last_updated = NOW()
	`, walletKey, balance, encoded)
	return err
}
