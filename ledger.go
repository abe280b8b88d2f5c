package main

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"
)

// The log keeps this many entries, newest first. The balance is tracked
// independently, so trimming never changes it; older entries just fall
// out of audit coverage.
const maxLedgerEntries = 1000

const (
	entryTypeEarn        = "earn"
	entryTypeSpend       = "spend"
	entryTypeReward      = "reward"
	entryTypeAchievement = "achievement"
	entryTypeDiscovery   = "discovery"
)

var creditEntryTypes = map[string]bool{
	entryTypeEarn:        true,
	entryTypeReward:      true,
	entryTypeAchievement: true,
	entryTypeDiscovery:   true,
}

var (
	errInvalidAmount   = errors.New("INVALID_AMOUNT")
	errInvalidType     = errors.New("INVALID_ENTRY_TYPE")
	errInsufficientErr = errors.New("INSUFFICIENT_BALANCE")
)

// LedgerEntry is one immutable record of a balance-affecting event.
// Amounts are signed: spends are recorded negative.
type LedgerEntry struct {
	ID           string                 `json:"id"`
	Type         string                 `json:"type"`
	Amount       int64                  `json:"amount"`
	BalanceAfter int64                  `json:"balanceAfter"`
	Timestamp    time.Time              `json:"timestamp"`
	Description  string                 `json:"description"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// ledgerPersister stores the snapshot after each mutation.
type ledgerPersister interface {
	SaveLedger(ctx context.Context, walletKey string, balance int64, entries []LedgerEntry) error
}

// LedgerSubscriber receives the balance and full transaction list after
// every mutation, synchronously.
type LedgerSubscriber func(balance int64, entries []LedgerEntry)

// Ledger holds one wallet's stardust balance plus the capped,
// newest-first transaction log. The balance is the source of truth at all
// times: it equals the initial endowment plus the sum of every entry ever
// appended, and is never recomputed from the (trimmed) log.
type Ledger struct {
	mu        sync.Mutex
	walletKey string
	balance   int64
	entries   []LedgerEntry

	// saveMu serializes persist and subscriber notification in mutation
	// order. It is acquired before mu is released, so a slower save can
	// never be overtaken by a later mutation's snapshot.
	saveMu sync.Mutex

	clock quartz.Clock
	store ledgerPersister
	subs  []LedgerSubscriber
}

func NewLedger(walletKey string, initialBalance int64, clock quartz.Clock, store ledgerPersister) *Ledger {
	return &Ledger{
		walletKey: walletKey,
		balance:   initialBalance,
		clock:     clock,
		store:     store,
	}
}

// restoreLedger rebuilds a ledger from a persisted snapshot.
func restoreLedger(walletKey string, balance int64, entries []LedgerEntry, clock quartz.Clock, store ledgerPersister) *Ledger {
	return &Ledger{
		walletKey: walletKey,
		balance:   balance,
		entries:   entries,
		clock:     clock,
		store:     store,
	}
}

// Credit adds stardust to the balance and prepends a log entry. Amounts
// must be positive and the type must be one of the earning kinds.
func (l *Ledger) Credit(ctx context.Context, amount int64, entryType string, description string, metadata map[string]interface{}) (LedgerEntry, error) {
	if amount <= 0 {
		return LedgerEntry{}, errInvalidAmount
	}
	if !creditEntryTypes[entryType] {
		return LedgerEntry{}, errInvalidType
	}
	return l.apply(ctx, amount, entryType, description, metadata)
}

// Debit removes stardust. Rejected when the amount is non-positive or
// exceeds the current balance; the balance never goes negative.
func (l *Ledger) Debit(ctx context.Context, amount int64, description string, metadata map[string]interface{}) (LedgerEntry, error) {
	if amount <= 0 {
		return LedgerEntry{}, errInvalidAmount
	}
	return l.apply(ctx, -amount, entryTypeSpend, description, metadata)
}

func (l *Ledger) apply(ctx context.Context, amount int64, entryType string, description string, metadata map[string]interface{}) (LedgerEntry, error) {
	l.mu.Lock()

	if amount < 0 && l.balance+amount < 0 {
		l.mu.Unlock()
		return LedgerEntry{}, errInsufficientErr
	}

	l.balance += amount
	entry := LedgerEntry{
		ID:           uuid.NewString(),
		Type:         entryType,
		Amount:       amount,
		BalanceAfter: l.balance,
		Timestamp:    l.clock.Now().UTC(),
		Description:  description,
		Metadata:     metadata,
	}

	l.entries = append([]LedgerEntry{entry}, l.entries...)
	if len(l.entries) > maxLedgerEntries {
		l.entries = l.entries[:maxLedgerEntries]
	}

	balance := l.balance
	snapshot := make([]LedgerEntry, len(l.entries))
	copy(snapshot, l.entries)
	subs := make([]LedgerSubscriber, len(l.subs))
	copy(subs, l.subs)
	l.saveMu.Lock()
	l.mu.Unlock()
	defer l.saveMu.Unlock()

	// In-memory state is the source of truth; a failed snapshot write is
	// logged and retried implicitly on the next mutation.
	if err := l.store.SaveLedger(ctx, l.walletKey, balance, snapshot); err != nil {
		log.Println("ledger persist failed:", err)
	}

	for _, sub := range subs {
		sub(balance, snapshot)
	}

	return entry, nil
}

// CanAfford is a pure check against the current balance.
func (l *Ledger) CanAfford(cost int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return cost >= 0 && l.balance >= cost
}

func (l *Ledger) Balance() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balance
}

// Entries returns a copy of the log, newest first.
func (l *Ledger) Entries() []LedgerEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	snapshot := make([]LedgerEntry, len(l.entries))
	copy(snapshot, l.entries)
	return snapshot
}

// Subscribe registers a callback invoked synchronously after every
// mutation, with the balance and full transaction list.
func (l *Ledger) Subscribe(sub LedgerSubscriber) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.subs = append(l.subs, sub)
}

/* ======================
   Derived queries
   ====================== */

// Totals partitions the log by sign: earned is the sum of positive
// amounts, spent the absolute sum of negative ones. Reporting only; the
// log's coverage ends at the trim boundary.
func (l *Ledger) Totals() (earned int64, spent int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, entry := range l.entries {
		if entry.Amount > 0 {
			earned += entry.Amount
		} else {
			spent += -entry.Amount
		}
	}
	return earned, spent
}

// TotalsByType sums signed amounts per entry type.
func (l *Ledger) TotalsByType() map[string]int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	totals := map[string]int64{}
	for _, entry := range l.entries {
		totals[entry.Type] += entry.Amount
	}
	return totals
}

// TotalsSince partitions the log like Totals, restricted to entries at or
// after the cutoff.
func (l *Ledger) TotalsSince(cutoff time.Time) (earned int64, spent int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, entry := range l.entries {
		if entry.Timestamp.Before(cutoff) {
			continue
		}
		if entry.Amount > 0 {
			earned += entry.Amount
		} else {
			spent += -entry.Amount
		}
	}
	return earned, spent
}

/* ======================
   Per-wallet registry
   ====================== */

// ledgerLoader extends the persister with snapshot reads, used when a
// wallet's ledger first enters memory.
type ledgerLoader interface {
	ledgerPersister
	LoadLedger(ctx context.Context, walletKey string) (int64, []LedgerEntry, bool, error)
}

// ledgerRegistry hands out one in-process Ledger per wallet key, loading
// the persisted snapshot on first use and endowing fresh wallets with the
// configured initial balance.
type ledgerRegistry struct {
	mu      sync.Mutex
	ledgers map[string]*Ledger

	initialBalance int64
	clock          quartz.Clock
	store          ledgerLoader
}

func newLedgerRegistry(initialBalance int64, clock quartz.Clock, store ledgerLoader) *ledgerRegistry {
	return &ledgerRegistry{
		ledgers:        make(map[string]*Ledger),
		initialBalance: initialBalance,
		clock:          clock,
		store:          store,
	}
}

func (r *ledgerRegistry) ForWallet(ctx context.Context, walletKey string) (*Ledger, error) {
	r.mu.Lock()
	if ledger, ok := r.ledgers[walletKey]; ok {
		r.mu.Unlock()
		return ledger, nil
	}
	r.mu.Unlock()

	balance, entries, found, err := r.store.LoadLedger(ctx, walletKey)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if ledger, ok := r.ledgers[walletKey]; ok {
		return ledger, nil
	}

	var ledger *Ledger
	if found {
		ledger = restoreLedger(walletKey, balance, entries, r.clock, r.store)
	} else {
		ledger = NewLedger(walletKey, r.initialBalance, r.clock, r.store)
	}
	r.ledgers[walletKey] = ledger
	return ledger, nil
}
