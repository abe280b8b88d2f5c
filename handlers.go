package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/quartz"
)

/* ======================
   Request / Response Types
   ====================== */

type ProgressUpdateRequest struct {
	WalletKey string                 `json:"walletKey"`
	Fields    map[string]interface{} `json:"fields"`
}

type AchievementUnlockRequest struct {
	WalletKey     string                 `json:"walletKey"`
	AchievementID string                 `json:"achievementId"`
	Payload       map[string]interface{} `json:"payload,omitempty"`
}

type MilestoneUnlockRequest struct {
	WalletKey   string                 `json:"walletKey"`
	MilestoneID string                 `json:"milestoneId"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
}

type MemorySaveRequest struct {
	WalletKey string                 `json:"walletKey"`
	MemoryID  string                 `json:"memoryId"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

type CreditRequest struct {
	Amount      int64                  `json:"amount"`
	Type        string                 `json:"type"`
	Description string                 `json:"description"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

type SpendRequest struct {
	Amount      int64                  `json:"amount"`
	Description string                 `json:"description"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

type ReplyRequest struct {
	Persona string `json:"persona"`
	Prompt  string `json:"prompt"`
}

type leaderboardReader interface {
	Leaderboard(ctx context.Context, limit int) ([]leaderboardRow, error)
}

/* ======================
   Handlers
   ====================== */

func healthHandler(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			log.Println("health: database ping failed:", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}
}

func updateProgressHandler(coordinator *ProgressCoordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ProgressUpdateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, codeInvalidInput, "invalid request body")
			return
		}

		if err := coordinator.UpdateProgress(r.Context(), req.WalletKey, req.Fields); err != nil {
			if isValidationError(err) {
				writeError(w, http.StatusBadRequest, codeInvalidInput, "missing wallet key or fields")
				return
			}
			log.Println("progress update failed:", err)
			writeError(w, http.StatusInternalServerError, codeProgressUpdate, "failed to update progress")
			return
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success":   true,
			"walletKey": req.WalletKey,
		})
	}
}

func unlockAchievementHandler(coordinator *ProgressCoordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req AchievementUnlockRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, codeInvalidInput, "invalid request body")
			return
		}

		count, err := coordinator.AppendAchievement(r.Context(), req.WalletKey, req.AchievementID, req.Payload)
		if err != nil {
			writeUnlockError(w, err, codeAchievementUnlock, "failed to unlock achievement")
			return
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success":      true,
			"achievements": count,
		})
	}
}

func unlockMilestoneHandler(coordinator *ProgressCoordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req MilestoneUnlockRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, codeInvalidInput, "invalid request body")
			return
		}

		count, err := coordinator.AppendMilestone(r.Context(), req.WalletKey, req.MilestoneID, req.Payload)
		if err != nil {
			writeUnlockError(w, err, codeMilestoneUnlock, "failed to record milestone")
			return
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success":    true,
			"milestones": count,
		})
	}
}

func saveMemoryHandler(coordinator *ProgressCoordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req MemorySaveRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, codeInvalidInput, "invalid request body")
			return
		}

		count, err := coordinator.AppendMemory(r.Context(), req.WalletKey, req.MemoryID, req.Payload)
		if err != nil {
			writeUnlockError(w, err, codeMemorySave, "failed to save memory")
			return
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success":  true,
			"memories": count,
		})
	}
}

func writeUnlockError(w http.ResponseWriter, err error, code string, message string) {
	if isValidationError(err) {
		writeError(w, http.StatusBadRequest, codeInvalidInput, "missing wallet key or item id")
		return
	}
	log.Println(message+":", err)
	writeError(w, http.StatusInternalServerError, code, message)
}

func leaderboardHandler(store leaderboardReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parsePositiveInt(r.URL.Query().Get("limit"), 50)
		if limit > 100 {
			limit = 100
		}

		rows, err := store.Leaderboard(r.Context(), limit)
		if err != nil {
			log.Println("leaderboard read failed:", err)
			writeError(w, http.StatusInternalServerError, codeLeaderboardRead, "failed to read leaderboard")
			return
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"results": rows,
		})
	}
}

func creditHandler(registry *ledgerRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal := requestPrincipal(r)

		var req CreditRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, codeInvalidInput, "invalid request body")
			return
		}

		ledger, err := registry.ForWallet(r.Context(), principal.Subject)
		if err != nil {
			log.Println("ledger load failed:", err)
			writeError(w, http.StatusInternalServerError, codeLedgerError, "failed to load ledger")
			return
		}

		entry, err := ledger.Credit(r.Context(), req.Amount, req.Type, req.Description, req.Metadata)
		if err != nil {
			writeLedgerError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"balance": ledger.Balance(),
			"entry":   entry,
		})
	}
}

func spendHandler(registry *ledgerRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal := requestPrincipal(r)

		var req SpendRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, codeInvalidInput, "invalid request body")
			return
		}

		ledger, err := registry.ForWallet(r.Context(), principal.Subject)
		if err != nil {
			log.Println("ledger load failed:", err)
			writeError(w, http.StatusInternalServerError, codeLedgerError, "failed to load ledger")
			return
		}

		entry, err := ledger.Debit(r.Context(), req.Amount, req.Description, req.Metadata)
		if err != nil {
			writeLedgerError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"balance": ledger.Balance(),
			"entry":   entry,
		})
	}
}

func writeLedgerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errInsufficientErr):
		writeError(w, http.StatusBadRequest, codeInsufficient, "insufficient balance")
	case errors.Is(err, errInvalidAmount), errors.Is(err, errInvalidType):
		writeError(w, http.StatusBadRequest, codeInvalidInput, "invalid amount or entry type")
	default:
		log.Println("ledger mutation failed:", err)
		writeError(w, http.StatusInternalServerError, codeLedgerError, "ledger operation failed")
	}
}

func ledgerSummaryHandler(registry *ledgerRegistry, clock quartz.Clock) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal := requestPrincipal(r)

		ledger, err := registry.ForWallet(r.Context(), principal.Subject)
		if err != nil {
			log.Println("ledger load failed:", err)
			writeError(w, http.StatusInternalServerError, codeLedgerError, "failed to load ledger")
			return
		}

		now := clock.Now().UTC()
		earned, spent := ledger.Totals()
		dayEarned, daySpent := ledger.TotalsSince(now.Add(-24 * time.Hour))
		weekEarned, weekSpent := ledger.TotalsSince(now.Add(-7 * 24 * time.Hour))

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success":     true,
			"balance":     ledger.Balance(),
			"totalEarned": earned,
			"totalSpent":  spent,
			"byType":      ledger.TotalsByType(),
			"day":         map[string]int64{"earned": dayEarned, "spent": daySpent},
			"week":        map[string]int64{"earned": weekEarned, "spent": weekSpent},
		})
	}
}

func replyHandler(fallback *ReplyFallback) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ReplyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, codeInvalidInput, "invalid request body")
			return
		}
		if req.Prompt == "" {
			writeError(w, http.StatusBadRequest, codeInvalidInput, "missing prompt")
			return
		}

		result := fallback.GenerateReply(r.Context(), req.Persona, req.Prompt)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success":  true,
			"reply":    result.Text,
			"provider": result.Provider,
		})
	}
}

func parsePositiveInt(value string, fallback int) int {
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed < 1 {
		return fallback
	}
	return parsed
}
