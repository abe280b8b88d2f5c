package main

import (
	"encoding/json"
	"log"
	"net/http"
)

// Stable machine codes carried in the error envelope. Clients switch on
// these; the human-readable string may change between releases.
const (
	codeInvalidInput      = "INVALID_INPUT"
	codeAuthRequired      = "AUTH_REQUIRED"
	codeInvalidToken      = "INVALID_TOKEN"
	codeAuthServiceError  = "AUTH_SERVICE_ERROR"
	codeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
	codeProgressUpdate    = "PROGRESS_UPDATE_ERROR"
	codeLeaderboardRead   = "LEADERBOARD_READ_ERROR"
	codeAchievementUnlock = "ACHIEVEMENT_UNLOCK_ERROR"
	codeMilestoneUnlock   = "MILESTONE_UNLOCK_ERROR"
	codeMemorySave        = "MEMORY_SAVE_ERROR"
	codeLedgerError       = "LEDGER_ERROR"
	codeInsufficient      = "INSUFFICIENT_BALANCE"
	codeNotFound          = "NOT_FOUND"
)

type errorEnvelope struct {
	Success    bool   `json:"success"`
	Error      string `json:"error"`
	Code       string `json:"code"`
	RetryAfter int    `json:"retryAfter,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Println("response encode failed:", err)
	}
}

// writeError emits the failure envelope. Internal detail stays in the
// server log; the body carries only the short message and machine code.
func writeError(w http.ResponseWriter, status int, code string, message string) {
	writeJSON(w, status, errorEnvelope{Success: false, Error: message, Code: code})
}

func writeRateLimited(w http.ResponseWriter, retryAfter int) {
	writeJSON(w, http.StatusTooManyRequests, errorEnvelope{
		Success:    false,
		Error:      "too many requests",
		Code:       codeRateLimitExceeded,
		RetryAfter: retryAfter,
	})
}
