package main

import (
	"unicode"
	"unicode/utf8"
)

// Wallet keys are opaque ids minted by the wallet layer: letters, digits,
// dashes and underscores, capped at 64 runes.
func isValidWalletKey(walletKey string) bool {
	if walletKey == "" || utf8.RuneCountInString(walletKey) > 64 {
		return false
	}

	for _, r := range walletKey {
		if r == '-' || r == '_' {
			continue
		}
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			continue
		}
		return false
	}

	return true
}
