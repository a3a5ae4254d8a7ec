package model

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// MatchKey normalizes field content for equality checks: Unicode NFC, then
// surrounding whitespace trimmed. Two replicas that typed the same text with
// different composition ("é" vs "e"+U+0301) produce the same key.
func MatchKey(s string) string {
	return strings.TrimSpace(norm.NFC.String(s))
}
