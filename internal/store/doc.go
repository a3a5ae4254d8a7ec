// Package store provides SQLite-backed storage for the decksync server.
//
// The same database holds:
//   - decks: deck metadata keyed by deck code
//   - user_decks: per-deck privileges (user → role)
//   - deck_stores, cards: the deck documents, one row per card
//
// # Atomicity
//
// Save replaces a deck document inside one transaction, so a reader sees
// either the previous or the new document, never a mix. CreateDeck inserts
// the deck row and the creator grant in one transaction.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
