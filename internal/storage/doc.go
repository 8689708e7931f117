// Package storage provides a minimal persistence layer used by the bot.
//
// It currently supports:
//   - Audit log appends (entries added/removed, links changed, failed saves)
//   - Optional notifier dedup state (to survive restarts)
//
// The tracked-page state itself lives in the monitor state file, not here.
package storage
