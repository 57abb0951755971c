// Package synclog is the engine's structured logging setup, generalized
// from the WebDAV server's operational logging conventions onto zerolog
// (spec's ambient logging stack). ForAccount and ForCalendar add
// account_id and calendar_id fields to a logger; entries carry only the
// fields their logger was scoped with.
package synclog

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// New builds the root logger at the given level ("debug", "info", "warn",
// "error"), defaulting to info on an unrecognized value.
func New(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger().Level(lvl)
}

// ForAccount scopes a logger to one account's sync session, the unit
// every pull/push/conflict operation logs under.
func ForAccount(base zerolog.Logger, accountID int64) zerolog.Logger {
	return base.With().Int64("account_id", accountID).Logger()
}

// ForCalendar further scopes a logger to one calendar within an account.
func ForCalendar(l zerolog.Logger, calendarID int64) zerolog.Logger {
	return l.With().Int64("calendar_id", calendarID).Logger()
}
