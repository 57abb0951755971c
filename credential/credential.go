// Package credential defines how the sync engine obtains per-account
// authentication material without persisting it itself (spec §4.3: the
// client never stores credentials; they are resolved fresh for each sync
// run from whatever secret store the host application uses).
package credential

import (
	"context"

	"github.com/caldavsync/engine/model"
)

// Credentials is the HTTP Basic auth pair used to authenticate against an
// account's CalDAV server. App-specific passwords, not the user's normal
// account password, are the expected value for providers that require
// them (spec §9 notes iCloud app-specific passwords).
type Credentials struct {
	Username string
	Password string
}

// Provider resolves Credentials for an Account, e.g. by decrypting a
// stored secret or exchanging a refresh token.
type Provider interface {
	CredentialsFor(ctx context.Context, account *model.Account) (Credentials, error)
}
