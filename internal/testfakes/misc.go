package testfakes

import (
	"context"

	"github.com/caldavsync/engine/credential"
	"github.com/caldavsync/engine/model"
)

// ReminderScheduler records cancellations instead of touching any real
// notification system.
type ReminderScheduler struct {
	Cancelled []int64
}

func (r *ReminderScheduler) CancelForEvent(ctx context.Context, eventID int64) error {
	r.Cancelled = append(r.Cancelled, eventID)
	return nil
}

// CredentialProvider returns a fixed credential pair for every account.
type CredentialProvider struct {
	Username, Password string
}

func (c *CredentialProvider) CredentialsFor(ctx context.Context, account *model.Account) (credential.Credentials, error) {
	return credential.Credentials{Username: c.Username, Password: c.Password}, nil
}
