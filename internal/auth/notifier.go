package auth

import (
	"context"
	"time"

	"bizdesk.io/internal/obs"
)

// Notifier delivers one-time tokens to users. Delivery transport lives
// outside this package.
type Notifier interface {
	PasswordReset(ctx context.Context, u *User, rawToken string, expires time.Time) error
	EmailVerification(ctx context.Context, u *User, rawToken string) error
}

// LogNotifier records that a token was issued without ever writing the token.
type LogNotifier struct{}

func (LogNotifier) PasswordReset(_ context.Context, u *User, _ string, expires time.Time) error {
	obs.Logger().WithFields(map[string]any{
		"user_id": u.ID,
		"expires": expires.UTC().Format(time.RFC3339),
	}).Info("password reset token issued")
	return nil
}

func (LogNotifier) EmailVerification(_ context.Context, u *User, _ string) error {
	obs.Logger().WithField("user_id", u.ID).Info("email verification token issued")
	return nil
}
