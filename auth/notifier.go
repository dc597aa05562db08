package auth

import (
	"context"
	"log/slog"
	"time"
)

// PasswordResetNotice carries everything needed to tell a user how to reset
// their password.
type PasswordResetNotice struct {
	UserID    string
	Username  string
	Email     string
	Token     string
	ExpiresAt time.Time
}

// Notifier delivers password-reset tokens to users, typically by e-mail.
type Notifier interface {
	SendPasswordReset(ctx context.Context, n PasswordResetNotice) error
}

// LogNotifier records reset requests in the log instead of sending mail.
// The token itself is only logged when revealTokens is set, which is meant
// for local development.
type LogNotifier struct {
	logger       *slog.Logger
	revealTokens bool
}

// NewLogNotifier returns a LogNotifier writing to logger.
func NewLogNotifier(logger *slog.Logger, revealTokens bool) *LogNotifier {
	return &LogNotifier{logger: logger, revealTokens: revealTokens}
}

// SendPasswordReset logs the issuance and always succeeds.
func (n *LogNotifier) SendPasswordReset(ctx context.Context, notice PasswordResetNotice) error {
	attrs := []any{
		"user_id", notice.UserID,
		"expires_at", notice.ExpiresAt.Format(time.RFC3339),
	}
	if n.revealTokens {
		attrs = append(attrs, "email", notice.Email, "token", notice.Token)
	}
	n.logger.InfoContext(ctx, "password reset token issued", attrs...)
	return nil
}
