package accounts

import (
	"context"
	"log/slog"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestService() *Service {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewService(NewMemoryStore(), Config{KeyRotationGraceMinutes: 60, SignatureMaxAgeSeconds: 300}, logger, nil)
}

func TestRegisterAndAuthenticate(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	result, err := svc.Register(ctx, RegisterInput{
		BotName:      "scraper-bot",
		ContactEmail: "dev@example.com",
	})
	require.NoError(t, err)
	require.NotEmpty(t, result.APIKey)
	require.Equal(t, StatusActive, result.Account.Status)
	require.Equal(t, 0.5, result.Account.Reputation)

	account, err := svc.Authenticate(ctx, result.APIKey)
	require.NoError(t, err)
	require.Equal(t, result.Account.ID, account.ID)

	_, err = svc.Authenticate(ctx, "ate_wrongkey")
	require.ErrorIs(t, err, ErrAuthInvalid)
}

func TestRegisterDuplicateBotName(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	_, err := svc.Register(ctx, RegisterInput{BotName: "dup", ContactEmail: "a@example.com"})
	require.NoError(t, err)

	_, err = svc.Register(ctx, RegisterInput{BotName: "dup", ContactEmail: "b@example.com"})
	require.ErrorIs(t, err, ErrDuplicateBotName)
}

func TestRotateKeyGraceWindow(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	result, err := svc.Register(ctx, RegisterInput{BotName: "rotator", ContactEmail: "a@example.com"})
	require.NoError(t, err)
	oldKey := result.APIKey

	newKey, err := svc.RotateKey(ctx, result.Account.ID)
	require.NoError(t, err)
	require.NotEqual(t, oldKey, newKey)

	// Old key still authenticates within the grace window.
	_, err = svc.Authenticate(ctx, oldKey)
	require.NoError(t, err)

	_, err = svc.Authenticate(ctx, newKey)
	require.NoError(t, err)
}

func TestDirectoryFiltersBySkillTag(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	_, err := svc.Register(ctx, RegisterInput{BotName: "a", ContactEmail: "a@example.com", SkillTags: []string{"scraping"}})
	require.NoError(t, err)
	_, err = svc.Register(ctx, RegisterInput{BotName: "b", ContactEmail: "b@example.com", SkillTags: []string{"translation"}})
	require.NoError(t, err)

	results, _, err := svc.Directory(ctx, "scraping", 10, "")
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "a", results[0].BotName)
}

func TestSuspendBlocksAuthentication(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	result, err := svc.Register(ctx, RegisterInput{BotName: "naughty", ContactEmail: "a@example.com"})
	require.NoError(t, err)

	require.NoError(t, svc.Suspend(ctx, result.Account.ID))

	_, err = svc.Authenticate(ctx, result.APIKey)
	require.ErrorIs(t, err, ErrAuthInvalid)
}
