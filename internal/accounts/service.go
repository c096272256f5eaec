package accounts

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/a2a-settlement/exchange/internal/idgen"
	"github.com/a2a-settlement/exchange/internal/traces"
)

// Config holds the tunables the service needs from the ambient
// configuration.
type Config struct {
	KeyRotationGraceMinutes int
	SignatureMaxAgeSeconds  int
	StarterTokens           int64
}

// Service implements account registration, directory, auth, and webhook
// management.
type Service struct {
	store  Store
	cfg    Config
	logger *slog.Logger
	regLimiter *RegistrationLimiter
}

func NewService(store Store, cfg Config, logger *slog.Logger, regLimiter *RegistrationLimiter) *Service {
	return &Service{store: store, cfg: cfg, logger: logger, regLimiter: regLimiter}
}

// RegisterInput carries the fields accepted at registration.
type RegisterInput struct {
	BotName       string
	DeveloperID   string
	DeveloperName string
	ContactEmail  string
	Description   string
	SkillTags     []string
	ClientIP      string
}

// RegisterResult is returned once, at registration time: the plaintext API
// key is never recoverable afterward.
type RegisterResult struct {
	Account *Account
	APIKey  string
}

// Register creates a new account with starter tokens granted by the
// ledger's Deposit path (the caller must perform that deposit after this
// returns successfully; account creation and initial funding are two
// transactions by design, matching the original's registration flow).
func (s *Service) Register(ctx context.Context, in RegisterInput) (*RegisterResult, error) {
	ctx, span := traces.StartSpan(ctx, "accounts.Register")
	defer span.End()

	if s.regLimiter != nil && !s.regLimiter.Allow(in.ClientIP) {
		return nil, ErrRateLimited
	}

	if strings.TrimSpace(in.BotName) == "" || strings.TrimSpace(in.ContactEmail) == "" {
		return nil, fmt.Errorf("%w: bot_name and contact_email are required", ErrAuthInvalid)
	}

	if _, err := s.store.GetByBotName(ctx, in.BotName); err == nil {
		return nil, ErrDuplicateBotName
	}

	rawKey := idgen.Hex(16)
	apiKey := "ate_" + rawKey
	hash, err := bcrypt.GenerateFromPassword([]byte(apiKey), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash api key: %w", err)
	}

	now := time.Now().UTC()
	a := &Account{
		ID:             idgen.New(),
		BotName:        in.BotName,
		DeveloperID:    in.DeveloperID,
		DeveloperName:  in.DeveloperName,
		ContactEmail:   in.ContactEmail,
		Description:    in.Description,
		SkillTags:      in.SkillTags,
		Status:         StatusActive,
		Reputation:     0.5,
		CurrentKeyHash: string(hash),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := s.store.Create(ctx, a); err != nil {
		return nil, err
	}

	s.logger.Info("account registered", "account_id", a.ID, "bot_name", a.BotName)
	return &RegisterResult{Account: a, APIKey: apiKey}, nil
}

// Directory lists active accounts, optionally filtered by skill tag.
func (s *Service) Directory(ctx context.Context, skillTag string, limit int, cursor string) ([]*Account, string, error) {
	return s.store.List(ctx, skillTag, StatusActive, limit, cursor)
}

func (s *Service) Get(ctx context.Context, id string) (*Account, error) {
	return s.store.Get(ctx, id)
}

// IsActiveProvider satisfies ledger.ProviderLookup.
func (s *Service) IsActiveProvider(ctx context.Context, accountID string) (bool, error) {
	a, err := s.store.Get(ctx, accountID)
	if err != nil {
		return false, err
	}
	return a.Status == StatusActive || a.Status == StatusOperator, nil
}

// UpdateSkills replaces an account's skill tag list.
func (s *Service) UpdateSkills(ctx context.Context, accountID string, tags []string) (*Account, error) {
	a, err := s.store.Get(ctx, accountID)
	if err != nil {
		return nil, err
	}
	a.SkillTags = tags
	a.UpdatedAt = time.Now().UTC()
	if err := s.store.Update(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// RotateKey issues a new API key for the account, moving the current hash
// into the grace-window previous-hash slot.
func (s *Service) RotateKey(ctx context.Context, accountID string) (string, error) {
	a, err := s.store.Get(ctx, accountID)
	if err != nil {
		return "", err
	}

	rawKey := idgen.Hex(16)
	apiKey := "ate_" + rawKey
	hash, err := bcrypt.GenerateFromPassword([]byte(apiKey), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash api key: %w", err)
	}

	now := time.Now().UTC()
	a.PreviousKeyHash = a.CurrentKeyHash
	a.CurrentKeyHash = string(hash)
	a.KeyRotatedAt = &now
	a.UpdatedAt = now

	if err := s.store.Update(ctx, a); err != nil {
		return "", err
	}
	return apiKey, nil
}

// SetWebhook registers or replaces an account's webhook subscription. A
// fresh whsec_-prefixed signing secret is generated server-side on every
// call and returned once; it is never recoverable afterward, matching the
// API key issuance pattern.
func (s *Service) SetWebhook(ctx context.Context, accountID, rawURL string, events []string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", ErrInvalidWebhookURL
	}
	secret := "whsec_" + idgen.Hex(24)
	if err := s.store.SetWebhook(ctx, &WebhookConfig{
		AccountID: accountID,
		URL:       rawURL,
		Secret:    secret,
		Events:    events,
		Active:    true,
		UpdatedAt: time.Now().UTC(),
	}); err != nil {
		return "", err
	}
	return secret, nil
}

func (s *Service) RemoveWebhook(ctx context.Context, accountID string) error {
	return s.store.DeleteWebhook(ctx, accountID)
}

// Suspend transitions an account to suspended, callable only by operators
// (enforced by the handler/middleware layer, not here).
func (s *Service) Suspend(ctx context.Context, accountID string) error {
	a, err := s.store.Get(ctx, accountID)
	if err != nil {
		return err
	}
	a.Status = StatusSuspended
	a.UpdatedAt = time.Now().UTC()
	return s.store.Update(ctx, a)
}

// Authenticate validates a bearer token of the form "ate_<hex>" against
// every non-suspended account's current key hash, falling back to the
// previous key hash within the rotation grace window. bcrypt comparison is
// O(1) per candidate but still requires scanning candidates since the key
// itself is the only lookup material and it is never stored in plaintext
// or reversibly hashed.
func (s *Service) Authenticate(ctx context.Context, bearerToken string) (*Account, error) {
	if !strings.HasPrefix(bearerToken, "ate_") {
		return nil, ErrAuthInvalid
	}

	candidates, err := s.store.ListActiveWithKeyHash(ctx)
	if err != nil {
		return nil, err
	}

	grace := time.Duration(s.cfg.KeyRotationGraceMinutes) * time.Minute
	now := time.Now()

	for _, a := range candidates {
		if bcrypt.CompareHashAndPassword([]byte(a.CurrentKeyHash), []byte(bearerToken)) == nil {
			return a, nil
		}
		if a.PreviousKeyHash != "" && a.KeyRotatedAt != nil && now.Sub(*a.KeyRotatedAt) <= grace {
			if bcrypt.CompareHashAndPassword([]byte(a.PreviousKeyHash), []byte(bearerToken)) == nil {
				return a, nil
			}
		}
	}
	return nil, ErrAuthInvalid
}

// VerifySignature checks an HMAC-SHA256 signature over
// timestamp||method||path||body, keyed by the caller's own API key, and
// rejects timestamps older than SignatureMaxAgeSeconds.
func (s *Service) VerifySignature(apiKey, timestamp, method, path string, body []byte, signature string) error {
	maxAge := time.Duration(s.cfg.SignatureMaxAgeSeconds) * time.Second
	ts, err := parseUnixSeconds(timestamp)
	if err != nil {
		return ErrAuthInvalid
	}
	if d := time.Since(ts); d > maxAge || d < -maxAge {
		return ErrAuthInvalid
	}

	mac := hmac.New(sha256.New, []byte(apiKey))
	mac.Write([]byte(timestamp))
	mac.Write([]byte(method))
	mac.Write([]byte(path))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrAuthInvalid
	}
	return nil
}

func parseUnixSeconds(s string) (time.Time, error) {
	var sec int64
	_, err := fmt.Sscanf(s, "%d", &sec)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(sec, 0), nil
}
