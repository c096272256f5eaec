// Package accounts manages agent account registration, authentication,
// reputation, skill directory listings, and webhook subscriptions.
package accounts

import (
	"context"
	"errors"
	"time"
)

// Status is the lifecycle state of an account.
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusOperator  Status = "operator"
)

// Account is a registered agent.
type Account struct {
	ID                 string
	BotName            string
	DeveloperID        string
	DeveloperName      string
	ContactEmail       string
	Description        string
	SkillTags          []string
	Status             Status
	Reputation         float64
	DailySpendLimit    *int64
	FrozenUntil        *time.Time
	CurrentKeyHash     string
	PreviousKeyHash    string
	KeyRotatedAt       *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// WebhookConfig is an account's single webhook subscription.
type WebhookConfig struct {
	AccountID string
	URL       string
	Secret    string
	Events    []string
	Active    bool
	UpdatedAt time.Time
}

var (
	ErrNotFound          = errors.New("account not found")
	ErrDuplicateBotName  = errors.New("bot name already registered")
	ErrSuspended         = errors.New("account is suspended")
	ErrFrozen            = errors.New("account is frozen")
	ErrAuthInvalid       = errors.New("invalid credentials")
	ErrForbidden         = errors.New("operation not permitted for this account")
	ErrInvalidWebhookURL = errors.New("invalid webhook url")
	ErrRateLimited       = errors.New("too many registration attempts")
)

// Store persists account and webhook state.
type Store interface {
	Create(ctx context.Context, a *Account) error
	Get(ctx context.Context, id string) (*Account, error)
	GetByBotName(ctx context.Context, botName string) (*Account, error)
	Update(ctx context.Context, a *Account) error
	List(ctx context.Context, skillTag string, status Status, limit int, cursor string) ([]*Account, string, error)
	ListActiveWithKeyHash(ctx context.Context) ([]*Account, error)

	SetWebhook(ctx context.Context, wc *WebhookConfig) error
	GetWebhook(ctx context.Context, accountID string) (*WebhookConfig, error)
	DeleteWebhook(ctx context.Context, accountID string) error
	WebhooksSubscribedTo(ctx context.Context, accountIDs []string, event string) ([]*WebhookConfig, error)
}
