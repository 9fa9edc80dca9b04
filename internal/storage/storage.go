package storage

import (
	"context"
	"errors"

	"github.com/shohag/kindlerelay/internal/models"
)

// ErrNoCredits is returned by DecrementCredits when the balance is already zero.
var ErrNoCredits = errors.New("user has no credits left")

type Storage interface {
	// Users
	CreateUser(ctx context.Context, u *models.User) error
	GetUser(ctx context.Context, id string) (*models.User, error)
	GetUserByToken(ctx context.Context, token string) (*models.User, error)
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
	ListUsers(ctx context.Context) ([]models.User, error)
	UpdateUser(ctx context.Context, u *models.User) error
	UpdateUserToken(ctx context.Context, id, token string) error
	SetUserCredits(ctx context.Context, id string, credits int) error
	DecrementCredits(ctx context.Context, id string) error
	DeleteUser(ctx context.Context, id string) error

	// Deliveries
	CreateDelivery(ctx context.Context, d *models.Delivery) error
	GetDelivery(ctx context.Context, id string) (*models.Delivery, error)
	ListDeliveriesByUser(ctx context.Context, userID string) ([]models.Delivery, error)
	ListDeliveries(ctx context.Context) ([]models.Delivery, error)
	UpdateDelivery(ctx context.Context, d *models.Delivery) error
	DeleteDelivery(ctx context.Context, id string) error
	FindDueDeliveries(ctx context.Context, f DueFilter) ([]DueDelivery, error)

	// Mailings
	AppendMailing(ctx context.Context, m *models.Mailing) error
	GetMailing(ctx context.Context, id string) (*models.Mailing, error)

	// Stats
	GetStats(ctx context.Context, userID string) (*Stats, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// DueFilter selects active deliveries for one time slot. A delivery matches
// when it is daily or its days contain Weekday or MonthDay.
type DueFilter struct {
	Slot     string
	Weekday  string
	MonthDay string
}

// DueDelivery is a dispatch candidate with its owner loaded alongside.
type DueDelivery struct {
	Delivery models.Delivery
	Owner    models.UserRef
}

type Stats struct {
	TotalDeliveries  int64 `json:"total_deliveries"`
	ActiveDeliveries int64 `json:"active_deliveries"`
	TotalMailings    int64 `json:"total_mailings"`
	ArticlesSent     int64 `json:"articles_sent"`
	Credits          int64 `json:"credits"`
}
