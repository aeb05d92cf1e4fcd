package repository

import (
	"context"
	"database/sql"
	"time"

	"device_provisioner/internal/models"
)

type Operators interface {
	Create(ctx context.Context, username, hash string) (int, error)
	GetByUsername(ctx context.Context, username string) (*models.Operator, error)
}

type EventRepo interface {
	Append(ctx context.Context, e models.ProvisioningEvent) error
	List(ctx context.Context, from, to time.Time, typ, deviceID string) ([]models.ProvisioningEvent, error)
}

type OutcomeRepo interface {
	Append(ctx context.Context, o models.Outcome) error
	List(ctx context.Context, deviceID string, limit int) ([]models.Outcome, error)
}

type Repository struct {
	EventRepo   EventRepo
	OutcomeRepo OutcomeRepo
	Operators   Operators
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{
		EventRepo:   NewEventSQLite(db),
		OutcomeRepo: NewOutcomeSQLite(db),
		Operators:   NewOperatorSQLite(db),
	}
}
