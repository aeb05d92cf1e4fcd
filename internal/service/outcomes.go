package service

import (
	"context"
	"strings"

	"device_provisioner/internal/models"
	"device_provisioner/internal/repository"
)

const maxOutcomeLimit = 1000

// OutcomeService reads persisted pipeline outcomes.
type OutcomeService struct {
	repo repository.OutcomeRepo
}

func NewOutcomeService(repo repository.OutcomeRepo) *OutcomeService {
	return &OutcomeService{repo: repo}
}

// ListOutcomes returns the newest outcomes first. limit is capped at 1000.
func (s *OutcomeService) ListOutcomes(ctx context.Context, deviceID string, limit int) ([]models.Outcome, error) {
	if limit > maxOutcomeLimit {
		limit = maxOutcomeLimit
	}
	return s.repo.List(ctx, strings.TrimSpace(deviceID), limit)
}
