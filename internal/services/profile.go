package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/rentpe/rentpe-backend/internal/models"
	"github.com/rentpe/rentpe-backend/internal/storage"
)

// ProfileService serves the caller's own profile and notification inbox
type ProfileService struct {
	store storage.Store
	clock clock.Clock
}

func NewProfileService(store storage.Store, clk clock.Clock) *ProfileService {
	return &ProfileService{store: store, clock: clk}
}

// Get returns the profile of userID
func (s *ProfileService) Get(ctx context.Context, actor Actor, userID uuid.UUID) (*models.Profile, error) {
	if !actor.CanActFor(userID) {
		return nil, ErrForbidden
	}
	p, err := s.store.GetProfile(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrProfileNotFound
	}
	return p, err
}

// Create registers the caller as a guest. The phone is optional.
func (s *ProfileService) Create(ctx context.Context, actor Actor, fullName, phone string) (*models.Profile, error) {
	if actor.UserID == uuid.Nil {
		return nil, ErrForbidden
	}
	fullName = strings.TrimSpace(fullName)
	if fullName == "" {
		return nil, invalid("fullName", "full name is required")
	}
	if phone != "" {
		normalized, err := normalizePhone("phone", phone)
		if err != nil {
			return nil, err
		}
		phone = normalized
	}

	now := s.clock.Now()
	p := &models.Profile{
		UserID:    actor.UserID,
		FullName:  fullName,
		Phone:     phone,
		Role:      models.RoleGuest,
		KYCStatus: models.KYCStatusNotSubmitted,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateProfile(ctx, p); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return nil, ErrProfileExists
		}
		return nil, fmt.Errorf("create profile: %w", err)
	}
	return p, nil
}

// Notifications lists the caller's inbox, newest first
func (s *ProfileService) Notifications(ctx context.Context, actor Actor) ([]*models.Notification, error) {
	return s.store.ListNotifications(ctx, actor.UserID)
}

// MarkRead marks one of the caller's notifications read
func (s *ProfileService) MarkRead(ctx context.Context, actor Actor, id uuid.UUID) error {
	err := s.store.MarkNotificationRead(ctx, actor.UserID, id, s.clock.Now())
	if errors.Is(err, storage.ErrNotFound) {
		return ErrNotificationNotFound
	}
	return err
}
