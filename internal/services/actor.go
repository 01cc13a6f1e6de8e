package services

import "github.com/google/uuid"

// Actor is the authenticated caller of a service operation
type Actor struct {
	UserID uuid.UUID
	Admin  bool
}

// Owns reports whether the actor is the user itself
func (a Actor) Owns(userID uuid.UUID) bool {
	return a.UserID != uuid.Nil && a.UserID == userID
}

// CanActFor reports whether the actor may act on behalf of userID
func (a Actor) CanActFor(userID uuid.UUID) bool {
	return a.Admin || a.Owns(userID)
}
