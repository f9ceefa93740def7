package services

import (
	"context"

	"github.com/ta4ilka69/distributed-data-storage-systems/internal/models"
)

// RequirePrivileged returns a PermissionError unless actorID names an
// IMPORTANT or VIP user.
func (s *RegionStore) RequirePrivileged(actorID, action string) error {
	if actorID == "" {
		return &PermissionError{ActorID: actorID, Action: action}
	}
	actor, err := s.GetUser(actorID)
	if err != nil {
		if IsNotFound(err) {
			return &PermissionError{ActorID: actorID, Action: action}
		}
		return err
	}
	if !actor.Status.Important() {
		return &PermissionError{ActorID: actorID, Action: action}
	}
	return nil
}

// The *As operations check the actor, then call the unchecked primitive.

// CreateUserAs registers a user. Anyone may register a REGULAR user; any
// other status needs a privileged actor.
func (s *RegionStore) CreateUserAs(ctx context.Context, actorID string, in NewUser) (models.User, error) {
	if in.Status != "" && in.Status != models.UserStatusRegular {
		if err := s.RequirePrivileged(actorID, "register a "+string(in.Status)+" user"); err != nil {
			return models.User{}, err
		}
	}
	return s.CreateUser(ctx, in)
}

// SetStatusAs changes a user's status on behalf of a privileged actor.
func (s *RegionStore) SetStatusAs(ctx context.Context, actorID, userID string, status models.UserStatus) (models.User, error) {
	if err := s.RequirePrivileged(actorID, "change the status of "+userID); err != nil {
		return models.User{}, err
	}
	return s.SetStatus(ctx, userID, status)
}

// DeleteUserAs removes a user. Users may delete themselves; deleting anyone
// else needs a privileged actor.
func (s *RegionStore) DeleteUserAs(ctx context.Context, actorID, userID string) error {
	if actorID != userID || actorID == "" {
		if err := s.RequirePrivileged(actorID, "delete user "+userID); err != nil {
			return err
		}
	}
	return s.DeleteUser(ctx, userID)
}

func (s *RegionStore) CreateRegionAs(ctx context.Context, actorID string, in NewRegion) (models.Region, error) {
	if err := s.RequirePrivileged(actorID, "create regions"); err != nil {
		return models.Region{}, err
	}
	return s.CreateRegion(ctx, in)
}

func (s *RegionStore) UpdateRegionAs(ctx context.Context, actorID, id string, expectedVersion int64, patch models.RegionPatch) (models.Region, error) {
	if err := s.RequirePrivileged(actorID, "update region "+id); err != nil {
		return models.Region{}, err
	}
	return s.UpdateRegion(ctx, id, expectedVersion, patch)
}

func (s *RegionStore) DeleteRegionAs(ctx context.Context, actorID, id string) error {
	if err := s.RequirePrivileged(actorID, "delete region "+id); err != nil {
		return err
	}
	return s.DeleteRegion(ctx, id)
}

func (s *RegionStore) MarkUnderThreatAs(ctx context.Context, actorID, id string, threat bool) (models.Region, error) {
	if err := s.RequirePrivileged(actorID, "mark threat on region "+id); err != nil {
		return models.Region{}, err
	}
	return s.MarkUnderThreat(ctx, id, threat)
}

// EnsureAdmin makes sure a VIP account named username exists. An existing
// account keeps its password and is promoted when needed.
func (s *RegionStore) EnsureAdmin(ctx context.Context, username, password string) (models.User, error) {
	if u, err := s.FindByUsername(username); err == nil {
		if u.Status == models.UserStatusVIP {
			return u, nil
		}
		return s.SetStatus(ctx, u.ID, models.UserStatusVIP)
	} else if !IsNotFound(err) {
		return models.User{}, err
	}
	hash, err := HashPassword(password)
	if err != nil {
		return models.User{}, err
	}
	return s.CreateUser(ctx, NewUser{
		FullName:     username,
		Username:     username,
		PasswordHash: hash,
		Status:       models.UserStatusVIP,
	})
}
