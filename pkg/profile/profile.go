// Package profile records job results on the owning user's profile.
//
// The profile store is external to the job subsystem; only a single field
// update is consumed. Backends live in subpackages.
package profile

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// FieldVideoURL is the profile field that receives the generated video URL.
const FieldVideoURL = "videoUrl"

var allowedFields = map[string]bool{
	FieldVideoURL: true,
}

var (
	// ErrFieldNotAllowed indicates an update to a field outside the whitelist.
	ErrFieldNotAllowed = errors.New("profile field not allowed")

	// ErrNoUser indicates an update without a user id.
	ErrNoUser = errors.New("user id is required")
)

// Updater sets one field on a user's profile.
type Updater interface {
	UpdateUserField(ctx context.Context, userID, field, value string) error
}

// CheckField validates an update request against the whitelist.
func CheckField(userID, field string) error {
	if strings.TrimSpace(userID) == "" {
		return ErrNoUser
	}
	if !allowedFields[field] {
		return fmt.Errorf("%w: %q", ErrFieldNotAllowed, field)
	}
	return nil
}

// Nop accepts and logs updates without persisting them.
type Nop struct {
	Logger *zap.Logger
}

var _ Updater = Nop{}

func (n Nop) UpdateUserField(_ context.Context, userID, field, value string) error {
	if err := CheckField(userID, field); err != nil {
		return err
	}
	if n.Logger != nil {
		n.Logger.Debug("Profile update skipped (no profile backend)",
			zap.String("user_id", userID),
			zap.String("field", field),
			zap.String("value", value))
	}
	return nil
}
