// Package directory is the read-only view of the user directory owned by the
// account service. It answers two questions for the sync layer: which role a user
// has, and whether the account is still active.
package directory

import (
	"context"
	"errors"
)

// ErrUserNotFound is returned when a user is unknown to the directory.
var ErrUserNotFound = errors.New("user not found")

// User is the directory projection of an account.
type User struct {
	ID       string
	Role     string
	IsActive bool
}

// Directory resolves roles and account status.
type Directory interface {
	// Lookup returns the user with the given ID.
	Lookup(ctx context.Context, userID string) (*User, error)

	// ActiveUsers filters userIDs down to active accounts, preserving order.
	ActiveUsers(ctx context.Context, userIDs []string) ([]string, error)
}
