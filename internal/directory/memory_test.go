package directory_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/searchlight/searchlight/internal/directory"
)

func TestInMemoryDirectory(t *testing.T) {
	ctx := context.Background()
	dir := directory.NewInMemoryDirectory(
		directory.User{ID: "usr_1", Role: "admin", IsActive: true},
		directory.User{ID: "usr_2", Role: "runner", IsActive: false},
	)

	u, err := dir.Lookup(ctx, "usr_1")
	require.NoError(t, err)
	assert.Equal(t, "admin", u.Role)

	_, err = dir.Lookup(ctx, "usr_9")
	assert.ErrorIs(t, err, directory.ErrUserNotFound)

	active, err := dir.ActiveUsers(ctx, []string{"usr_2", "usr_9", "usr_1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"usr_1"}, active)

	dir.Put(directory.User{ID: "usr_2", Role: "runner", IsActive: true})
	active, err = dir.ActiveUsers(ctx, []string{"usr_2", "usr_1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"usr_2", "usr_1"}, active)
}
