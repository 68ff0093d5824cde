package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOfWrappedErrors(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("register: %w", ErrDuplicateIdentity), "duplicate_identity"},
		{fmt.Errorf("load appointment 7: %w", ErrNotFound), "not_found"},
		{fmt.Errorf("confirm: %w: patient", ErrAuthorizationDenied), "authorization_denied"},
		{ErrSchedulingConflict, "scheduling_conflict"},
		{errors.New("disk on fire"), "internal"},
		{nil, ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, KindOf(tt.err))
	}
}

func TestParseRole(t *testing.T) {
	r, err := ParseRole(" Doctor ")
	require.NoError(t, err)
	assert.Equal(t, RoleDoctor, r)

	r, err = ParseRole("admin")
	require.NoError(t, err)
	assert.Equal(t, RoleAdministrator, r)

	_, err = ParseRole("nurse")
	assert.ErrorIs(t, err, ErrInvalidInput)
}
