package domain

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewPeerLimits(t *testing.T) {
	u, err := NewPeer(UserID(strings.Repeat("u", MaxUserIDLen)), "bob", "Bob", "")
	require.NoError(t, err)
	require.Equal(t, "Bob", u.DisplayName)

	_, err = NewPeer("", "bob", "Bob", "")
	require.ErrorIs(t, err, ErrUserIDEmpty)

	_, err = NewPeer(UserID(strings.Repeat("u", MaxUserIDLen+1)), "bob", "Bob", "")
	require.ErrorIs(t, err, ErrUserIDTooLong)

	_, err = NewPeer("bob", "bob", strings.Repeat("n", MaxDisplayNameLen+1), "")
	require.ErrorIs(t, err, ErrDisplayNameTooLong)
}
