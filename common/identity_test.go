package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccountUserIdRoundTrip(t *testing.T) {
	id, err := Account{Id: 42, Kind: KindCustomer}.UserId()
	require.NoError(t, err)
	assert.Equal(t, "u___42", id)

	id, err = Account{Id: 7, Kind: KindAgent}.UserId()
	require.NoError(t, err)
	assert.Equal(t, "ag__7", id)

	acc, err := ParseUserId("ag__7")
	require.NoError(t, err)
	assert.Equal(t, Account{Id: 7, Kind: KindAgent}, acc)
}

func TestAccountRejectsUnknown(t *testing.T) {
	_, err := Account{Id: 1, Kind: "robot"}.UserId()
	assert.Error(t, err)
	_, err = Account{Id: 0, Kind: KindCustomer}.UserId()
	assert.Error(t, err)

	for _, id := range []string{"", "u___", "alice", "u___x1", "zz__12"} {
		_, err := ParseUserId(id)
		assert.Error(t, err, id)
	}
	assert.False(t, IsExternal("alice"))
	assert.True(t, IsExternal("u___3"))
}

func TestDerivePasswordIsStable(t *testing.T) {
	a := DerivePassword("u___42", "secret", 12)
	assert.Equal(t, a, DerivePassword("u___42", "secret", 12))
	assert.NotEqual(t, a, DerivePassword("u___43", "secret", 12))
	assert.NotEqual(t, a, DerivePassword("u___42", "other", 12))
	assert.Len(t, a, 16)
	assert.Len(t, DerivePassword("u___42", "secret", 0), 22)
}
