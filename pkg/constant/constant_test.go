package constant

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDirectConversationIdIsSymmetric(t *testing.T) {
	assert.Equal(t, "si_alice:bob", DirectConversationId("bob", "alice"))
	assert.Equal(t, DirectConversationId("alice", "bob"), DirectConversationId("bob", "alice"))

	a, b, ok := DirectPeers("si_alice:bob")
	assert.True(t, ok)
	assert.Equal(t, "alice", a)
	assert.Equal(t, "bob", b)

	_, _, ok = DirectPeers("sg_1")
	assert.False(t, ok)
	_, _, ok = DirectPeers("si_alice")
	assert.False(t, ok)
}

func TestGroupConversationId(t *testing.T) {
	id := GroupConversationId("42")
	assert.Equal(t, "sg_42", id)
	g, ok := GroupIdFromConversation(id)
	assert.True(t, ok)
	assert.Equal(t, "42", g)
}

func TestRedisKeysUsePrefix(t *testing.T) {
	InitRedisKeyPrefix("test:")
	defer InitRedisKeyPrefix("chatsync:")
	assert.Equal(t, "test:token:u1:6", RedisKeyToken("u1", PlatformIdCLI))
	assert.Equal(t, "test:online:u1", RedisKeyOnline("u1"))
	assert.Equal(t, "test:seq:conv:si_a:b", RedisKeySeqConversation("si_a:b"))
	assert.Equal(t, "test:group:members:7", RedisKeyGroupMembers("7"))
}
