package presence

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mbeoliero/chatsync/pkg/protocol"
)

func TestDirectoryApplyStatus(t *testing.T) {
	d := NewDirectory()
	d.Put(protocol.UserData{Id: "bob", Nickname: "Bob"})

	var updates []protocol.UserData
	d.Subscribe(func(u protocol.UserData) { updates = append(updates, u) })

	d.ApplyStatus(protocol.UserStatusData{UserId: "bob", Online: true})
	d.ApplyStatus(protocol.UserStatusData{UserId: "bob", Online: true})
	assert.True(t, d.Online("bob"))
	assert.Len(t, updates, 1)
	assert.Equal(t, "Bob", updates[0].Nickname)

	d.ApplyStatus(protocol.UserStatusData{UserId: "carol", Online: true})
	u, ok := d.Get("carol")
	assert.True(t, ok)
	assert.True(t, u.Online)

	d.Remove("carol")
	_, ok = d.Get("carol")
	assert.False(t, ok)
	assert.False(t, d.Online("nobody"))
}
