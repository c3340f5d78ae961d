package presence

import (
	"github.com/c-pro/geche"

	"github.com/mbeoliero/chatsync/pkg/protocol"
	"github.com/mbeoliero/chatsync/sdk/notify"
)

// Directory caches user profiles and their online flag
type Directory struct {
	users   geche.Geche[string, protocol.UserData]
	changes *notify.Hub[protocol.UserData]
}

// NewDirectory creates an empty directory
func NewDirectory() *Directory {
	return &Directory{
		users:   geche.NewMapCache[string, protocol.UserData](),
		changes: notify.NewHub[protocol.UserData](),
	}
}

// Subscribe registers fn for profile and presence changes
func (d *Directory) Subscribe(fn func(protocol.UserData)) (cancel func()) {
	return d.changes.Subscribe(fn)
}

// Put stores profiles, e.g. conversation participants
func (d *Directory) Put(users ...protocol.UserData) {
	for _, u := range users {
		if u.Id == "" {
			continue
		}
		d.users.Set(u.Id, u)
	}
}

// Get returns a cached profile
func (d *Directory) Get(userId string) (protocol.UserData, bool) {
	u, err := d.users.Get(userId)
	if err != nil {
		return protocol.UserData{}, false
	}
	return u, true
}

// Online reports the last known online flag
func (d *Directory) Online(userId string) bool {
	u, ok := d.Get(userId)
	return ok && u.Online
}

// ApplyStatus records a presence update. Unknown users are added with just their id.
func (d *Directory) ApplyStatus(s protocol.UserStatusData) {
	u, ok := d.Get(s.UserId)
	if !ok {
		u = protocol.UserData{Id: s.UserId}
	}
	if ok && u.Online == s.Online {
		return
	}
	u.Online = s.Online
	d.users.Set(s.UserId, u)
	d.changes.Publish(u)
}

// Remove forgets a user
func (d *Directory) Remove(userId string) {
	_ = d.users.Del(userId)
}
