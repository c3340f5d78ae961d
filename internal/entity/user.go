package entity

import "github.com/mbeoliero/chatsync/pkg/protocol"

// User represents a user in the system
type User struct {
	Id        string `json:"id" gorm:"column:id;primaryKey;size:64"`
	Nickname  string `json:"nickname" gorm:"column:nickname;size:64"`
	Avatar    string `json:"avatar" gorm:"column:avatar;size:255"`
	Password  string `json:"-" gorm:"column:password;size:128"`
	LastSeen  int64  `json:"last_seen" gorm:"column:last_seen"`
	CreatedAt int64  `json:"created_at" gorm:"column:created_at;autoCreateTime:milli"`
	UpdatedAt int64  `json:"updated_at" gorm:"column:updated_at;autoUpdateTime:milli"`
}

// TableName returns the table name for User
func (User) TableName() string {
	return "users"
}

// ToData converts User to its public wire form
func (u *User) ToData(online bool) protocol.UserData {
	return protocol.UserData{
		Id:        u.Id,
		Nickname:  u.Nickname,
		Avatar:    u.Avatar,
		Online:    online,
		CreatedAt: u.CreatedAt,
	}
}
