package entity

import "github.com/mbeoliero/chatsync/pkg/constant"

// Group represents a group
type Group struct {
	Id            string `json:"id" gorm:"column:id;primaryKey;size:64"`
	Name          string `json:"name" gorm:"column:name;size:128"`
	Avatar        string `json:"avatar" gorm:"column:avatar;size:255"`
	Status        int32  `json:"status" gorm:"column:status"`
	CreatorUserId string `json:"creator_user_id" gorm:"column:creator_user_id;size:64"`
	CreatedAt     int64  `json:"created_at" gorm:"column:created_at;autoCreateTime:milli"`
	UpdatedAt     int64  `json:"updated_at" gorm:"column:updated_at;autoUpdateTime:milli"`
}

// TableName returns the table name for Group
func (Group) TableName() string {
	return "groups"
}

// IsNormal checks if group status is normal
func (g *Group) IsNormal() bool {
	return g.Status == constant.GroupStatusNormal
}

// GroupMember represents a group member
type GroupMember struct {
	Id            int64  `json:"id" gorm:"column:id;primaryKey;autoIncrement"`
	GroupId       string `json:"group_id" gorm:"column:group_id;size:64;uniqueIndex:uk_group_user,priority:1"`
	UserId        string `json:"user_id" gorm:"column:user_id;size:64;uniqueIndex:uk_group_user,priority:2"`
	RoleLevel     int32  `json:"role_level" gorm:"column:role_level"`
	Status        int32  `json:"status" gorm:"column:status"`
	JoinedAt      int64  `json:"joined_at" gorm:"column:joined_at"`
	JoinSeq       int64  `json:"join_seq" gorm:"column:join_seq"`
	InviterUserId string `json:"inviter_user_id" gorm:"column:inviter_user_id;size:64"`
	CreatedAt     int64  `json:"created_at" gorm:"column:created_at;autoCreateTime:milli"`
	UpdatedAt     int64  `json:"updated_at" gorm:"column:updated_at;autoUpdateTime:milli"`
}

// TableName returns the table name for GroupMember
func (GroupMember) TableName() string {
	return "group_members"
}

// IsNormal checks if member status is normal
func (gm *GroupMember) IsNormal() bool {
	return gm.Status == constant.GroupMemberStatusNormal
}

// IsOwner checks if member is the group owner
func (gm *GroupMember) IsOwner() bool {
	return gm.RoleLevel == constant.RoleLevelOwner
}
