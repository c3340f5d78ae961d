package constant

import (
	"fmt"
	"strings"
)

// Group status
const (
	GroupStatusNormal    = 0
	GroupStatusDismissed = 1
)

// Group member status
const (
	GroupMemberStatusNormal = 0 // Normal
	GroupMemberStatusLeft   = 1 // Left
	GroupMemberStatusKicked = 2 // Kicked
)

// Group member role levels
const (
	RoleLevelMember = 0
	RoleLevelAdmin  = 1
	RoleLevelOwner  = 2
)

// Platform Ids
const (
	PlatformIdUnknown = 0
	PlatformIdIOS     = 1
	PlatformIdAndroid = 2
	PlatformIdWindows = 3
	PlatformIdMacOS   = 4
	PlatformIdWeb     = 5
	PlatformIdCLI     = 6
)

// PlatformIdToName converts platform Id to name
func PlatformIdToName(platformId int) string {
	switch platformId {
	case PlatformIdIOS:
		return "iOS"
	case PlatformIdAndroid:
		return "Android"
	case PlatformIdWindows:
		return "Windows"
	case PlatformIdMacOS:
		return "macOS"
	case PlatformIdWeb:
		return "Web"
	case PlatformIdCLI:
		return "CLI"
	default:
		return "Unknown"
	}
}

// Conversation Id prefixes
const (
	DirectConversationPrefix = "si_"
	GroupConversationPrefix  = "sg_"
)

// DirectConversationId is si_{min}:{max}, the same for both participants
func DirectConversationId(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return DirectConversationPrefix + a + ":" + b
}

// DirectPeers splits a direct conversation id into its two user ids
func DirectPeers(conversationId string) (string, string, bool) {
	rest, ok := strings.CutPrefix(conversationId, DirectConversationPrefix)
	if !ok {
		return "", "", false
	}
	a, b, ok := strings.Cut(rest, ":")
	if !ok || a == "" || b == "" {
		return "", "", false
	}
	return a, b, true
}

// GroupConversationId returns sg_{groupId}
func GroupConversationId(groupId string) string {
	return GroupConversationPrefix + groupId
}

// GroupIdFromConversation extracts the group id of a group conversation
func GroupIdFromConversation(conversationId string) (string, bool) {
	return strings.CutPrefix(conversationId, GroupConversationPrefix)
}

// Redis key patterns (without prefix, use RedisKey() to get full key)
const (
	redisKeyToken           = "token:%s:%d"      // token:{user_id}:{platform_id}
	redisKeyOnline          = "online:%s"        // online:{user_id}
	redisKeyOnlineConns     = "online:conns:%s"  // online:conns:{user_id}
	redisKeySeqConversation = "seq:conv:%s"      // seq:conv:{conversation_id}
	redisKeyGroupMembers    = "group:members:%s" // group:members:{group_id}
)

// redisKeyPrefix is the global prefix for all Redis keys
var redisKeyPrefix = "chatsync:"

// InitRedisKeyPrefix initializes the Redis key prefix from config
func InitRedisKeyPrefix(prefix string) {
	if prefix != "" {
		redisKeyPrefix = prefix
	}
}

// GetRedisKeyPrefix returns the current Redis key prefix
func GetRedisKeyPrefix() string {
	return redisKeyPrefix
}

func RedisKeyToken(userId string, platformId int) string {
	return redisKeyPrefix + fmt.Sprintf(redisKeyToken, userId, platformId)
}

func RedisKeyOnline(userId string) string {
	return redisKeyPrefix + fmt.Sprintf(redisKeyOnline, userId)
}

func RedisKeyOnlineConns(userId string) string {
	return redisKeyPrefix + fmt.Sprintf(redisKeyOnlineConns, userId)
}

func RedisKeySeqConversation(conversationId string) string {
	return redisKeyPrefix + fmt.Sprintf(redisKeySeqConversation, conversationId)
}

func RedisKeyGroupMembers(groupId string) string {
	return redisKeyPrefix + fmt.Sprintf(redisKeyGroupMembers, groupId)
}
