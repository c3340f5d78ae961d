package common

import (
	"fmt"
	"strconv"
	"strings"
)

// AccountKind is the role of a dashboard account
type AccountKind string

const (
	KindCustomer AccountKind = "user"
	KindAgent    AccountKind = "agent"
)

var kindPrefix = map[AccountKind]string{
	KindCustomer: "u___",
	KindAgent:    "ag__",
}

// prefixLen is shared by every kind prefix
const prefixLen = 4

// Account is a numeric dashboard identity that owns one chat user id
type Account struct {
	Id   int64
	Kind AccountKind
}

// UserId returns the chat user id for the account.
//
//	Account{Id: 42, Kind: KindCustomer}.UserId() => "u___42"
//	Account{Id: 7, Kind: KindAgent}.UserId()     => "ag__7"
func (a Account) UserId() (string, error) {
	prefix, ok := kindPrefix[a.Kind]
	if !ok {
		return "", fmt.Errorf("unknown account kind %q", a.Kind)
	}
	if a.Id <= 0 {
		return "", fmt.Errorf("invalid account id %d", a.Id)
	}
	return prefix + strconv.FormatInt(a.Id, 10), nil
}

// ParseUserId reverses UserId. Ids of locally registered users return an error.
func ParseUserId(userId string) (Account, error) {
	if len(userId) <= prefixLen {
		return Account{}, fmt.Errorf("invalid user id %q", userId)
	}
	for kind, prefix := range kindPrefix {
		rest, ok := strings.CutPrefix(userId, prefix)
		if !ok {
			continue
		}
		id, err := strconv.ParseInt(rest, 10, 64)
		if err != nil || id <= 0 {
			return Account{}, fmt.Errorf("invalid account id in %q", userId)
		}
		return Account{Id: id, Kind: kind}, nil
	}
	return Account{}, fmt.Errorf("unknown user id prefix in %q", userId)
}

// IsExternal reports whether userId was derived from a dashboard account
func IsExternal(userId string) bool {
	_, err := ParseUserId(userId)
	return err == nil
}
