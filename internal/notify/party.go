// Package notify resolves who should hear about an event and delivers a
// notification to each recipient's channel.
package notify

import (
	"fmt"
	"strconv"
	"strings"
)

// Role tags which kind of account a Party is
type Role string

const (
	RoleAdmin    Role = "admin"
	RolePartner  Role = "partner"
	RoleTraveler Role = "traveler"
	RoleRider    Role = "rider"
)

// Party is one notifiable account. Two parties are the same only when both
// role and ID match: admin 7 and partner 7 are different accounts.
type Party struct {
	Role Role  `json:"role"`
	ID   int64 `json:"id"`
}

func (p Party) CanReceiveNotifications() bool {
	if p.ID <= 0 {
		return false
	}
	switch p.Role {
	case RoleAdmin, RolePartner, RoleTraveler, RoleRider:
		return true
	}
	return false
}

// Channel is the pub/sub channel the party's clients subscribe to
func (p Party) Channel() string {
	return fmt.Sprintf("notifications:%s:%d", p.Role, p.ID)
}

// String renders the party as "<role>:<id>"
func (p Party) String() string {
	return fmt.Sprintf("%s:%d", p.Role, p.ID)
}

// ParseParty reads "<role>:<id>". A bare numeric ID is taken as defaultRole.
func ParseParty(s string, defaultRole Role) (Party, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Party{}, false
	}
	role, idPart := defaultRole, s
	if i := strings.IndexByte(s, ':'); i >= 0 {
		role, idPart = Role(strings.ToLower(s[:i])), s[i+1:]
	}
	id, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil {
		return Party{}, false
	}
	p := Party{Role: role, ID: id}
	return p, p.CanReceiveNotifications()
}
