package users

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Role orders what a user may do. Higher roles include the lower ones.
type Role string

const (
	RoleUser     Role = "user"
	RoleUploader Role = "uploader"
	RoleAdmin    Role = "admin"
	RoleDev      Role = "dev"
	RoleOwner    Role = "owner"
)

var roleRanks = map[Role]int{
	RoleUser:     0,
	RoleUploader: 1,
	RoleAdmin:    2,
	RoleDev:      3,
	RoleOwner:    4,
}

// ErrInvalidRole indicates a role name outside the hierarchy.
var ErrInvalidRole = errors.New("users: invalid role")

// ParseRole validates a role name.
func ParseRole(value string) (Role, error) {
	role := Role(strings.ToLower(strings.TrimSpace(value)))
	if _, ok := roleRanks[role]; !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, value)
	}
	return role, nil
}

// AtLeast reports whether r ranks at or above required.
func (r Role) AtLeast(required Role) bool {
	have, ok := roleRanks[r]
	if !ok {
		return false
	}
	return have >= roleRanks[required]
}

// User is a chat participant known to the game.
type User struct {
	ID           int64      `gorm:"column:user_id;primaryKey;autoIncrement:false"`
	DisplayName  string     `gorm:"column:display_name;size:256;not null;default:''"`
	Role         Role       `gorm:"column:role;size:16;not null;default:'user'"`
	LastCatchAt  *time.Time `gorm:"column:last_catch_at"`
	TotalCatches int64      `gorm:"column:total_catches;not null;default:0"`
	CreatedAt    time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt    time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing users.
func (User) TableName() string {
	return "users"
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
