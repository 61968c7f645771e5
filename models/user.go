package models

import "time"

const (
	UserRoleAdmin    = "Admin"
	UserRoleOperator = "Operator"
)

// User is the minimal identity row needed to resolve sessions and check
// elevated-caller actions (lock override). Full user management lives in the
// main platform.
type User struct {
	ID       int    `gorm:"primary_key" json:"id"`
	Username string `gorm:"size:100;uniqueIndex;not null" json:"username"`
	Role     string `gorm:"size:20;not null" json:"role"`
	TenantId string `gorm:"size:64;index" json:"tenant_id"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
