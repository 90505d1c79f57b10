// Package model holds geopub's persisted domain types and its error taxonomy.
package model

import (
	"encoding/json"
	"time"
)

// AccountStatus mirrors the dashboard's numeric codes.
type AccountStatus int

const (
	AccountExpired  AccountStatus = -1
	AccountDisabled AccountStatus = 0
	AccountActive   AccountStatus = 1
)

func (s AccountStatus) String() string {
	switch s {
	case AccountActive:
		return "active"
	case AccountExpired:
		return "expired"
	default:
		return "disabled"
	}
}

// Account is one login identity on one platform.
type Account struct {
	ID         int64         `json:"id" db:"id"`
	Platform   string        `json:"platform" db:"platform"`
	Name       string        `json:"account_name" db:"account_name"`
	Status     AccountStatus `json:"status" db:"status"`
	LastAuthAt *time.Time    `json:"last_auth_time,omitempty" db:"last_auth_at"`
	Remark     string        `json:"remark,omitempty" db:"remark"`

	// SessionState is driver-owned opaque state (cookies) restored on the
	// next automation session.
	SessionState json.RawMessage `json:"-" db:"session_state"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// WasAuthenticated reports whether the account ever held a session.
func (a Account) WasAuthenticated() bool {
	return a.Status == AccountActive || a.LastAuthAt != nil
}

// AccountPatch carries user-editable fields. Nil fields are left unchanged.
type AccountPatch struct {
	Name   *string `json:"account_name,omitempty"`
	Remark *string `json:"remark,omitempty"`
}
