package model

import "time"

type AuthState string

const (
	AuthPending AuthState = "pending"
	AuthSuccess AuthState = "success"
	AuthFailed  AuthState = "failed"
	AuthTimeout AuthState = "timeout"
)

func (s AuthState) Terminal() bool { return s != AuthPending && s != "" }

// AuthSession is one login attempt for one account.
type AuthSession struct {
	TaskID     string     `json:"taskId" db:"task_id"`
	AccountID  int64      `json:"account_id" db:"account_id"`
	Platform   string     `json:"platform" db:"platform"`
	State      AuthState  `json:"status" db:"state"`
	Message    string     `json:"message,omitempty" db:"message"`
	QRCode     string     `json:"qrcode,omitempty" db:"-"`
	StartedAt  time.Time  `json:"started_at" db:"started_at"`
	LastPollAt *time.Time `json:"last_poll_at,omitempty" db:"last_poll_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty" db:"finished_at"`
}

// IsLoggedIn is the dashboard's boolean view of a finished session.
func (s AuthSession) IsLoggedIn() bool { return s.State == AuthSuccess }
