package model

import (
	"errors"
	"time"
)

// ErrAccountExists is returned by an account store when an account with the
// same login already exists.
var ErrAccountExists = errors.New("account already exists")

// Account represents a local site account. Provisioned marks accounts that
// were created for remote group members.
type Account struct {
	ID          string `json:"id"`
	Login       string `json:"login"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
	Enabled     bool   `json:"enabled"`
	CreatedAt   int64  `json:"created_at"`
	Provisioned bool   `json:"provisioned"`
}

// NewAccount holds the fields of an account provisioned for a remote member.
type NewAccount struct {
	Login       string
	Nicename    string
	Nickname    string
	DisplayName string
	Password    string
	Email       string
	Registered  time.Time
}

// RemoteUserData is the user-directory answer for a single login.
type RemoteUserData struct {
	Exists       bool   `json:"exists"`
	UserLogin    string `json:"user_login"`
	UserPassword string `json:"user_password"`
	UserEmail    string `json:"user_email"`
}
