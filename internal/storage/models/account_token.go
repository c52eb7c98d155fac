package models

import (
	"time"
)

// AccountToken is the stored OAuth credential of an external account.
type AccountToken struct {
	AccountID    string
	AccessToken  string
	RefreshToken string
	TokenType    string
	Expiry       *time.Time
	UpdatedAt    time.Time
}
