package models

import (
	"regexp"
	"strings"
	"time"
)

type Subscription string

const (
	SubscriptionFree        Subscription = "Free"
	SubscriptionEarlyAccess Subscription = "Early Access"
	SubscriptionPremium     Subscription = "Premium"
	SubscriptionAdmin       Subscription = "Admin"
)

// StarterCredits is the balance granted to a user on first login.
const StarterCredits = 10

type User struct {
	ID           string       `json:"id"`
	Username     string       `json:"username"`
	Token        string       `json:"-"`
	Active       bool         `json:"active"`
	Subscription Subscription `json:"subscription"`
	Credits      int          `json:"credits"`
	Email        string       `json:"email,omitempty"`
	KindleEmail  string       `json:"kindle_email,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

func (u *User) IsAdmin() bool {
	return u.Subscription == SubscriptionAdmin
}

// UserRef identifies a user and optionally carries the loaded record.
type UserRef struct {
	ID   string
	User *User
}

func (r UserRef) Loaded() bool {
	return r.User != nil && r.User.ID == r.ID
}

var emailRegex = regexp.MustCompile(`^(([^<>()\[\]\\.,;:\s@"]+(\.[^<>()\[\]\\.,;:\s@"]+)*)|(".+"))@((\[[0-9]{1,3}\.[0-9]{1,3}\.[0-9]{1,3}\.[0-9]{1,3}\])|(([a-zA-Z\-0-9]+\.)+[a-zA-Z]{2,}))$`)

func IsEmail(email string) bool {
	return emailRegex.MatchString(strings.ToLower(email))
}

func IsKindleEmail(email string) bool {
	email = strings.ToLower(email)
	return IsEmail(email) && strings.HasSuffix(email, "@kindle.com")
}
