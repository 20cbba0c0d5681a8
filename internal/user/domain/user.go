package domain

import "errors"

var ErrNotFound = errors.New("user not found")

// User is the read-only payer view.
type User struct {
	ID     string
	Email  string
	Phone  string
	Active bool
}
