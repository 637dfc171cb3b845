package domain

import (
	"strings"
	"time"
)

const MinUserNameLen = 3

type User struct {
	ID        int64
	Email     string
	Name      string
	CreatedAt time.Time
}

func NewUser(email, name string, now time.Time) (User, error) {
	var errs ValidationErrors

	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		errs = append(errs, &ValidationError{Field: "email", Message: "is required"})
	} else if !strings.Contains(email, "@") {
		errs = append(errs, &ValidationError{Field: "email", Message: "must be a valid email address"})
	}

	name = strings.TrimSpace(name)
	if len(name) < MinUserNameLen {
		errs = append(errs, &ValidationError{Field: "name", Message: "must be at least 3 characters"})
	}

	if len(errs) > 0 {
		return User{}, errs
	}
	return User{Email: email, Name: name, CreatedAt: now.UTC()}, nil
}
