// Package project implements the per-project state machine: the state sum
// type, the transition function that drives a project container through its
// lifecycle, and the name types used across the gateway.
package project

import (
	"github.com/slipway-dev/slipway/internal/apierror"
)

// Name is a validated project name. Project names double as DNS labels
// (<name>.<apex>), so they follow hostname label rules: lowercase ASCII
// letters, digits, and hyphens, 1..63 characters, no leading or trailing
// hyphen.
type Name string

// ParseName validates a raw string as a project name.
func ParseName(s string) (Name, error) {
	if !validLabel(s) {
		return "", apierror.Newf(apierror.KindInvalidProjectName, "invalid project name %q", s)
	}
	return Name(s), nil
}

func (n Name) String() string { return string(n) }

func validLabel(s string) bool {
	if len(s) == 0 || len(s) > 63 {
		return false
	}
	if s[0] == '-' || s[len(s)-1] == '-' {
		return false
	}
	for i := 0; i < len(s); i++ {
		b := s[i]
		switch {
		case b >= 'a' && b <= 'z':
		case b >= '0' && b <= '9':
		case b == '-':
		default:
			return false
		}
	}
	return true
}

// AccountName identifies a user principal. Opaque, but never empty.
type AccountName string

// ParseAccountName validates a raw string as an account name.
func ParseAccountName(s string) (AccountName, error) {
	if s == "" {
		return "", apierror.New(apierror.KindInvalidAccountName, "account name must not be empty")
	}
	return AccountName(s), nil
}

func (a AccountName) String() string { return string(a) }
