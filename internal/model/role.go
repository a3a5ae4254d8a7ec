package model

import "fmt"

// Role is a user's privilege on one deck code.
type Role string

const (
	RoleCreator Role = "creator"
	RoleManager Role = "manager"
	RoleWriter  Role = "writer"
	RoleReader  Role = "reader"
)

// ParseRole validates a stored privilege string. Unknown values are an error
// and never grant access.
func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RoleCreator, RoleManager, RoleWriter, RoleReader:
		return r, nil
	default:
		return "", fmt.Errorf("unknown role %q", s)
	}
}

// CanWrite reports whether the role may push to a deck.
func (r Role) CanWrite() bool {
	return r == RoleCreator || r == RoleManager || r == RoleWriter
}

// CanRead reports whether the role may pull or clone a deck.
func (r Role) CanRead() bool {
	return r.CanWrite() || r == RoleReader
}
