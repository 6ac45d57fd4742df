package claims

import (
	"fmt"
	"strings"
)

// Status is the closed set of claim states.
type Status uint8

const (
	StatusUnknown Status = iota
	StatusPending
	StatusVerified
	StatusApproved
	StatusRejected
)

var statusNames = [...]string{
	StatusUnknown:  "unknown",
	StatusPending:  "pending",
	StatusVerified: "verified",
	StatusApproved: "approved",
	StatusRejected: "rejected",
}

// ParseStatus accepts the lower-case names, case-insensitively.
func ParseStatus(s string) (Status, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range statusNames {
		if i != int(StatusUnknown) && name == s {
			return Status(i), nil
		}
	}
	return StatusUnknown, Invalid("status", "unknown status %q", s)
}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return statusNames[StatusUnknown]
}

// Valid reports whether s is a defined state.
func (s Status) Valid() bool {
	return s > StatusUnknown && int(s) < len(statusNames)
}

// Terminal reports whether no further moves exist from s.
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusRejected
}

func (s Status) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("claims: cannot marshal status %d", uint8(s))
	}
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	parsed, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
