// Package smsp implements the Simple Messaging and Signaling Protocol:
// message validation, presence, rooms and destination routing for chat
// and WebRTC call negotiation.
package smsp

import (
	"errors"
	"regexp"
	"strings"
)

var ErrBadDestination = errors.New("invalid destination format")

// handleRe is the shared pattern for nicknames and room names.
var handleRe = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

type DestKind string

const (
	DestSystem DestKind = "system"
	DestUser   DestKind = "user"
	DestRoom   DestKind = "room"
)

// Destination is the parsed form of a wire address such as
// "system", "user:alice" or "room:lobby". Immutable value.
type Destination struct {
	Kind DestKind
	Name string
}

func (d Destination) IsSystem() bool { return d.Kind == DestSystem }
func (d Destination) IsUser() bool   { return d.Kind == DestUser }
func (d Destination) IsRoom() bool   { return d.Kind == DestRoom }

func (d Destination) String() string {
	if d.Name == "" {
		return string(d.Kind)
	}
	return string(d.Kind) + ":" + d.Name
}

// ParseDestination parses a "to" or "from" wire string into its
// explicit fields. No global match state, per-call captures only.
func ParseDestination(s string) (Destination, error) {
	if s == string(DestSystem) {
		return Destination{Kind: DestSystem}, nil
	}
	kind, name, ok := strings.Cut(s, ":")
	if !ok || !handleRe.MatchString(name) {
		return Destination{}, ErrBadDestination
	}
	switch DestKind(kind) {
	case DestUser:
		return Destination{Kind: DestUser, Name: name}, nil
	case DestRoom:
		return Destination{Kind: DestRoom, Name: name}, nil
	}
	return Destination{}, ErrBadDestination
}

// ValidHandle reports whether s is usable as a nickname or room name.
func ValidHandle(s string) bool {
	return handleRe.MatchString(s)
}
