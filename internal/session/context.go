package session

import (
	"time"

	"github.com/google/uuid"

	"github.com/park285/cheese-matchsync/internal/model"
)

type Role string

const (
	RoleHost  Role = "host"
	RoleGuest Role = "guest"
	RoleWatch Role = "watch"
)

// Identity is who the local client is. ProfileID and ActorID may be empty.
type Identity struct {
	LoginID   string
	ProfileID string
	ActorID   string
}

// Actor is the id wagers and frozen budgets are keyed by.
func (i Identity) Actor() string {
	if i.ActorID != "" {
		return i.ActorID
	}
	if i.ProfileID != "" {
		return i.ProfileID
	}
	return i.LoginID
}

// Context is the resolved authority of the local client inside one invite.
type Context struct {
	ID         string
	Epoch      uint64
	InviteID   string
	MatchID    string
	LoginID    string
	ActorID    string
	Role       Role
	CanWrite   bool
	PlayerID   string // seat id used in store paths for our own records
	OpponentID string
	CreatedAt  time.Time
}

// SeatProfiles carries the durable profile ids behind the invite's seats, when known.
type SeatProfiles struct {
	Host  string
	Guest string
}

// Resolve computes role and write permission. The local identity matches a seat by
// login id, or by durable profile id when both sides have one.
func Resolve(inviteID string, inv model.Invite, id Identity, seats SeatProfiles, matchID string, epoch uint64, now time.Time) *Context {
	c := &Context{
		ID:        uuid.NewString(),
		Epoch:     epoch,
		InviteID:  inviteID,
		MatchID:   matchID,
		LoginID:   id.LoginID,
		ActorID:   id.ActorID,
		Role:      RoleWatch,
		CreatedAt: now,
	}
	switch {
	case seatMatches(inv.HostID, seats.Host, id):
		c.Role, c.PlayerID, c.OpponentID = RoleHost, inv.HostID, inv.GuestID
	case seatMatches(inv.GuestID, seats.Guest, id):
		c.Role, c.PlayerID, c.OpponentID = RoleGuest, inv.GuestID, inv.HostID
	default:
		c.PlayerID, c.OpponentID = inv.HostID, inv.GuestID
	}
	c.CanWrite = c.Role != RoleWatch
	return c
}

func seatMatches(seatID, seatProfile string, id Identity) bool {
	if seatID == "" {
		return false
	}
	if id.LoginID != "" && seatID == id.LoginID {
		return true
	}
	return id.ProfileID != "" && seatProfile != "" && seatProfile == id.ProfileID
}
