// Package model holds the records exchanged through the synchronized store and the
// typed views over their string-encoded fields.
package model

import "strings"

const (
	ColorWhite = "white"
	ColorBlack = "black"

	StatusSurrendered = "surrendered"

	automatchPrefix = "auto_"
)

// OppositeColor flips white and black. Unknown values map to white.
func OppositeColor(c string) string {
	if c == ColorWhite {
		return ColorBlack
	}
	return ColorWhite
}

// IsAutomatchInvite reports whether the invite was produced by the matchmaking queue.
func IsAutomatchInvite(inviteID string) bool {
	return strings.HasPrefix(inviteID, automatchPrefix)
}

// AutomatchInviteID prefixes a random suffix the way queue-created invites are named.
func AutomatchInviteID(suffix string) string { return automatchPrefix + suffix }

// Invite binds a host and a guest to a series of matches.
type Invite struct {
	Version        int                   `json:"version"`
	HostID         string                `json:"hostId"`
	HostColor      string                `json:"hostColor"`
	GuestID        string                `json:"guestId,omitempty"`
	Password       string                `json:"password,omitempty"`
	Automatch      bool                  `json:"automatch,omitempty"`
	HostRematches  string                `json:"hostRematches,omitempty"`
	GuestRematches string                `json:"guestRematches,omitempty"`
	Reactions      map[string]Reaction   `json:"reactions,omitempty"`
	Wagers         map[string]WagerState `json:"wagers,omitempty"`

	MatchesWagerResolutions map[string]bool `json:"matchesWagerResolutions,omitempty"`
	MatchesRatingUpdates    map[string]bool `json:"matchesRatingUpdates,omitempty"`
}

// HasPlayer reports whether id is the host or the guest.
func (i Invite) HasPlayer(id string) bool {
	return id != "" && (i.HostID == id || i.GuestID == id)
}

// OpponentOf returns the other seat, or "" when id is not seated.
func (i Invite) OpponentOf(id string) string {
	switch {
	case id == "":
		return ""
	case i.HostID == id:
		return i.GuestID
	case i.GuestID == id:
		return i.HostID
	}
	return ""
}

// Rematches returns the parsed proposal lists. Malformed lists read as empty.
func (i Invite) Rematches() (host, guest RematchList) {
	host, _ = ParseRematchList(i.HostRematches)
	guest, _ = ParseRematchList(i.GuestRematches)
	return host, guest
}

// Reaction is a short-lived emote sent between players.
type Reaction struct {
	UUID      string `json:"uuid"`
	Variation int    `json:"variation"`
	Kind      string `json:"kind"`
}

// Match is one player's authoritative record for one game.
type Match struct {
	Version         int    `json:"version"`
	Color           string `json:"color"`
	EmojiID         int    `json:"emojiId"`
	Aura            string `json:"aura,omitempty"`
	Fen             string `json:"fen"`
	Status          string `json:"status"`
	FlatMovesString string `json:"flatMovesString"`
	Timer           string `json:"timer"`
}

func (m Match) Moves() Moves { return ParseMoves(m.FlatMovesString) }

func (m Match) Surrendered() bool { return m.Status == StatusSurrendered }

// TimerGG reports whether the record holds a claimed timer victory.
func (m Match) TimerGG() bool { return m.Timer == TimerGGLiteral }

// ParsedTimer decodes the timer field. ok is false when no timer is set.
func (m Match) ParsedTimer() (t Timer, ok bool, err error) {
	if strings.TrimSpace(m.Timer) == "" {
		return Timer{}, false, nil
	}
	t, err = ParseTimer(m.Timer)
	if err != nil {
		return Timer{}, true, err
	}
	return t, true, nil
}

// Ticket is one waiting entry in the automatch queue.
type Ticket struct {
	UID       string `json:"uid"`
	Timestamp int64  `json:"timestamp"`
	ProfileID string `json:"profileId,omitempty"`
	HostColor string `json:"hostColor"`
	Password  string `json:"password"`
	Username  string `json:"username,omitempty"`
	Name      string `json:"name,omitempty"`
	EmojiID   int    `json:"emojiId"`
	Aura      string `json:"aura,omitempty"`
}

// OwnedBy matches by login uid or, when both sides know it, the durable profile id.
func (t Ticket) OwnedBy(uid, profileID string) bool {
	if t.UID != "" && t.UID == uid {
		return true
	}
	return profileID != "" && t.ProfileID == profileID
}
