package matchdto

// Callable names as exposed over HTTP.
const (
	FnAutomatch         = "automatch"
	FnCancelAutomatch   = "cancelAutomatch"
	FnStartMatchTimer   = "startMatchTimer"
	FnClaimTimerVictory = "claimMatchVictoryByTimer"
	FnUpdateRatings     = "updateRatings"
	FnEditUsername      = "editUsername"
	FnSendWager         = "sendWagerProposal"
	FnCancelWager       = "cancelWagerProposal"
	FnDeclineWager      = "declineWagerProposal"
	FnAcceptWager       = "acceptWagerProposal"
	FnResolveWager      = "resolveWagerOutcome"
)

type OKResponse struct {
	OK bool `json:"ok"`
}

type AutomatchRequest struct {
	EmojiID int    `json:"emojiId"`
	Aura    string `json:"aura,omitempty"`
}

type AutomatchResponse struct {
	OK       bool   `json:"ok"`
	InviteID string `json:"inviteId,omitempty"`
}

// MatchRef addresses one match between two seated players.
type MatchRef struct {
	PlayerID   string `json:"playerId"`
	InviteID   string `json:"inviteId"`
	MatchID    string `json:"matchId"`
	OpponentID string `json:"opponentId"`
}

type StartTimerResponse struct {
	OK       bool   `json:"ok"`
	Duration int64  `json:"duration"`
	Timer    string `json:"timer"`
}

type Mining struct {
	Materials map[string]int `json:"materials"`
}

type UpdateRatingsResponse struct {
	OK     bool    `json:"ok"`
	Mining *Mining `json:"mining,omitempty"`
}

type EditUsernameRequest struct {
	Username string `json:"username"`
}

type EditUsernameResponse struct {
	OK              bool   `json:"ok"`
	ValidationError string `json:"validationError,omitempty"`
}

// WagerRequest addresses one match's wager. PlayerID and OpponentID are only read
// when resolving.
type WagerRequest struct {
	InviteID   string `json:"inviteId"`
	MatchID    string `json:"matchId"`
	Material   string `json:"material,omitempty"`
	Count      int    `json:"count,omitempty"`
	PlayerID   string `json:"playerId,omitempty"`
	OpponentID string `json:"opponentId,omitempty"`
}

// WagerResponse carries either a rejection reason or the server-confirmed numbers.
type WagerResponse struct {
	OK       bool           `json:"ok"`
	Reason   string         `json:"reason,omitempty"`
	Material string         `json:"material,omitempty"`
	Count    int            `json:"count,omitempty"`
	Total    int            `json:"total,omitempty"`
	WinnerID string         `json:"winnerId,omitempty"`
	LoserID  string         `json:"loserId,omitempty"`
	Frozen   map[string]int `json:"frozen,omitempty"`
	Mining   *Mining        `json:"mining,omitempty"`
}

// Wager rejection reasons.
const (
	ReasonInvalidArgument     = "invalid-argument"
	ReasonInviteNotFound      = "invite-not-found"
	ReasonMatchNotFound       = "match-not-found"
	ReasonMissingOpponent     = "missing-opponent"
	ReasonProfileNotFound     = "profile-not-found"
	ReasonInsufficient        = "insufficient-materials"
	ReasonProposalUnavailable = "proposal-unavailable"
	ReasonProposalMissing     = "proposal-missing"
	ReasonAutomatchDisabled   = "automatch-disabled"
	ReasonNotAgreed           = "not-agreed"
	ReasonAlreadyResolved     = "already-resolved"
	ReasonResultUndetermined  = "result-undetermined"
	ReasonNoWager             = "no-wager"
)
