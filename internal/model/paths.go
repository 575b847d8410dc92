package model

// Store paths. Records live at the roots; deeper paths address their fields.

func InvitePath(inviteID string) string { return "invites/" + inviteID }

func InviteGuestPath(inviteID string) string { return InvitePath(inviteID) + "/guestId" }

func HostRematchesPath(inviteID string) string { return InvitePath(inviteID) + "/hostRematches" }

func GuestRematchesPath(inviteID string) string { return InvitePath(inviteID) + "/guestRematches" }

func ReactionsPath(inviteID string) string { return InvitePath(inviteID) + "/reactions" }

func WagersPath(inviteID string) string { return InvitePath(inviteID) + "/wagers" }

func WagerPath(inviteID, matchID string) string { return WagersPath(inviteID) + "/" + matchID }

func WagerResolutionFlagPath(inviteID, matchID string) string {
	return InvitePath(inviteID) + "/matchesWagerResolutions/" + matchID
}

func RatingUpdateFlagPath(inviteID, matchID string) string {
	return InvitePath(inviteID) + "/matchesRatingUpdates/" + matchID
}

const AutomatchCollection = "automatch"

func TicketPath(ticketID string) string { return AutomatchCollection + "/" + ticketID }

func MatchPath(playerID, matchID string) string {
	return "players/" + playerID + "/matches/" + matchID
}

func MatchTimerPath(playerID, matchID string) string { return MatchPath(playerID, matchID) + "/timer" }

func ProfilePointerPath(loginID string) string { return "players/" + loginID + "/profile" }

func FrozenPath(actorID string) string { return "players/" + actorID + "/mining/frozen" }
