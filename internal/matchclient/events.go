package matchclient

import (
	"go.uber.org/zap"

	"github.com/park285/cheese-matchsync/internal/model"
	"github.com/park285/cheese-matchsync/internal/obslog"
	"github.com/park285/cheese-matchsync/internal/rematch"
)

type EventKind string

const (
	EventConnected    EventKind = "connected"
	EventOwnMatch     EventKind = "own-match"
	EventOpponent     EventKind = "opponent-match"
	EventSeries       EventKind = "series"
	EventRematchReady EventKind = "rematch-ready"
	EventReactions    EventKind = "reactions"
	EventWager        EventKind = "wager"
	EventTornDown     EventKind = "torn-down"
)

// Event is one state change of the active context. Only the fields that belong to
// Kind are set.
type Event struct {
	Kind      EventKind
	ContextID string
	MatchID   string

	Match     *model.Match
	Series    *rematch.Series
	Reactions map[string]model.Reaction
	Wager     *model.WagerState
	Frozen    model.Materials
}

func (c *Client) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		obslog.L().Warn("matchclient_event_dropped", zap.String("kind", string(ev.Kind)), zap.String("match_id", ev.MatchID))
	}
}
