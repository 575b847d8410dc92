// Package rules is the port to the game rules. The coordinator only asks whose turn
// it is and whether the game has ended.
package rules

import (
	"errors"
	"fmt"

	nchess "github.com/corentings/chess/v2"

	"github.com/park285/cheese-matchsync/internal/model"
)

var ErrIllegalHistory = errors.New("rules: something is wrong with the moves")

// Position is what the coordinator needs from a replayed game.
type Position struct {
	Turn   int    // 1-based, advances on every move
	Active string // color to move
	Winner string // "" while undecided or drawn
	Over   bool
	FEN    string
}

type Engine interface {
	Replay(white, black model.Moves) (Position, error)
	InitialFEN() string
}

// ChessEngine replays UCI tokens with corentings/chess. White moves first and the
// two histories must alternate.
type ChessEngine struct{}

func (ChessEngine) InitialFEN() string { return nchess.NewGame().FEN() }

func (ChessEngine) Replay(white, black model.Moves) (Position, error) {
	if len(black) > len(white) || len(white) > len(black)+1 {
		return Position{}, fmt.Errorf("%w: %d white vs %d black", ErrIllegalHistory, len(white), len(black))
	}
	game := nchess.NewGame()
	total := len(white) + len(black)
	for ply := 0; ply < total; ply++ {
		mv := white[ply/2]
		if ply%2 == 1 {
			mv = black[ply/2]
		}
		if err := game.PushNotationMove(mv, nchess.UCINotation{}, nil); err != nil {
			return Position{}, fmt.Errorf("%w: ply %d %q: %v", ErrIllegalHistory, ply+1, mv, err)
		}
	}
	pos := Position{Turn: total + 1, Active: model.ColorWhite, FEN: game.FEN()}
	if game.Position().Turn() == nchess.Black {
		pos.Active = model.ColorBlack
	}
	switch game.Outcome() {
	case nchess.WhiteWon:
		pos.Winner, pos.Over = model.ColorWhite, true
	case nchess.BlackWon:
		pos.Winner, pos.Over = model.ColorBlack, true
	case nchess.Draw:
		pos.Over = true
	}
	return pos, nil
}

// Histories orders two per-player records into white and black move lists.
func Histories(own, opponent model.Match) (white, black model.Moves) {
	if own.Color == model.ColorWhite {
		return own.Moves(), opponent.Moves()
	}
	return opponent.Moves(), own.Moves()
}

type Result string

const (
	ResultWin  Result = "win"
	ResultLoss Result = "gg"
	ResultNone Result = "none"
)

// Outcome is the result from own's point of view: surrender and claimed timers
// first, then the board.
func Outcome(engine Engine, own, opponent model.Match) (Result, error) {
	switch {
	case own.Surrendered() || opponent.TimerGG():
		return ResultLoss, nil
	case opponent.Surrendered() || own.TimerGG():
		return ResultWin, nil
	}
	pos, err := engine.Replay(Histories(own, opponent))
	if err != nil {
		return ResultNone, err
	}
	switch {
	case pos.Winner == "":
		return ResultNone, nil
	case pos.Winner == own.Color:
		return ResultWin, nil
	case pos.Winner == opponent.Color:
		return ResultLoss, nil
	}
	return ResultNone, nil
}

// Ended reports whether either record or the board already closed the game.
func Ended(engine Engine, own, opponent model.Match) (bool, Position, error) {
	pos, err := engine.Replay(Histories(own, opponent))
	if err != nil {
		return false, Position{}, err
	}
	over := own.Surrendered() || opponent.Surrendered() || own.TimerGG() || opponent.TimerGG() || pos.Over
	return over, pos, nil
}
