package rules

import (
	"errors"
	"strings"
	"testing"

	"github.com/park285/cheese-matchsync/internal/model"
)

func TestReplayTracksTurnAndActiveColor(t *testing.T) {
	pos, err := ChessEngine{}.Replay(model.ParseMoves("e2e4"), nil)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if pos.Turn != 2 || pos.Active != model.ColorBlack || pos.Over {
		t.Fatalf("unexpected position %+v", pos)
	}
	if !strings.HasPrefix(pos.FEN, "rnbqkbnr/pppppppp/8/8/4P3/8/PPPP1PPP/RNBQKBNR b ") {
		t.Fatalf("unexpected fen %q", pos.FEN)
	}
}

func TestReplayDetectsMate(t *testing.T) {
	white := model.ParseMoves("f2f3-g2g4")
	black := model.ParseMoves("e7e5-d8h4")
	pos, err := ChessEngine{}.Replay(white, black)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if pos.Winner != model.ColorBlack || !pos.Over {
		t.Fatalf("expected black mate, got %+v", pos)
	}

	own := model.Match{Color: model.ColorWhite, FlatMovesString: white.String()}
	opp := model.Match{Color: model.ColorBlack, FlatMovesString: black.String()}
	res, err := Outcome(ChessEngine{}, own, opp)
	if err != nil || res != ResultLoss {
		t.Fatalf("Outcome = %v, %v", res, err)
	}
	res, _ = Outcome(ChessEngine{}, opp, own)
	if res != ResultWin {
		t.Fatalf("opponent view = %v", res)
	}
}

func TestReplayRejectsBrokenHistories(t *testing.T) {
	if _, err := (ChessEngine{}).Replay(nil, model.ParseMoves("e7e5")); !errors.Is(err, ErrIllegalHistory) {
		t.Fatalf("black first should fail, got %v", err)
	}
	if _, err := (ChessEngine{}).Replay(model.ParseMoves("e2e5"), nil); !errors.Is(err, ErrIllegalHistory) {
		t.Fatalf("illegal move should fail, got %v", err)
	}
}

func TestOutcomePrefersSurrenderAndTimer(t *testing.T) {
	own := model.Match{Color: model.ColorWhite}
	opp := model.Match{Color: model.ColorBlack, Status: model.StatusSurrendered}
	if res, _ := Outcome(ChessEngine{}, own, opp); res != ResultWin {
		t.Fatalf("opponent surrender should be a win, got %v", res)
	}
	own.Timer = model.TimerGGLiteral
	opp.Status = ""
	if res, _ := Outcome(ChessEngine{}, own, opp); res != ResultWin {
		t.Fatalf("claimed timer should be a win, got %v", res)
	}
	ended, _, err := Ended(ChessEngine{}, own, opp)
	if err != nil || !ended {
		t.Fatalf("Ended = %v, %v", ended, err)
	}
}
