package ratings

import "math"

// Standing is one side of a rated game before it is applied.
type Standing struct {
	Rating int
	// Games counts rated games including the one being applied.
	Games int
}

// Formula turns a decided game into both new ratings.
type Formula interface {
	Rate(winner, loser Standing) (newWinner, newLoser int)
}

// Elo is a K-factor Elo whose K shrinks as a player accumulates games, so new
// players move quickly and established ones settle.
type Elo struct {
	MaxK float64
	MinK float64
}

var DefaultFormula Formula = Elo{MaxK: 40, MinK: 16}

func (e Elo) k(games int) float64 {
	return math.Max(e.MinK, e.MaxK-float64(games)/4)
}

func (e Elo) Rate(winner, loser Standing) (int, int) {
	expected := 1 / (1 + math.Pow(10, float64(loser.Rating-winner.Rating)/400))
	gain := 1 - expected
	w := float64(winner.Rating) + e.k(winner.Games)*gain
	l := float64(loser.Rating) - e.k(loser.Games)*gain
	return int(math.Round(w)), int(math.Round(l))
}
