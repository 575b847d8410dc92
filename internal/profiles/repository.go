// Package profiles stores the durable player documents: ratings, usernames and the
// materials ledger wagers settle against.
package profiles

import (
    "context"
    "errors"
    "strings"

    "github.com/park285/cheese-matchsync/pkg/matchdto"
)

var (
    ErrProfileNotFound = errors.New("profile not found")
    ErrUsernameTaken   = errors.New("username taken")
)

// TakenMessage is shown to players whose chosen name belongs to someone else.
const TakenMessage = "That name has been taken. Please choose another."

const DefaultRating = 1500

// RatingChange is one side of a rated game.
type RatingChange struct {
    ProfileID string
    Rating    int
    Nonce     int
    Win       bool
}

type Repository interface {
    Get(ctx context.Context, profileID string) (*matchdto.Profile, error)
    // ByLogin finds the profile whose logins contain loginID.
    ByLogin(ctx context.Context, loginID string) (*matchdto.Profile, error)
    Upsert(ctx context.Context, p *matchdto.Profile) error
    UsernameTaken(ctx context.Context, username, exceptProfileID string) (bool, error)
    // SetUsername re-checks uniqueness inside its own transaction.
    SetUsername(ctx context.Context, profileID, username string) error
    // ApplyRatings writes both sides of a rated game atomically.
    ApplyRatings(ctx context.Context, a, b RatingChange) error
    // TransferMaterials moves count of material from loser to winner and returns
    // both updated ledgers.
    TransferMaterials(ctx context.Context, material string, count int, winnerID, loserID string) (winner, loser map[string]int, err error)
}

func normalizeUsername(u string) string { return strings.ToLower(strings.TrimSpace(u)) }

func cloneProfile(p *matchdto.Profile) *matchdto.Profile {
    if p == nil { return nil }
    cp := *p
    cp.Logins = append([]string(nil), p.Logins...)
    if p.Materials != nil {
        cp.Materials = make(map[string]int, len(p.Materials))
        for k, v := range p.Materials { cp.Materials[k] = v }
    }
    return &cp
}

func applyTransfer(m map[string]int, material string, delta int) map[string]int {
    if m == nil { m = make(map[string]int) }
    v := m[material] + delta
    if v < 0 { v = 0 }
    m[material] = v
    return m
}
