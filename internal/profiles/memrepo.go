package profiles

import (
    "context"
    "sync"
    "time"

    "github.com/park285/cheese-matchsync/pkg/matchdto"
)

// memrepo is a development/test repository used when no DATABASE_URL is configured.
type memrepo struct {
    mu       sync.RWMutex
    profiles map[string]*matchdto.Profile
    now      func() time.Time
}

func NewMemoryRepository() Repository {
    return &memrepo{profiles: make(map[string]*matchdto.Profile), now: time.Now}
}

func (m *memrepo) Get(ctx context.Context, profileID string) (*matchdto.Profile, error) {
    m.mu.RLock()
    defer m.mu.RUnlock()
    p, ok := m.profiles[profileID]
    if !ok { return nil, ErrProfileNotFound }
    return cloneProfile(p), nil
}

func (m *memrepo) ByLogin(ctx context.Context, loginID string) (*matchdto.Profile, error) {
    m.mu.RLock()
    defer m.mu.RUnlock()
    for _, p := range m.profiles {
        for _, l := range p.Logins {
            if l == loginID { return cloneProfile(p), nil }
        }
    }
    return nil, ErrProfileNotFound
}

func (m *memrepo) Upsert(ctx context.Context, p *matchdto.Profile) error {
    if p == nil || p.ID == "" { return nil }
    cp := cloneProfile(p)
    if cp.Rating == 0 { cp.Rating = DefaultRating }
    cp.UpdatedAt = m.now()
    m.mu.Lock()
    m.profiles[p.ID] = cp
    m.mu.Unlock()
    return nil
}

func (m *memrepo) UsernameTaken(ctx context.Context, username, exceptProfileID string) (bool, error) {
    m.mu.RLock()
    defer m.mu.RUnlock()
    return m.takenLocked(username, exceptProfileID), nil
}

func (m *memrepo) takenLocked(username, exceptProfileID string) bool {
    want := normalizeUsername(username)
    for id, p := range m.profiles {
        if id != exceptProfileID && normalizeUsername(p.Username) == want { return true }
    }
    return false
}

func (m *memrepo) SetUsername(ctx context.Context, profileID, username string) error {
    m.mu.Lock()
    defer m.mu.Unlock()
    p, ok := m.profiles[profileID]
    if !ok { return ErrProfileNotFound }
    if m.takenLocked(username, profileID) { return ErrUsernameTaken }
    p.Username = username
    p.UpdatedAt = m.now()
    return nil
}

func (m *memrepo) ApplyRatings(ctx context.Context, a, b RatingChange) error {
    m.mu.Lock()
    defer m.mu.Unlock()
    pa, okA := m.profiles[a.ProfileID]
    pb, okB := m.profiles[b.ProfileID]
    if !okA || !okB { return ErrProfileNotFound }
    for _, pair := range []struct {
        p *matchdto.Profile
        c RatingChange
    }{{pa, a}, {pb, b}} {
        pair.p.Rating = pair.c.Rating
        pair.p.Nonce = pair.c.Nonce
        pair.p.GamesCount++
        if pair.c.Win { pair.p.Wins++ } else { pair.p.Losses++ }
        pair.p.UpdatedAt = m.now()
    }
    return nil
}

func (m *memrepo) TransferMaterials(ctx context.Context, material string, count int, winnerID, loserID string) (map[string]int, map[string]int, error) {
    m.mu.Lock()
    defer m.mu.Unlock()
    w, okW := m.profiles[winnerID]
    l, okL := m.profiles[loserID]
    if !okW || !okL { return nil, nil, ErrProfileNotFound }
    w.Materials = applyTransfer(w.Materials, material, count)
    l.Materials = applyTransfer(l.Materials, material, -count)
    return cloneProfile(w).Materials, cloneProfile(l).Materials, nil
}
