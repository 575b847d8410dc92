package profiles

import (
    "context"
    "database/sql"
    "encoding/json"
    "errors"
    "fmt"
    "strings"
    "time"

    "github.com/lib/pq"

    "github.com/park285/cheese-matchsync/pkg/matchdto"
)

const schema = `
CREATE TABLE IF NOT EXISTS profiles (
    profile_id  TEXT PRIMARY KEY,
    logins      TEXT[] NOT NULL DEFAULT '{}',
    username    TEXT,
    rating      INTEGER NOT NULL DEFAULT 1500,
    games_count INTEGER NOT NULL DEFAULT 0,
    wins        INTEGER NOT NULL DEFAULT 0,
    losses      INTEGER NOT NULL DEFAULT 0,
    nonce       INTEGER NOT NULL DEFAULT 0,
    materials   JSONB NOT NULL DEFAULT '{}'::jsonb,
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS profiles_username_lower ON profiles (lower(username)) WHERE username IS NOT NULL;
CREATE INDEX IF NOT EXISTS profiles_logins ON profiles USING GIN (logins);`

type PGRepository struct {
    db *sql.DB
}

func NewPGRepository(ctx context.Context, databaseURL string) (*PGRepository, error) {
    if strings.TrimSpace(databaseURL) == "" {
        return nil, fmt.Errorf("DATABASE_URL is required")
    }
    db, err := sql.Open("postgres", databaseURL)
    if err != nil {
        return nil, err
    }
    db.SetMaxOpenConns(16)
    db.SetMaxIdleConns(8)
    db.SetConnMaxLifetime(30 * time.Minute)
    pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
    defer cancel()
    if err := db.PingContext(pingCtx); err != nil {
        _ = db.Close()
        return nil, err
    }
    if _, err := db.ExecContext(ctx, schema); err != nil {
        _ = db.Close()
        return nil, fmt.Errorf("ensure profiles schema: %w", err)
    }
    return &PGRepository{db: db}, nil
}

func (r *PGRepository) Close() error {
    if r == nil || r.db == nil { return nil }
    return r.db.Close()
}

const selectProfile = `SELECT profile_id, logins, COALESCE(username, ''), rating, games_count, wins, losses, nonce, materials, updated_at FROM profiles`

type rowScanner interface{ Scan(dest ...any) error }

func scanProfile(row rowScanner) (*matchdto.Profile, error) {
    var (
        p         matchdto.Profile
        logins    pq.StringArray
        materials []byte
    )
    err := row.Scan(&p.ID, &logins, &p.Username, &p.Rating, &p.GamesCount, &p.Wins, &p.Losses, &p.Nonce, &materials, &p.UpdatedAt)
    if errors.Is(err, sql.ErrNoRows) { return nil, ErrProfileNotFound }
    if err != nil { return nil, err }
    p.Logins = []string(logins)
    if len(materials) > 0 {
        if err := json.Unmarshal(materials, &p.Materials); err != nil {
            return nil, fmt.Errorf("decode materials: %w", err)
        }
    }
    return &p, nil
}

func (r *PGRepository) Get(ctx context.Context, profileID string) (*matchdto.Profile, error) {
    return scanProfile(r.db.QueryRowContext(ctx, selectProfile+` WHERE profile_id = $1`, profileID))
}

func (r *PGRepository) ByLogin(ctx context.Context, loginID string) (*matchdto.Profile, error) {
    return scanProfile(r.db.QueryRowContext(ctx, selectProfile+` WHERE $1 = ANY(logins) LIMIT 1`, loginID))
}

// Upsert inserts or replaces a profile document.
func (r *PGRepository) Upsert(ctx context.Context, p *matchdto.Profile) error {
    if p == nil || p.ID == "" { return nil }
    materials, err := json.Marshal(p.Materials)
    if err != nil { return err }
    if p.Materials == nil { materials = []byte("{}") }
    rating := p.Rating
    if rating == 0 { rating = DefaultRating }
    var username any
    if strings.TrimSpace(p.Username) != "" { username = p.Username }
    q := `INSERT INTO profiles (profile_id, logins, username, rating, games_count, wins, losses, nonce, materials, updated_at)
      VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,now())
      ON CONFLICT (profile_id) DO UPDATE SET
        logins=EXCLUDED.logins,
        username=EXCLUDED.username,
        rating=EXCLUDED.rating,
        games_count=EXCLUDED.games_count,
        wins=EXCLUDED.wins,
        losses=EXCLUDED.losses,
        nonce=EXCLUDED.nonce,
        materials=EXCLUDED.materials,
        updated_at=now()`
    _, err = r.db.ExecContext(ctx, q, p.ID, pq.Array(p.Logins), username, rating, p.GamesCount, p.Wins, p.Losses, p.Nonce, string(materials))
    return err
}

func (r *PGRepository) UsernameTaken(ctx context.Context, username, exceptProfileID string) (bool, error) {
    var exists bool
    err := r.db.QueryRowContext(ctx,
        `SELECT EXISTS (SELECT 1 FROM profiles WHERE lower(username) = $1 AND profile_id <> $2)`,
        normalizeUsername(username), exceptProfileID).Scan(&exists)
    return exists, err
}

func (r *PGRepository) SetUsername(ctx context.Context, profileID, username string) error {
    return r.inTx(ctx, func(tx *sql.Tx) error {
        var holder string
        err := tx.QueryRowContext(ctx,
            `SELECT profile_id FROM profiles WHERE lower(username) = $1 AND profile_id <> $2 LIMIT 1 FOR UPDATE`,
            normalizeUsername(username), profileID).Scan(&holder)
        if err == nil { return ErrUsernameTaken }
        if !errors.Is(err, sql.ErrNoRows) { return err }
        res, err := tx.ExecContext(ctx, `UPDATE profiles SET username = $2, updated_at = now() WHERE profile_id = $1`, profileID, username)
        if err != nil {
            var pqErr *pq.Error
            // unique index caught a writer that slipped in after the check
            if errors.As(err, &pqErr) && pqErr.Code == "23505" { return ErrUsernameTaken }
            return err
        }
        if n, _ := res.RowsAffected(); n == 0 { return ErrProfileNotFound }
        return nil
    })
}

func (r *PGRepository) ApplyRatings(ctx context.Context, a, b RatingChange) error {
    return r.inTx(ctx, func(tx *sql.Tx) error {
        for _, c := range []RatingChange{a, b} {
            wins, losses := 0, 1
            if c.Win { wins, losses = 1, 0 }
            res, err := tx.ExecContext(ctx,
                `UPDATE profiles SET rating = $2, nonce = $3, games_count = games_count + 1,
                   wins = wins + $4, losses = losses + $5, updated_at = now() WHERE profile_id = $1`,
                c.ProfileID, c.Rating, c.Nonce, wins, losses)
            if err != nil { return err }
            if n, _ := res.RowsAffected(); n == 0 { return ErrProfileNotFound }
        }
        return nil
    })
}

func (r *PGRepository) TransferMaterials(ctx context.Context, material string, count int, winnerID, loserID string) (map[string]int, map[string]int, error) {
    var winner, loser map[string]int
    err := r.inTx(ctx, func(tx *sql.Tx) error {
        var err error
        // fixed lock order avoids deadlocks between two concurrent settlements
        ids := []string{winnerID, loserID}
        if loserID < winnerID { ids = []string{loserID, winnerID} }
        ledgers := make(map[string]map[string]int, 2)
        for _, id := range ids {
            var raw []byte
            if err = tx.QueryRowContext(ctx, `SELECT materials FROM profiles WHERE profile_id = $1 FOR UPDATE`, id).Scan(&raw); err != nil {
                if errors.Is(err, sql.ErrNoRows) { return ErrProfileNotFound }
                return err
            }
            m := map[string]int{}
            if len(raw) > 0 {
                if err := json.Unmarshal(raw, &m); err != nil { return err }
            }
            ledgers[id] = m
        }
        winner = applyTransfer(ledgers[winnerID], material, count)
        loser = applyTransfer(ledgers[loserID], material, -count)
        for id, m := range map[string]map[string]int{winnerID: winner, loserID: loser} {
            raw, _ := json.Marshal(m)
            if _, err := tx.ExecContext(ctx, `UPDATE profiles SET materials = $2, updated_at = now() WHERE profile_id = $1`, id, string(raw)); err != nil {
                return err
            }
        }
        return nil
    })
    if err != nil { return nil, nil, err }
    return winner, loser, nil
}

func (r *PGRepository) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
    tx, err := r.db.BeginTx(ctx, nil)
    if err != nil { return err }
    if err := fn(tx); err != nil {
        _ = tx.Rollback()
        return err
    }
    return tx.Commit()
}
