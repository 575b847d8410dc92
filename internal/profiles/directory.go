package profiles

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/park285/cheese-matchsync/internal/model"
	"github.com/park285/cheese-matchsync/internal/obslog"
	"github.com/park285/cheese-matchsync/internal/syncstore"
	"github.com/park285/cheese-matchsync/pkg/matchdto"
)

// PointerStore reads and writes the players/{login}/profile pointers.
type PointerStore interface {
	Get(ctx context.Context, path string) (syncstore.Snapshot, error)
	Set(ctx context.Context, path string, v any) error
}

// Directory maps transient login ids to durable profiles.
type Directory struct {
	store PointerStore
	repo  Repository
}

func NewDirectory(store PointerStore, repo Repository) *Directory {
	return &Directory{store: store, repo: repo}
}

func (d *Directory) Repo() Repository { return d.repo }

// ProfileIDForPlayer returns the profile pointer of a login or seat id, "" if unset.
func (d *Directory) ProfileIDForPlayer(ctx context.Context, playerID string) (string, error) {
	if strings.TrimSpace(playerID) == "" {
		return "", nil
	}
	snap, err := d.store.Get(ctx, model.ProfilePointerPath(playerID))
	if err != nil {
		return "", err
	}
	return snap.String(), nil
}

// ForCaller resolves the caller's profile from a claimed id, the login pointer or
// the profile's login list, in that order.
func (d *Directory) ForCaller(ctx context.Context, loginID, claimedProfileID string) (*matchdto.Profile, error) {
	if claimedProfileID != "" {
		return d.repo.Get(ctx, claimedProfileID)
	}
	pid, err := d.ProfileIDForPlayer(ctx, loginID)
	if err != nil {
		return nil, err
	}
	if pid != "" {
		return d.repo.Get(ctx, pid)
	}
	return d.repo.ByLogin(ctx, loginID)
}

// AuthorizeSeat lets a caller act for playerID when it is their own login or when
// the seat's profile pointer equals the caller's profile claim.
func (d *Directory) AuthorizeSeat(ctx context.Context, caller matchdto.Caller, playerID string) error {
	if caller.LoginID == playerID {
		return nil
	}
	pid, err := d.ProfileIDForPlayer(ctx, playerID)
	if err != nil {
		return err
	}
	if caller.ProfileID == "" || caller.ProfileID != pid {
		return matchdto.PermissionDenied("You don't have permission to perform this action for this player.")
	}
	return nil
}

// Link points loginID at profileID and records the login on the profile.
func (d *Directory) Link(ctx context.Context, loginID, profileID string) error {
	p, err := d.repo.Get(ctx, profileID)
	if errors.Is(err, ErrProfileNotFound) {
		p = &matchdto.Profile{ID: profileID, Rating: DefaultRating}
	} else if err != nil {
		return err
	}
	known := false
	for _, l := range p.Logins {
		if l == loginID {
			known = true
			break
		}
	}
	if !known {
		p.Logins = append(p.Logins, loginID)
		if err := d.repo.Upsert(ctx, p); err != nil {
			return err
		}
	}
	return d.store.Set(ctx, model.ProfilePointerPath(loginID), profileID)
}

const MaxUsernameLength = 14

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9]+$`)

// ValidateUsername returns a player-facing message, or "" when the name is acceptable.
func ValidateUsername(username string) string {
	switch {
	case username == "":
		return "Username can't be empty."
	case len(username) > MaxUsernameLength:
		return "Username must be 14 characters or fewer."
	case !usernamePattern.MatchString(username):
		return "Only letters and numbers are allowed."
	}
	return ""
}

// EditUsername renames the caller's profile. Uniqueness is checked up front and
// again inside the repository transaction.
func (d *Directory) EditUsername(ctx context.Context, loginID, profileID, username string) (matchdto.EditUsernameResponse, error) {
	username = strings.TrimSpace(username)
	p, err := d.ForCaller(ctx, loginID, profileID)
	if errors.Is(err, ErrProfileNotFound) {
		return matchdto.EditUsernameResponse{OK: false}, nil
	}
	if err != nil {
		return matchdto.EditUsernameResponse{}, err
	}
	if msg := ValidateUsername(username); msg != "" {
		return matchdto.EditUsernameResponse{OK: false, ValidationError: msg}, nil
	}
	if p.Username == username {
		return matchdto.EditUsernameResponse{OK: true}, nil
	}
	taken, err := d.repo.UsernameTaken(ctx, username, p.ID)
	if err != nil {
		return matchdto.EditUsernameResponse{}, err
	}
	if taken {
		return matchdto.EditUsernameResponse{OK: false, ValidationError: TakenMessage}, nil
	}
	if err := d.repo.SetUsername(ctx, p.ID, username); err != nil {
		if errors.Is(err, ErrUsernameTaken) {
			return matchdto.EditUsernameResponse{OK: false, ValidationError: TakenMessage}, nil
		}
		return matchdto.EditUsernameResponse{}, err
	}
	obslog.L().Info("username_edit",
		zap.String("profile_id", p.ID),
		zap.String("before", p.Username),
		zap.String("after", username),
	)
	return matchdto.EditUsernameResponse{OK: true}, nil
}
