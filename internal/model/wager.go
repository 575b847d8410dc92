package model

import "strings"

// Material is one of the mined resources a wager can stake.
type Material string

const (
	Dust  Material = "dust"
	Slime Material = "slime"
	Gum   Material = "gum"
	Metal Material = "metal"
	Ice   Material = "ice"
)

var AllMaterials = []Material{Dust, Slime, Gum, Metal, Ice}

func ParseMaterial(s string) (Material, bool) {
	m := Material(strings.ToLower(strings.TrimSpace(s)))
	for _, k := range AllMaterials {
		if k == m {
			return m, true
		}
	}
	return "", false
}

// Materials counts resources per material. Missing keys read as zero.
type Materials map[Material]int

func (m Materials) Get(k Material) int {
	if m == nil {
		return 0
	}
	if v := m[k]; v > 0 {
		return v
	}
	return 0
}

// Normalized returns a copy with every material present and no negatives.
func (m Materials) Normalized() Materials {
	out := make(Materials, len(AllMaterials))
	for _, k := range AllMaterials {
		out[k] = m.Get(k)
	}
	return out
}

func (m Materials) Clone() Materials {
	if m == nil {
		return nil
	}
	out := make(Materials, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Add applies delta to k, never dropping below zero.
func (m Materials) Add(k Material, delta int) {
	v := m.Get(k) + delta
	if v < 0 {
		v = 0
	}
	m[k] = v
}

// Proposal is one side's offered stake.
type Proposal struct {
	Material  Material `json:"material"`
	Count     int      `json:"count"`
	CreatedAt int64    `json:"createdAt"`
}

// Agreement is a stake both sides committed to.
type Agreement struct {
	Material   Material `json:"material"`
	Count      int      `json:"count"`
	Total      int      `json:"total"`
	ProposerID string   `json:"proposerId"`
	AccepterID string   `json:"accepterId"`
	AcceptedAt int64    `json:"acceptedAt"`
}

// Resolution records the transfer that settled an agreement.
type Resolution struct {
	Material   Material `json:"material"`
	Count      int      `json:"count"`
	Total      int      `json:"total"`
	WinnerID   string   `json:"winnerId"`
	LoserID    string   `json:"loserId"`
	ResolvedAt int64    `json:"resolvedAt"`
}

// WagerPhase is derived from which fields of a WagerState are set.
type WagerPhase string

const (
	WagerNone     WagerPhase = "none"
	WagerProposed WagerPhase = "proposed"
	WagerAgreed   WagerPhase = "agreed"
	WagerResolved WagerPhase = "resolved"
)

// WagerState lives at invites/{inviteId}/wagers/{matchId}.
type WagerState struct {
	Proposals  map[string]Proposal `json:"proposals,omitempty"`
	ProposedBy map[string]bool     `json:"proposedBy,omitempty"`
	Agreed     *Agreement          `json:"agreed,omitempty"`
	Resolved   *Resolution         `json:"resolved,omitempty"`
}

func (w WagerState) Phase() WagerPhase {
	switch {
	case w.Resolved != nil:
		return WagerResolved
	case w.Agreed != nil:
		return WagerAgreed
	case len(w.Proposals) > 0:
		return WagerProposed
	}
	return WagerNone
}

func (w WagerState) Clone() WagerState {
	out := WagerState{}
	if w.Proposals != nil {
		out.Proposals = make(map[string]Proposal, len(w.Proposals))
		for k, v := range w.Proposals {
			out.Proposals[k] = v
		}
	}
	if w.ProposedBy != nil {
		out.ProposedBy = make(map[string]bool, len(w.ProposedBy))
		for k, v := range w.ProposedBy {
			out.ProposedBy[k] = v
		}
	}
	if w.Agreed != nil {
		a := *w.Agreed
		out.Agreed = &a
	}
	if w.Resolved != nil {
		r := *w.Resolved
		out.Resolved = &r
	}
	return out
}

// Empty reports whether nothing remains worth storing.
func (w WagerState) Empty() bool {
	return len(w.Proposals) == 0 && len(w.ProposedBy) == 0 && w.Agreed == nil && w.Resolved == nil
}

// Wire renders the counts with plain string keys for JSON payloads.
func (m Materials) Wire() map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[string(k)] = v
	}
	return out
}
