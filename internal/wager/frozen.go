package wager

import (
	"context"

	"github.com/park285/cheese-matchsync/internal/model"
	"github.com/park285/cheese-matchsync/internal/syncstore"
)

// Frozen counts live at players/{id}/mining/frozen and are only changed through
// transactions so concurrent proposals cannot overdraw a ledger.

func decodeFrozen(cur syncstore.Snapshot) (model.Materials, error) {
	var m model.Materials
	if err := cur.Decode(&m); err != nil {
		return nil, err
	}
	return m.Normalized(), nil
}

// reserve freezes up to count, limited by what totals leaves unfrozen.
func (s *Service) reserve(ctx context.Context, actor string, material model.Material, count int, totals model.Materials) (int, error) {
	reserved := 0
	_, err := s.store.Transaction(ctx, model.FrozenPath(actor), func(cur syncstore.Snapshot) (any, bool, error) {
		reserved = 0
		frozen, err := decodeFrozen(cur)
		if err != nil {
			return nil, false, err
		}
		available := totals.Get(material) - frozen.Get(material)
		n := min(count, available)
		if n <= 0 {
			return nil, false, nil
		}
		frozen[material] += n
		reserved = n
		return frozen, true, nil
	})
	if err != nil {
		return 0, err
	}
	return reserved, nil
}

// reserveAccepted releases the accepter's own open proposal and freezes the
// accepted count in one step. It returns the count and the delta it applied.
func (s *Service) reserveAccepted(ctx context.Context, actor string, material model.Material, proposed int, own *model.Proposal, totals model.Materials) (int, model.Materials, error) {
	accepted := 0
	var applied model.Materials
	_, err := s.store.Transaction(ctx, model.FrozenPath(actor), func(cur syncstore.Snapshot) (any, bool, error) {
		accepted, applied = 0, nil
		frozen, err := decodeFrozen(cur)
		if err != nil {
			return nil, false, err
		}
		before := frozen.Clone()
		if own != nil && own.Count > 0 {
			frozen.Add(own.Material, -own.Count)
		}
		n := min(proposed, totals.Get(material)-frozen.Get(material))
		if n <= 0 {
			return nil, false, nil
		}
		frozen[material] += n
		applied = model.Materials{}
		for _, k := range model.AllMaterials {
			if d := frozen.Get(k) - before.Get(k); d != 0 {
				applied[k] = d
			}
		}
		accepted = n
		return frozen, true, nil
	})
	if err != nil {
		return 0, nil, err
	}
	return accepted, applied, nil
}

// adjustFrozen applies delta, clamping at zero and, when limit is set, at limit.
func (s *Service) adjustFrozen(ctx context.Context, actor string, delta model.Materials, limit model.Materials) error {
	if len(delta) == 0 {
		return nil
	}
	_, err := s.store.Transaction(ctx, model.FrozenPath(actor), func(cur syncstore.Snapshot) (any, bool, error) {
		frozen, err := decodeFrozen(cur)
		if err != nil {
			return nil, false, err
		}
		for k, d := range delta {
			frozen.Add(k, d)
			if limit != nil && frozen[k] > limit.Get(k) {
				frozen[k] = limit.Get(k)
			}
		}
		return frozen, true, nil
	})
	return err
}
