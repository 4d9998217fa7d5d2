package panel

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrUnauthorized signals a non-owner administrative call.
	ErrUnauthorized = errors.New("panel: unauthorized")
	// ErrInvalidWeightConfig signals a weight that would break the
	// panel-sums-to-100 convention the fusion arithmetic relies on.
	ErrInvalidWeightConfig = errors.New("panel: invalid weight configuration")
	// ErrInvalidQuota signals a quota outside the open interval (50,100).
	ErrInvalidQuota = errors.New("panel: quota must be strictly between 50 and 100")
	// ErrPanelLocked signals membership mutation while disputes are still
	// waiting; fusing a mix of old and new weights is never allowed.
	ErrPanelLocked = errors.New("panel: waiting disputes forbid membership changes")
)

// Directory abstracts repository operations for the service.
type Directory interface {
	Insert(ctx context.Context, handle string, weight int) (Rater, error)
	List(ctx context.Context) ([]Rater, error)
	Count(ctx context.Context) (int, error)
	GetByHandle(ctx context.Context, handle string) (Rater, error)
	SumWeights(ctx context.Context) (int, error)
	GetConfig(ctx context.Context) (Config, error)
	SetQuota(ctx context.Context, quota int) error
}

// DisputeGate reports whether any dispute is still waiting on verdicts.
type DisputeGate interface {
	AnyWaiting(ctx context.Context) (bool, error)
}

// Service exposes directory membership and quota administration. All
// mutations are gated on the configured owner handle.
type Service struct {
	dir   Directory
	gate  DisputeGate
	owner string
}

func NewService(dir Directory, gate DisputeGate, owner string) *Service {
	return &Service{dir: dir, gate: gate, owner: owner}
}

// Register appends a rater to the panel. Owner-only; rejected while any
// dispute is waiting and whenever the new weight would push the panel
// total past WeightTotal. The gate and budget checks here fail fast on
// committed state; the repository insert repeats both inside its own
// transaction, serialized against dispute creation.
func (s *Service) Register(ctx context.Context, actor, handle string, weight int) (Rater, error) {
	if actor != s.owner {
		return Rater{}, ErrUnauthorized
	}
	if handle == "" {
		return Rater{}, fmt.Errorf("panel: rater handle required")
	}
	if weight < 0 || weight > WeightTotal {
		return Rater{}, ErrInvalidWeightConfig
	}

	if s.gate != nil {
		waiting, err := s.gate.AnyWaiting(ctx)
		if err != nil {
			return Rater{}, err
		}
		if waiting {
			return Rater{}, ErrPanelLocked
		}
	}

	sum, err := s.dir.SumWeights(ctx)
	if err != nil {
		return Rater{}, err
	}
	if sum+weight > WeightTotal {
		return Rater{}, ErrInvalidWeightConfig
	}

	return s.dir.Insert(ctx, handle, weight)
}

// IsAuthorized reports whether the handle belongs to the panel.
func (s *Service) IsAuthorized(ctx context.Context, handle string) (bool, error) {
	_, err := s.dir.GetByHandle(ctx, handle)
	if err != nil {
		if errors.Is(err, ErrUnknownRater) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Member returns the directory record for the handle.
func (s *Service) Member(ctx context.Context, handle string) (Rater, error) {
	return s.dir.GetByHandle(ctx, handle)
}

// WeightOf returns the registered influence weight for the handle.
func (s *Service) WeightOf(ctx context.Context, handle string) (int, error) {
	rec, err := s.dir.GetByHandle(ctx, handle)
	if err != nil {
		return 0, err
	}
	return rec.Weight, nil
}

// Count returns the panel size.
func (s *Service) Count(ctx context.Context) (int, error) {
	return s.dir.Count(ctx)
}

// List returns the panel in directory order.
func (s *Service) List(ctx context.Context) ([]Rater, error) {
	return s.dir.List(ctx)
}

// SumWeights returns the current panel weight total.
func (s *Service) SumWeights(ctx context.Context) (int, error) {
	return s.dir.SumWeights(ctx)
}

// Config returns the current quota and per-rater fee.
func (s *Service) Config(ctx context.Context) (Config, error) {
	return s.dir.GetConfig(ctx)
}

// ChangeQuota updates the binarization threshold. Owner-only; the quota is
// read at fusion time, so already-solved disputes keep their ruling.
func (s *Service) ChangeQuota(ctx context.Context, actor string, quota int) error {
	if actor != s.owner {
		return ErrUnauthorized
	}
	if quota <= 50 || quota >= 100 {
		return ErrInvalidQuota
	}
	return s.dir.SetQuota(ctx, quota)
}
