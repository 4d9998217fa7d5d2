package panel

import (
	"context"
	"errors"
	"testing"
)

type fakeDirectory struct {
	raters   []Rater
	cfg      Config
	inserted []Rater
	setQuota int
}

func (f *fakeDirectory) Insert(_ context.Context, handle string, weight int) (Rater, error) {
	for _, r := range f.raters {
		if r.Handle == handle {
			return Rater{}, ErrRaterExists
		}
	}
	rec := Rater{ID: handle, Handle: handle, Weight: weight, Position: len(f.raters)}
	f.raters = append(f.raters, rec)
	f.inserted = append(f.inserted, rec)
	return rec, nil
}

func (f *fakeDirectory) List(_ context.Context) ([]Rater, error) { return f.raters, nil }

func (f *fakeDirectory) Count(_ context.Context) (int, error) { return len(f.raters), nil }

func (f *fakeDirectory) GetByHandle(_ context.Context, handle string) (Rater, error) {
	for _, r := range f.raters {
		if r.Handle == handle {
			return r, nil
		}
	}
	return Rater{}, ErrUnknownRater
}

func (f *fakeDirectory) SumWeights(_ context.Context) (int, error) {
	sum := 0
	for _, r := range f.raters {
		sum += r.Weight
	}
	return sum, nil
}

func (f *fakeDirectory) GetConfig(_ context.Context) (Config, error) { return f.cfg, nil }

func (f *fakeDirectory) SetQuota(_ context.Context, quota int) error {
	f.setQuota = quota
	f.cfg.Quota = quota
	return nil
}

type fakeGate struct {
	waiting bool
	err     error
}

func (f *fakeGate) AnyWaiting(_ context.Context) (bool, error) { return f.waiting, f.err }

func TestRegister_NonOwnerRejected(t *testing.T) {
	dir := &fakeDirectory{}
	svc := NewService(dir, &fakeGate{}, "court")

	if _, err := svc.Register(context.Background(), "stranger", "r1", 50); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if len(dir.inserted) != 0 {
		t.Errorf("expected no insert, got %d", len(dir.inserted))
	}
}

func TestRegister_DirectoryOrder(t *testing.T) {
	dir := &fakeDirectory{}
	svc := NewService(dir, &fakeGate{}, "court")
	ctx := context.Background()

	for i, handle := range []string{"r1", "r2", "r3"} {
		rec, err := svc.Register(ctx, "court", handle, 30)
		if err != nil {
			t.Fatalf("register %s: %v", handle, err)
		}
		if rec.Position != i {
			t.Errorf("expected position %d for %s, got %d", i, handle, rec.Position)
		}
	}

	if n, _ := svc.Count(ctx); n != 3 {
		t.Fatalf("expected panel size 3, got %d", n)
	}
}

func TestRegister_WeightOverTotal(t *testing.T) {
	dir := &fakeDirectory{raters: []Rater{{Handle: "r1", Weight: 70}}}
	svc := NewService(dir, &fakeGate{}, "court")

	if _, err := svc.Register(context.Background(), "court", "r2", 40); !errors.Is(err, ErrInvalidWeightConfig) {
		t.Fatalf("expected ErrInvalidWeightConfig, got %v", err)
	}
	if _, err := svc.Register(context.Background(), "court", "r2", -1); !errors.Is(err, ErrInvalidWeightConfig) {
		t.Fatalf("expected ErrInvalidWeightConfig for negative weight, got %v", err)
	}
	if _, err := svc.Register(context.Background(), "court", "r2", 30); err != nil {
		t.Fatalf("weight filling the total exactly must pass, got %v", err)
	}
}

func TestRegister_LockedWhileDisputesWaiting(t *testing.T) {
	dir := &fakeDirectory{}
	svc := NewService(dir, &fakeGate{waiting: true}, "court")

	if _, err := svc.Register(context.Background(), "court", "r1", 50); !errors.Is(err, ErrPanelLocked) {
		t.Fatalf("expected ErrPanelLocked, got %v", err)
	}
}

func TestIsAuthorized(t *testing.T) {
	dir := &fakeDirectory{raters: []Rater{{Handle: "r1", Weight: 100}}}
	svc := NewService(dir, &fakeGate{}, "court")
	ctx := context.Background()

	ok, err := svc.IsAuthorized(ctx, "r1")
	if err != nil || !ok {
		t.Fatalf("expected member, got ok=%v err=%v", ok, err)
	}
	ok, err = svc.IsAuthorized(ctx, "stranger")
	if err != nil || ok {
		t.Fatalf("expected non-member, got ok=%v err=%v", ok, err)
	}
}

func TestWeightOf_UnknownRater(t *testing.T) {
	svc := NewService(&fakeDirectory{}, &fakeGate{}, "court")

	if _, err := svc.WeightOf(context.Background(), "ghost"); !errors.Is(err, ErrUnknownRater) {
		t.Fatalf("expected ErrUnknownRater, got %v", err)
	}
}

func TestChangeQuota(t *testing.T) {
	dir := &fakeDirectory{cfg: Config{Quota: 60}}
	svc := NewService(dir, &fakeGate{}, "court")
	ctx := context.Background()

	if err := svc.ChangeQuota(ctx, "stranger", 70); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	for _, q := range []int{50, 100, 0, 101} {
		if err := svc.ChangeQuota(ctx, "court", q); !errors.Is(err, ErrInvalidQuota) {
			t.Fatalf("quota %d: expected ErrInvalidQuota, got %v", q, err)
		}
	}
	if err := svc.ChangeQuota(ctx, "court", 51); err != nil {
		t.Fatalf("quota 51 must pass, got %v", err)
	}
	if err := svc.ChangeQuota(ctx, "court", 99); err != nil {
		t.Fatalf("quota 99 must pass, got %v", err)
	}
	if dir.setQuota != 99 {
		t.Fatalf("expected quota 99 observable immediately, got %d", dir.setQuota)
	}
}
