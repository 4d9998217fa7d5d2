package dispute

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"panelflow/fee"
	"panelflow/panel"
	"panelflow/payment"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Repository defines the data access required by the service.
type Repository interface {
	LockPanelConfig(ctx context.Context, tx pgx.Tx) error
	InsertDispute(ctx context.Context, tx pgx.Tx, claimant string, choices int, paid uint64) (int64, error)
	InsertSubDispute(ctx context.Context, tx pgx.Tx, sd SubDispute) error
	GetForUpdate(ctx context.Context, tx pgx.Tx, id int64) (Record, error)
	GetSubDisputeForRater(ctx context.Context, tx pgx.Tx, disputeID int64, raterID string) (SubDispute, error)
	InsertVote(ctx context.Context, tx pgx.Tx, v Vote) error
	CountVotes(ctx context.Context, tx pgx.Tx, id int64) (int, error)
	CountSubDisputes(ctx context.Context, tx pgx.Tx, id int64) (int, error)
	ListVotes(ctx context.Context, tx pgx.Tx, id int64) ([]Vote, error)
	MarkSolved(ctx context.Context, tx pgx.Tx, id int64, ruling int, underflow bool) (time.Time, error)
	AppendOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
	Get(ctx context.Context, id int64) (Record, error)
	ListSubDisputes(ctx context.Context, id int64) ([]SubDispute, error)
}

// PanelReader is the slice of the panel service the dispute engine needs.
type PanelReader interface {
	List(ctx context.Context) ([]panel.Rater, error)
	Member(ctx context.Context, handle string) (panel.Rater, error)
	Config(ctx context.Context) (panel.Config, error)
}

// Rater is the delegation capability every directory member exposes: it
// accepts a sub-dispute and later calls back with a verdict through Rule.
type Rater interface {
	OpenSubDispute(ctx context.Context, choices int, extra []byte) (int64, error)
}

// RaterResolver maps a directory handle to its delegation endpoint.
type RaterResolver interface {
	Resolve(handle string) (Rater, error)
}

// Service is the dispute registry, delegation fan-out, and ruling fusion
// engine. Every mutating operation runs in a single transaction: a failed
// delegation or transfer rolls the whole call back.
type Service struct {
	pool     TxBeginner
	repo     Repository
	panel    PanelReader
	ledger   payment.Ledger
	raters   RaterResolver
	treasury string
}

func NewService(pool TxBeginner, repo Repository, panelReader PanelReader, ledger payment.Ledger, raters RaterResolver, treasury string) *Service {
	return &Service{
		pool:     pool,
		repo:     repo,
		panel:    panelReader,
		ledger:   ledger,
		raters:   raters,
		treasury: treasury,
	}
}

// Create opens a dispute for the claimant, collects the payment, and fans
// one paid sub-dispute out to every rater in directory order. All of it is
// one transaction: any rejected delegation leaves no dispute behind.
func (s *Service) Create(ctx context.Context, claimant string, choices int, paid uint64, extra []byte) (int64, error) {
	if claimant == "" {
		return 0, fmt.Errorf("dispute: claimant required")
	}
	if choices != Choices {
		return 0, fmt.Errorf("dispute: exactly %d choices supported, got %d", Choices, choices)
	}

	// fast fail on committed state before any transaction is opened
	raters, cfg, required, err := s.panelSnapshot(ctx)
	if err != nil {
		return 0, err
	}
	if paid < required {
		return 0, &InsufficientPaymentError{Available: paid, Required: required}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// shared lock held until commit; registration locks the same row
	// exclusively, so the panel cannot change under this creation
	if err := s.repo.LockPanelConfig(ctx, tx); err != nil {
		return 0, err
	}

	// re-read now that the directory is stable: a registration that
	// committed between the fast-fail check and the lock must be part of
	// the frozen panel, not missing from it
	raters, cfg, required, err = s.panelSnapshot(ctx)
	if err != nil {
		return 0, err
	}
	if paid < required {
		return 0, &InsufficientPaymentError{Available: paid, Required: required}
	}

	if _, err := s.ledger.Transfer(ctx, tx, claimant, s.treasury, paid); err != nil {
		return 0, err
	}

	id, err := s.repo.InsertDispute(ctx, tx, claimant, choices, paid)
	if err != nil {
		return 0, err
	}

	for i, r := range raters {
		if _, err := s.ledger.Transfer(ctx, tx, s.treasury, r.Handle, cfg.PerRaterFee); err != nil {
			return 0, err
		}

		endpoint, err := s.raters.Resolve(r.Handle)
		if err != nil {
			return 0, fmt.Errorf("dispute: resolve rater %s: %w", r.Handle, err)
		}
		subID, err := endpoint.OpenSubDispute(ctx, choices, extra)
		if err != nil {
			return 0, fmt.Errorf("dispute: delegate to %s: %w", r.Handle, err)
		}

		if err := s.repo.InsertSubDispute(ctx, tx, SubDispute{
			DisputeID:    id,
			Position:     i,
			RaterID:      r.ID,
			Weight:       r.Weight,
			SubDisputeID: subID,
			FeePaid:      cfg.PerRaterFee,
		}); err != nil {
			return 0, err
		}
	}

	if err := s.repo.AppendOutbox(ctx, tx, OutboxTopicCreated, map[string]any{
		"dispute_id": id,
		"claimant":   claimant,
	}); err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("dispute: commit create: %w", err)
	}
	return id, nil
}

// panelSnapshot reads the directory, validates the weight convention, and
// derives the required payment.
func (s *Service) panelSnapshot(ctx context.Context) ([]panel.Rater, panel.Config, uint64, error) {
	raters, err := s.panel.List(ctx)
	if err != nil {
		return nil, panel.Config{}, 0, err
	}
	if len(raters) == 0 {
		return nil, panel.Config{}, 0, fmt.Errorf("dispute: panel is empty")
	}

	sum := 0
	for _, r := range raters {
		sum += r.Weight
	}
	if sum != panel.WeightTotal {
		return nil, panel.Config{}, 0, panel.ErrInvalidWeightConfig
	}

	cfg, err := s.panel.Config(ctx)
	if err != nil {
		return nil, panel.Config{}, 0, err
	}
	required, err := fee.Total(uint64(len(raters)), cfg.PerRaterFee)
	if err != nil {
		return nil, panel.Config{}, 0, err
	}
	return raters, cfg, required, nil
}

// Get returns the stored dispute record.
func (s *Service) Get(ctx context.Context, id int64) (Record, error) {
	return s.repo.Get(ctx, id)
}

// StatusOf returns only the lifecycle status.
func (s *Service) StatusOf(ctx context.Context, id int64) (Status, error) {
	rec, err := s.repo.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return rec.Status, nil
}

// RulingOf returns the fused ruling, 0 while the dispute is waiting.
func (s *Service) RulingOf(ctx context.Context, id int64) (int, error) {
	rec, err := s.repo.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	return rec.Ruling, nil
}

// SubDisputeIDs returns the correlation list in directory order.
func (s *Service) SubDisputeIDs(ctx context.Context, id int64) ([]SubDispute, error) {
	if _, err := s.repo.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.ListSubDisputes(ctx, id)
}

// Rule records one rater's verdict on a dispute and, when the distinct
// vote count reaches the panel size, fuses the weighted verdicts and
// resolves the dispute in the same transaction. The dispute row is locked
// first, so two racing submissions can never both observe an incomplete
// quorum. The voter is validated against the dispute's own correlation
// list, not the live directory: only the panel the dispute was delegated
// to may vote, with the weights frozen at creation.
func (s *Service) Rule(ctx context.Context, disputeID int64, raterHandle string, verdict int) (Record, error) {
	member, err := s.panel.Member(ctx, raterHandle)
	if err != nil {
		if errors.Is(err, panel.ErrUnknownRater) {
			return Record{}, ErrUnauthorized
		}
		return Record{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.GetForUpdate(ctx, tx, disputeID)
	if err != nil {
		return Record{}, err
	}
	if rec.Status == StatusSolved {
		return Record{}, ErrAlreadySolved
	}
	if verdict < 0 || verdict > rec.Choices {
		return Record{}, ErrInvalidVerdict
	}

	delegated, err := s.repo.GetSubDisputeForRater(ctx, tx, disputeID, member.ID)
	if err != nil {
		return Record{}, err
	}

	if err := s.repo.InsertVote(ctx, tx, Vote{
		DisputeID: disputeID,
		RaterID:   delegated.RaterID,
		Verdict:   verdict,
		Weight:    delegated.Weight,
	}); err != nil {
		return Record{}, err
	}

	collected, err := s.repo.CountVotes(ctx, tx, disputeID)
	if err != nil {
		return Record{}, err
	}
	panelSize, err := s.repo.CountSubDisputes(ctx, tx, disputeID)
	if err != nil {
		return Record{}, err
	}

	if collected == panelSize {
		votes, err := s.repo.ListVotes(ctx, tx, disputeID)
		if err != nil {
			return Record{}, err
		}
		cfg, err := s.panel.Config(ctx)
		if err != nil {
			return Record{}, err
		}

		res := Fuse(votes, cfg.Quota)
		solvedAt, err := s.repo.MarkSolved(ctx, tx, disputeID, res.Ruling, res.Underflow)
		if err != nil {
			return Record{}, err
		}
		if err := s.repo.AppendOutbox(ctx, tx, OutboxTopicResolved, map[string]any{
			"dispute_id": disputeID,
			"claimant":   rec.Claimant,
			"ruling":     res.Ruling,
		}); err != nil {
			return Record{}, err
		}
		rec.Status = StatusSolved
		rec.Ruling = res.Ruling
		rec.Underflow = res.Underflow
		rec.SolvedAt = &solvedAt
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("dispute: commit ruling: %w", err)
	}
	return rec, nil
}
