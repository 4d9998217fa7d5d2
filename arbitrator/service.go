// Package arbitrator is the boundary surface claimants and raters call.
// It composes the panel directory, the fee arithmetic, and the dispute
// engine into the externally visible operation set.
package arbitrator

import (
	"context"
	"errors"

	"panelflow/dispute"
	"panelflow/fee"
	"panelflow/panel"
)

// ErrNonAppealable is returned by Appeal unconditionally. The appeal cost
// sentinel already makes appeals unpayable; the operation exists only to
// satisfy the collaborating interface contract.
var ErrNonAppealable = errors.New("arbitrator: rulings are final, appeals are not accepted")

// DisputeEngine is the slice of the dispute service the facade consumes.
type DisputeEngine interface {
	Create(ctx context.Context, claimant string, choices int, paid uint64, extra []byte) (int64, error)
	Rule(ctx context.Context, disputeID int64, raterHandle string, verdict int) (dispute.Record, error)
	Get(ctx context.Context, id int64) (dispute.Record, error)
	StatusOf(ctx context.Context, id int64) (dispute.Status, error)
	RulingOf(ctx context.Context, id int64) (int, error)
	SubDisputeIDs(ctx context.Context, id int64) ([]dispute.SubDispute, error)
}

// PanelAdmin is the slice of the panel service the facade consumes.
type PanelAdmin interface {
	Register(ctx context.Context, actor, handle string, weight int) (panel.Rater, error)
	ChangeQuota(ctx context.Context, actor string, quota int) error
	Count(ctx context.Context) (int, error)
	Config(ctx context.Context) (panel.Config, error)
}

type Service struct {
	disputes DisputeEngine
	panel    PanelAdmin
}

func NewService(disputes DisputeEngine, panelAdmin PanelAdmin) *Service {
	return &Service{disputes: disputes, panel: panelAdmin}
}

// CreateDispute opens a dispute on behalf of the claimant, who becomes the
// recipient of the eventual ruling notification.
func (s *Service) CreateDispute(ctx context.Context, claimant string, choices int, paid uint64, extra []byte) (int64, error) {
	return s.disputes.Create(ctx, claimant, choices, paid, extra)
}

// Rule is the verdict-submission entry point for authorized raters.
func (s *Service) Rule(ctx context.Context, raterHandle string, disputeID int64, verdict int) (dispute.Record, error) {
	return s.disputes.Rule(ctx, disputeID, raterHandle, verdict)
}

// ArbitrationCost returns the payment required to open a dispute right
// now. It is re-derived on every call; panel changes affect future
// disputes only.
func (s *Service) ArbitrationCost(ctx context.Context) (uint64, error) {
	n, err := s.panel.Count(ctx)
	if err != nil {
		return 0, err
	}
	cfg, err := s.panel.Config(ctx)
	if err != nil {
		return 0, err
	}
	return fee.Total(uint64(n), cfg.PerRaterFee)
}

// AppealCost returns a sentinel no plausible payment satisfies.
func (s *Service) AppealCost(context.Context) uint64 {
	return fee.AppealSentinel
}

// Appeal always fails.
func (s *Service) Appeal(context.Context, int64) error {
	return ErrNonAppealable
}

// DisputeStatus returns the lifecycle status for the dispute.
func (s *Service) DisputeStatus(ctx context.Context, id int64) (dispute.Status, error) {
	return s.disputes.StatusOf(ctx, id)
}

// CurrentRuling returns the fused ruling, 0 while undetermined.
func (s *Service) CurrentRuling(ctx context.Context, id int64) (int, error) {
	return s.disputes.RulingOf(ctx, id)
}

// Dispute returns the full stored record.
func (s *Service) Dispute(ctx context.Context, id int64) (dispute.Record, error) {
	return s.disputes.Get(ctx, id)
}

// SubDisputes returns the correlation list in directory order.
func (s *Service) SubDisputes(ctx context.Context, id int64) ([]dispute.SubDispute, error) {
	return s.disputes.SubDisputeIDs(ctx, id)
}

// AddRater registers a panel member. Owner-gated by the panel service.
func (s *Service) AddRater(ctx context.Context, actor, handle string, weight int) (panel.Rater, error) {
	return s.panel.Register(ctx, actor, handle, weight)
}

// ChangeQuota updates the fusion threshold. Owner-gated by the panel
// service.
func (s *Service) ChangeQuota(ctx context.Context, actor string, quota int) error {
	return s.panel.ChangeQuota(ctx, actor, quota)
}
