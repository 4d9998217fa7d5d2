package dispute

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"panelflow/panel"
)

type voteKey struct {
	disputeID int64
	raterID   string
}

type memRepo struct {
	nextID      int64
	disputes    map[int64]*Record
	subDisputes map[int64][]SubDispute
	votes       map[voteKey]Vote
	outbox      []string
	panelLocks  int
}

func newMemRepo() *memRepo {
	return &memRepo{
		disputes:    make(map[int64]*Record),
		subDisputes: make(map[int64][]SubDispute),
		votes:       make(map[voteKey]Vote),
	}
}

func (m *memRepo) LockPanelConfig(_ context.Context, _ pgx.Tx) error {
	m.panelLocks++
	return nil
}

func (m *memRepo) InsertDispute(_ context.Context, _ pgx.Tx, claimant string, choices int, paid uint64) (int64, error) {
	id := m.nextID
	m.nextID++
	m.disputes[id] = &Record{ID: id, Claimant: claimant, Choices: choices, Paid: paid, Status: StatusWaiting}
	return id, nil
}

func (m *memRepo) InsertSubDispute(_ context.Context, _ pgx.Tx, sd SubDispute) error {
	m.subDisputes[sd.DisputeID] = append(m.subDisputes[sd.DisputeID], sd)
	return nil
}

func (m *memRepo) GetForUpdate(_ context.Context, _ pgx.Tx, id int64) (Record, error) {
	rec, ok := m.disputes[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return *rec, nil
}

func (m *memRepo) GetSubDisputeForRater(_ context.Context, _ pgx.Tx, disputeID int64, raterID string) (SubDispute, error) {
	for _, sd := range m.subDisputes[disputeID] {
		if sd.RaterID == raterID {
			return sd, nil
		}
	}
	return SubDispute{}, ErrUnauthorized
}

func (m *memRepo) InsertVote(_ context.Context, _ pgx.Tx, v Vote) error {
	key := voteKey{v.DisputeID, v.RaterID}
	if _, dup := m.votes[key]; dup {
		return ErrDuplicateVote
	}
	m.votes[key] = v
	return nil
}

func (m *memRepo) CountVotes(_ context.Context, _ pgx.Tx, id int64) (int, error) {
	n := 0
	for key := range m.votes {
		if key.disputeID == id {
			n++
		}
	}
	return n, nil
}

func (m *memRepo) CountSubDisputes(_ context.Context, _ pgx.Tx, id int64) (int, error) {
	return len(m.subDisputes[id]), nil
}

func (m *memRepo) ListVotes(_ context.Context, _ pgx.Tx, id int64) ([]Vote, error) {
	out := []Vote{}
	for key, v := range m.votes {
		if key.disputeID == id {
			out = append(out, v)
		}
	}
	return out, nil
}

func (m *memRepo) MarkSolved(_ context.Context, _ pgx.Tx, id int64, ruling int, underflow bool) (time.Time, error) {
	rec, ok := m.disputes[id]
	if !ok {
		return time.Time{}, ErrNotFound
	}
	if rec.Status == StatusSolved {
		return time.Time{}, ErrAlreadySolved
	}
	now := time.Now()
	rec.Status = StatusSolved
	rec.Ruling = ruling
	rec.Underflow = underflow
	rec.SolvedAt = &now
	return now, nil
}

func (m *memRepo) AppendOutbox(_ context.Context, _ pgx.Tx, topic string, _ map[string]any) error {
	m.outbox = append(m.outbox, topic)
	return nil
}

func (m *memRepo) Get(_ context.Context, id int64) (Record, error) {
	rec, ok := m.disputes[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return *rec, nil
}

func (m *memRepo) ListSubDisputes(_ context.Context, id int64) ([]SubDispute, error) {
	return m.subDisputes[id], nil
}

type fakePanel struct {
	raters []panel.Rater
	cfg    panel.Config
}

func (f *fakePanel) List(_ context.Context) ([]panel.Rater, error) { return f.raters, nil }

func (f *fakePanel) Member(_ context.Context, handle string) (panel.Rater, error) {
	for _, r := range f.raters {
		if r.Handle == handle {
			return r, nil
		}
	}
	return panel.Rater{}, panel.ErrUnknownRater
}

func (f *fakePanel) Config(_ context.Context) (panel.Config, error) { return f.cfg, nil }

type transfer struct {
	from, to string
	amount   uint64
}

type fakeLedger struct {
	transfers []transfer
	failOn    string
}

func (f *fakeLedger) Transfer(_ context.Context, _ pgx.Tx, from, to string, amount uint64) (string, error) {
	if f.failOn != "" && (from == f.failOn || to == f.failOn) {
		return "", errors.New("ledger rejected transfer")
	}
	f.transfers = append(f.transfers, transfer{from, to, amount})
	return "ref", nil
}

type fakeRater struct {
	nextSub int64
	opened  []int64
	err     error
}

func (f *fakeRater) OpenSubDispute(_ context.Context, choices int, _ []byte) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	id := f.nextSub
	f.nextSub++
	f.opened = append(f.opened, id)
	return id, nil
}

type fakeResolver struct {
	endpoints map[string]Rater
}

func (f *fakeResolver) Resolve(handle string) (Rater, error) {
	ep, ok := f.endpoints[handle]
	if !ok {
		return nil, fmt.Errorf("no endpoint for %s", handle)
	}
	return ep, nil
}

type fakePool struct {
	txs []*fakeTx
}

func (f *fakePool) Begin(context.Context) (pgx.Tx, error) {
	tx := &fakeTx{}
	f.txs = append(f.txs, tx)
	return tx, nil
}

func (f *fakePool) last() *fakeTx {
	if len(f.txs) == 0 {
		return nil
	}
	return f.txs[len(f.txs)-1]
}

type fakeTx struct {
	rolled    bool
	committed bool
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	f.rolled = true
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}

type fixture struct {
	pool   *fakePool
	repo   *memRepo
	panel  *fakePanel
	ledger *fakeLedger
	raters map[string]*fakeRater
	svc    *Service
}

func newFixture(weights map[string]int) *fixture {
	panelRaters := []panel.Rater{}
	endpoints := map[string]Rater{}
	raters := map[string]*fakeRater{}
	pos := 0
	for _, handle := range orderedHandles(weights) {
		panelRaters = append(panelRaters, panel.Rater{ID: "id-" + handle, Handle: handle, Weight: weights[handle], Position: pos})
		fr := &fakeRater{nextSub: 100 * int64(pos+1)}
		raters[handle] = fr
		endpoints[handle] = fr
		pos++
	}

	f := &fixture{
		pool:   &fakePool{},
		repo:   newMemRepo(),
		panel:  &fakePanel{raters: panelRaters, cfg: panel.Config{Quota: 60, PerRaterFee: 100}},
		ledger: &fakeLedger{},
		raters: raters,
	}
	f.svc = NewService(f.pool, f.repo, f.panel, f.ledger, &fakeResolver{endpoints: endpoints}, "court")
	return f
}

func orderedHandles(weights map[string]int) []string {
	// fixture handles are named r0, r1, ... so lexical order is directory order
	out := make([]string, 0, len(weights))
	for i := 0; i < len(weights); i++ {
		out = append(out, fmt.Sprintf("r%d", i))
	}
	return out
}

func TestCreate_Success(t *testing.T) {
	f := newFixture(map[string]int{"r0": 60, "r1": 40})
	ctx := context.Background()

	id, err := f.svc.Create(ctx, "alice", Choices, 200, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if id != 0 {
		t.Fatalf("expected first dispute id 0, got %d", id)
	}

	if tx := f.pool.last(); tx == nil || !tx.committed {
		t.Fatalf("expected committed transaction")
	}

	subs := f.repo.subDisputes[id]
	if len(subs) != 2 {
		t.Fatalf("expected one sub-dispute per rater, got %d", len(subs))
	}
	for i, sd := range subs {
		if sd.Position != i {
			t.Errorf("sub-dispute %d stored at position %d", i, sd.Position)
		}
	}

	wantTransfers := []transfer{
		{"alice", "court", 200},
		{"court", "r0", 100},
		{"court", "r1", 100},
	}
	if len(f.ledger.transfers) != len(wantTransfers) {
		t.Fatalf("expected %d transfers, got %d", len(wantTransfers), len(f.ledger.transfers))
	}
	for i, want := range wantTransfers {
		if f.ledger.transfers[i] != want {
			t.Errorf("transfer %d: expected %+v, got %+v", i, want, f.ledger.transfers[i])
		}
	}

	if len(f.repo.outbox) != 1 || f.repo.outbox[0] != OutboxTopicCreated {
		t.Fatalf("expected one %s outbox event, got %v", OutboxTopicCreated, f.repo.outbox)
	}

	if f.repo.panelLocks != 1 {
		t.Fatalf("expected the panel config locked once during create, got %d", f.repo.panelLocks)
	}
	for i, sd := range subs {
		if want := f.panel.raters[i].Weight; sd.Weight != want {
			t.Errorf("sub-dispute %d: expected frozen weight %d, got %d", i, want, sd.Weight)
		}
	}
}

func TestCreate_SequentialIDs(t *testing.T) {
	f := newFixture(map[string]int{"r0": 100})
	ctx := context.Background()

	for want := int64(0); want < 3; want++ {
		id, err := f.svc.Create(ctx, "alice", Choices, 100, nil)
		if err != nil {
			t.Fatalf("create %d: %v", want, err)
		}
		if id != want {
			t.Fatalf("expected id %d, got %d", want, id)
		}
	}
}

func TestCreate_InsufficientPayment(t *testing.T) {
	f := newFixture(map[string]int{"r0": 60, "r1": 40})

	_, err := f.svc.Create(context.Background(), "alice", Choices, 199, nil)
	var ipe *InsufficientPaymentError
	if !errors.As(err, &ipe) {
		t.Fatalf("expected InsufficientPaymentError, got %v", err)
	}
	if ipe.Available != 199 || ipe.Required != 200 {
		t.Fatalf("unexpected amounts: %+v", ipe)
	}
	if len(f.pool.txs) != 0 {
		t.Errorf("expected no transaction for underpaid create")
	}
	if len(f.repo.disputes) != 0 {
		t.Errorf("expected no dispute record")
	}
}

func TestCreate_OverpaymentAccepted(t *testing.T) {
	f := newFixture(map[string]int{"r0": 100})

	if _, err := f.svc.Create(context.Background(), "alice", Choices, 150, nil); err != nil {
		t.Fatalf("overpayment must be accepted, got %v", err)
	}
	if f.ledger.transfers[0].amount != 150 {
		t.Fatalf("expected full payment collected, got %d", f.ledger.transfers[0].amount)
	}
}

func TestCreate_WeightSumEnforced(t *testing.T) {
	f := newFixture(map[string]int{"r0": 60, "r1": 30})

	if _, err := f.svc.Create(context.Background(), "alice", Choices, 200, nil); !errors.Is(err, panel.ErrInvalidWeightConfig) {
		t.Fatalf("expected ErrInvalidWeightConfig, got %v", err)
	}
}

func TestCreate_DelegationFailureAtomic(t *testing.T) {
	f := newFixture(map[string]int{"r0": 60, "r1": 40})
	f.raters["r1"].err = errors.New("rater rejected sub-dispute")

	if _, err := f.svc.Create(context.Background(), "alice", Choices, 200, nil); err == nil {
		t.Fatalf("expected delegation failure to fail the create")
	}

	tx := f.pool.last()
	if tx == nil {
		t.Fatalf("expected a transaction")
	}
	if tx.committed {
		t.Errorf("expected commit to be skipped")
	}
	if !tx.rolled {
		t.Errorf("expected rollback")
	}
}

func TestRule_NonMemberRejected(t *testing.T) {
	f := newFixture(map[string]int{"r0": 100})
	mustCreate(t, f)

	if _, err := f.svc.Rule(context.Background(), 0, "stranger", 1); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if len(f.repo.votes) != 0 {
		t.Errorf("expected no vote recorded")
	}
}

func TestRule_UnknownDispute(t *testing.T) {
	f := newFixture(map[string]int{"r0": 100})

	if _, err := f.svc.Rule(context.Background(), 42, "r0", 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRule_InvalidVerdict(t *testing.T) {
	f := newFixture(map[string]int{"r0": 100})
	mustCreate(t, f)

	if _, err := f.svc.Rule(context.Background(), 0, "r0", 3); !errors.Is(err, ErrInvalidVerdict) {
		t.Fatalf("expected ErrInvalidVerdict for verdict 3, got %v", err)
	}
	if _, err := f.svc.Rule(context.Background(), 0, "r0", -1); !errors.Is(err, ErrInvalidVerdict) {
		t.Fatalf("expected ErrInvalidVerdict for negative verdict, got %v", err)
	}
}

func TestRule_RefusalAllowed(t *testing.T) {
	f := newFixture(map[string]int{"r0": 100})
	mustCreate(t, f)

	rec, err := f.svc.Rule(context.Background(), 0, "r0", VerdictRefuse)
	if err != nil {
		t.Fatalf("refusal verdict must be accepted, got %v", err)
	}
	if rec.Status != StatusSolved || rec.Ruling != 1 || !rec.Underflow {
		t.Fatalf("expected solved with ruling 1 and underflow, got %+v", rec)
	}
}

func TestRule_MemberAddedAfterCreateRejected(t *testing.T) {
	f := newFixture(map[string]int{"r0": 60, "r1": 40})
	mustCreate(t, f)
	ctx := context.Background()

	// a weight-0 member joining after the dispute opened is a directory
	// member but was never delegated to
	f.panel.raters = append(f.panel.raters, panel.Rater{ID: "id-r2", Handle: "r2", Weight: 0, Position: 2})

	if _, err := f.svc.Rule(ctx, 0, "r2", 2); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for undelegated member, got %v", err)
	}
	if len(f.repo.votes) != 0 {
		t.Fatalf("undelegated vote must not enter the tally, got %d votes", len(f.repo.votes))
	}

	// only the delegated panel completes the quorum
	rec, err := f.svc.Rule(ctx, 0, "r0", 2)
	if err != nil {
		t.Fatalf("r0 vote: %v", err)
	}
	if rec.Status != StatusWaiting {
		t.Fatalf("one of two delegated votes must not solve, got %s", rec.Status)
	}
	rec, err = f.svc.Rule(ctx, 0, "r1", 2)
	if err != nil {
		t.Fatalf("r1 vote: %v", err)
	}
	if rec.Status != StatusSolved || rec.Ruling != 2 {
		t.Fatalf("expected solved with ruling 2, got %+v", rec)
	}
	if len(f.repo.votes) != 2 {
		t.Fatalf("expected exactly the delegated votes, got %d", len(f.repo.votes))
	}
}

func TestRule_UsesWeightsFrozenAtCreation(t *testing.T) {
	f := newFixture(map[string]int{"r0": 60, "r1": 40})
	mustCreate(t, f)
	ctx := context.Background()
	f.panel.cfg.Quota = 51

	// directory drift after creation must not reach this dispute
	f.panel.raters[0].Weight = 40

	if _, err := f.svc.Rule(ctx, 0, "r0", 2); err != nil {
		t.Fatalf("r0 vote: %v", err)
	}
	if got := f.repo.votes[voteKey{0, "id-r0"}].Weight; got != 60 {
		t.Fatalf("expected vote to carry frozen weight 60, got %d", got)
	}

	// frozen weights: 120+40 = 160, score 60 > 51 rules 2; the drifted
	// weight 40 would have scored 40 and ruled 1
	rec, err := f.svc.Rule(ctx, 0, "r1", 1)
	if err != nil {
		t.Fatalf("r1 vote: %v", err)
	}
	if rec.Ruling != 2 {
		t.Fatalf("fusion must use frozen weights, got ruling %d", rec.Ruling)
	}
}

func TestRule_DuplicateVote(t *testing.T) {
	f := newFixture(map[string]int{"r0": 60, "r1": 40})
	mustCreate(t, f)
	ctx := context.Background()

	if _, err := f.svc.Rule(ctx, 0, "r0", 1); err != nil {
		t.Fatalf("first vote: %v", err)
	}
	if _, err := f.svc.Rule(ctx, 0, "r0", 2); !errors.Is(err, ErrDuplicateVote) {
		t.Fatalf("expected ErrDuplicateVote, got %v", err)
	}
	if len(f.repo.votes) != 1 {
		t.Errorf("tally must be unchanged after a duplicate, got %d votes", len(f.repo.votes))
	}
	if f.repo.disputes[0].Status != StatusWaiting {
		t.Errorf("dispute must stay waiting")
	}
}

func TestRule_QuorumSolves(t *testing.T) {
	f := newFixture(map[string]int{"r0": 60, "r1": 40})
	mustCreate(t, f)
	ctx := context.Background()

	rec, err := f.svc.Rule(ctx, 0, "r0", 2)
	if err != nil {
		t.Fatalf("first vote: %v", err)
	}
	if rec.Status != StatusWaiting {
		t.Fatalf("one of two votes must not solve, got %s", rec.Status)
	}

	rec, err = f.svc.Rule(ctx, 0, "r1", 2)
	if err != nil {
		t.Fatalf("second vote: %v", err)
	}
	if rec.Status != StatusSolved || rec.Ruling != 2 {
		t.Fatalf("expected solved with ruling 2, got %+v", rec)
	}
	if rec.SolvedAt == nil || time.Since(*rec.SolvedAt) > time.Minute {
		t.Fatalf("fusing call must return the solve timestamp, got %v", rec.SolvedAt)
	}

	if got := f.repo.outbox[len(f.repo.outbox)-1]; got != OutboxTopicResolved {
		t.Fatalf("expected %s outbox event, got %s", OutboxTopicResolved, got)
	}
}

func TestRule_AlreadySolved(t *testing.T) {
	f := newFixture(map[string]int{"r0": 100})
	mustCreate(t, f)
	ctx := context.Background()

	if _, err := f.svc.Rule(ctx, 0, "r0", 1); err != nil {
		t.Fatalf("vote: %v", err)
	}
	if _, err := f.svc.Rule(ctx, 0, "r0", 2); !errors.Is(err, ErrAlreadySolved) {
		t.Fatalf("expected ErrAlreadySolved, got %v", err)
	}
}

func TestRule_ConcurrentDisputesIsolated(t *testing.T) {
	f := newFixture(map[string]int{"r0": 60, "r1": 40})
	mustCreate(t, f)
	mustCreate(t, f)
	ctx := context.Background()

	// one vote on each dispute: neither quorum is complete
	if _, err := f.svc.Rule(ctx, 0, "r0", 1); err != nil {
		t.Fatalf("vote on dispute 0: %v", err)
	}
	if _, err := f.svc.Rule(ctx, 1, "r1", 2); err != nil {
		t.Fatalf("vote on dispute 1: %v", err)
	}

	for id := int64(0); id < 2; id++ {
		status, err := f.svc.StatusOf(ctx, id)
		if err != nil {
			t.Fatalf("status of %d: %v", id, err)
		}
		if status != StatusWaiting {
			t.Fatalf("dispute %d must still be waiting, got %s", id, status)
		}
	}

	// the same rater may vote on both disputes
	if _, err := f.svc.Rule(ctx, 1, "r0", 2); err != nil {
		t.Fatalf("r0 on dispute 1: %v", err)
	}
	rec, err := f.svc.Get(ctx, 1)
	if err != nil {
		t.Fatalf("get dispute 1: %v", err)
	}
	if rec.Status != StatusSolved || rec.Ruling != 2 {
		t.Fatalf("dispute 1 should be solved with ruling 2, got %+v", rec)
	}
	if status, _ := f.svc.StatusOf(ctx, 0); status != StatusWaiting {
		t.Fatalf("dispute 0 must be untouched by dispute 1's quorum")
	}
}

func TestQuotaChangeDoesNotRewriteSolvedDispute(t *testing.T) {
	f := newFixture(map[string]int{"r0": 60, "r1": 40})
	mustCreate(t, f)
	ctx := context.Background()

	// sum 160, score 60: quota 60 rules 1
	if _, err := f.svc.Rule(ctx, 0, "r0", 2); err != nil {
		t.Fatalf("vote: %v", err)
	}
	rec, err := f.svc.Rule(ctx, 0, "r1", 1)
	if err != nil {
		t.Fatalf("vote: %v", err)
	}
	if rec.Ruling != 1 {
		t.Fatalf("expected ruling 1, got %d", rec.Ruling)
	}

	f.panel.cfg.Quota = 51 // would have ruled 2 at fusion time

	if ruling, _ := f.svc.RulingOf(ctx, 0); ruling != 1 {
		t.Fatalf("quota change must not rewrite a solved dispute, got ruling %d", ruling)
	}
}

func mustCreate(t *testing.T, f *fixture) int64 {
	t.Helper()
	required := uint64(len(f.panel.raters)) * f.panel.cfg.PerRaterFee
	id, err := f.svc.Create(context.Background(), "alice", Choices, required, nil)
	if err != nil {
		t.Fatalf("create dispute: %v", err)
	}
	return id
}
