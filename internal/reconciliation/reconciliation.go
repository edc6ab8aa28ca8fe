// Package reconciliation audits the ledger against its own transaction log.
//
// Three properties are checked on every run:
//   - replaying an account's transactions reproduces its stored balance and escrow
//   - money is conserved: all account totals equal deposits minus withdrawals
//   - an order that reached a final status holds nothing in escrow
package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/raulk/clock"
	"github.com/shopspring/decimal"

	"github.com/mbd888/combinado/internal/domain"
	"github.com/mbd888/combinado/internal/logging"
	"github.com/mbd888/combinado/internal/metrics"
	"github.com/mbd888/combinado/internal/money"
	"github.com/mbd888/combinado/internal/store"
)

// Finding kinds.
const (
	KindChainBreak    = "chain_break"
	KindBalanceDrift  = "balance_drift"
	KindConservation  = "conservation"
	KindEscrowResidue = "escrow_residue"
)

// Finding is one inconsistency.
type Finding struct {
	Kind          string `json:"kind"`
	UserID        string `json:"userId,omitempty"`
	OrderID       string `json:"orderId,omitempty"`
	TransactionID string `json:"transactionId,omitempty"`
	Detail        string `json:"detail"`
}

// Report is the outcome of one audit.
type Report struct {
	RanAt         time.Time       `json:"ranAt"`
	Accounts      int             `json:"accounts"`
	Transactions  int             `json:"transactions"`
	OrdersChecked int             `json:"ordersChecked"`
	LedgerTotal   decimal.Decimal `json:"ledgerTotal"`
	NetInflow     decimal.Decimal `json:"netInflow"`
	Findings      []Finding       `json:"findings"`
}

// OK reports whether the audit found nothing.
func (r *Report) OK() bool { return len(r.Findings) == 0 }

// Service performs reconciliation runs.
type Service struct {
	store  store.Store
	clock  clock.Clock
	logger *slog.Logger
}

// NewService creates a reconciliation service.
func NewService(st store.Store) *Service {
	return &Service{store: st, clock: clock.New(), logger: slog.Default()}
}

// WithClock overrides the time source.
func (s *Service) WithClock(c clock.Clock) *Service {
	s.clock = c
	return s
}

// WithLogger sets the logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// Run audits the whole ledger in one read transaction.
func (s *Service) Run(ctx context.Context) (*Report, error) {
	start := time.Now()
	defer func() { runDuration.Observe(time.Since(start).Seconds()) }()

	var (
		accounts []*domain.Account
		txs      []*domain.Transaction
		final    []*domain.Order
	)
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		if accounts, txs, err = tx.Accounts().All(ctx); err != nil {
			return fmt.Errorf("load ledger: %w", err)
		}
		for _, st := range []domain.OrderStatus{domain.OrderCompleted, domain.OrderCancelled, domain.OrderResolved} {
			orders, err := tx.Orders().ListByStatus(ctx, st, 0)
			if err != nil {
				return fmt.Errorf("list %s orders: %w", st, err)
			}
			final = append(final, orders...)
		}
		return nil
	})
	if err != nil {
		runErrors.Inc()
		return nil, err
	}

	r := &Report{
		RanAt:         s.clock.Now(),
		Accounts:      len(accounts),
		Transactions:  len(txs),
		OrdersChecked: len(final),
	}
	r.replay(accounts, txs)
	r.conservation(accounts, txs)
	r.escrow(final, txs)

	metrics.ReconciliationMismatches.Set(float64(len(r.Findings)))
	if r.OK() {
		s.logger.Info("reconciliation passed",
			"accounts", r.Accounts, "transactions", r.Transactions, "total", money.Format(r.LedgerTotal))
	} else {
		for _, f := range r.Findings {
			s.logger.Error("reconciliation mismatch",
				"kind", f.Kind, logging.UserID(f.UserID), logging.OrderID(f.OrderID), "transactionId", f.TransactionID, "detail", f.Detail)
		}
	}
	return r, nil
}

// replay walks each account's transactions in log order. Every row's
// before-snapshot must equal the previous row's after-snapshot, starting
// from zero, and the last after-snapshot must equal the stored account.
func (r *Report) replay(accounts []*domain.Account, txs []*domain.Transaction) {
	type running struct{ balance, escrow decimal.Decimal }
	state := make(map[string]*running)
	for _, t := range txs {
		cur, ok := state[t.UserID]
		if !ok {
			cur = &running{}
			state[t.UserID] = cur
		}
		if !t.BalanceBefore.Equal(cur.balance) || !t.EscrowBefore.Equal(cur.escrow) {
			r.add(Finding{
				Kind:          KindChainBreak,
				UserID:        t.UserID,
				TransactionID: t.ID,
				Detail: fmt.Sprintf("expected before %s/%s, row has %s/%s",
					money.Format(cur.balance), money.Format(cur.escrow),
					money.Format(t.BalanceBefore), money.Format(t.EscrowBefore)),
			})
		}
		cur.balance, cur.escrow = t.BalanceAfter, t.EscrowAfter
	}

	for _, a := range accounts {
		cur, ok := state[a.UserID]
		if !ok {
			cur = &running{}
		}
		if !a.Balance.Equal(cur.balance) || !a.EscrowBalance.Equal(cur.escrow) {
			r.add(Finding{
				Kind:   KindBalanceDrift,
				UserID: a.UserID,
				Detail: fmt.Sprintf("stored %s/%s, replayed %s/%s",
					money.Format(a.Balance), money.Format(a.EscrowBalance),
					money.Format(cur.balance), money.Format(cur.escrow)),
			})
		}
	}
}

// conservation checks that internal movements created or destroyed no money.
func (r *Report) conservation(accounts []*domain.Account, txs []*domain.Transaction) {
	r.LedgerTotal, r.NetInflow = decimal.Zero, decimal.Zero
	for _, a := range accounts {
		r.LedgerTotal = r.LedgerTotal.Add(a.Total())
	}
	for _, t := range txs {
		switch t.Type {
		case domain.TxDeposit, domain.TxWithdrawal:
			r.NetInflow = r.NetInflow.Add(delta(t))
		}
	}
	if !r.LedgerTotal.Equal(r.NetInflow) {
		r.add(Finding{
			Kind:   KindConservation,
			Detail: fmt.Sprintf("accounts hold %s, deposits minus withdrawals is %s", money.Format(r.LedgerTotal), money.Format(r.NetInflow)),
		})
	}
}

// escrow checks that every final order's escrow movements net to zero.
func (r *Report) escrow(final []*domain.Order, txs []*domain.Transaction) {
	if len(final) == 0 {
		return
	}
	net := make(map[string]decimal.Decimal)
	for _, t := range txs {
		if t.OrderID != "" {
			net[t.OrderID] = net[t.OrderID].Add(t.EscrowAfter.Sub(t.EscrowBefore))
		}
	}
	for _, o := range final {
		if left := net[o.ID]; !left.IsZero() {
			r.add(Finding{
				Kind:    KindEscrowResidue,
				OrderID: o.ID,
				Detail:  fmt.Sprintf("order is %s but %s remains in escrow", o.Status, money.Format(left)),
			})
		}
	}
}

func (r *Report) add(f Finding) {
	r.Findings = append(r.Findings, f)
}

// delta is the change a row made to its account's total.
func delta(t *domain.Transaction) decimal.Decimal {
	return t.BalanceAfter.Add(t.EscrowAfter).Sub(t.BalanceBefore).Sub(t.EscrowBefore)
}
