package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/raulk/clock"
	"github.com/shopspring/decimal"

	"github.com/mbd888/combinado/internal/domain"
	"github.com/mbd888/combinado/internal/money"
	"github.com/mbd888/combinado/internal/store"
	"github.com/mbd888/combinado/internal/store/memory"
)

const platform = "platform"

func newTestLedger(t *testing.T) (*Ledger, *memory.Store) {
	t.Helper()
	st := memory.New()
	mock := clock.NewMock()
	mock.Set(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	return New(st, platform, WithClock(mock)), st
}

func dec(s string) decimal.Decimal { return money.MustParse(s) }

func seedOrder(t *testing.T, l *Ledger, st *memory.Store, value string) *domain.Order {
	t.Helper()
	ctx := context.Background()
	o := &domain.Order{
		ID: "ord_1", ClientID: "client", ProviderID: "provider",
		Value: dec(value), Status: domain.OrderServiceCompleted,
	}
	if _, err := l.Deposit(ctx, "client", dec("1000"), "seed"); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	err := st.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.Orders().Create(ctx, o); err != nil {
			return err
		}
		_, err := l.In(tx).TransferToEscrow(ctx, "client", o.Value, o.ID, "lock")
		return err
	})
	if err != nil {
		t.Fatalf("seed order: %v", err)
	}
	return o
}

func mustBalance(t *testing.T, l *Ledger, userID string) *domain.Account {
	t.Helper()
	acct, err := l.Balance(context.Background(), userID)
	if err != nil {
		t.Fatalf("balance %s: %v", userID, err)
	}
	return acct
}

func totalMoney(t *testing.T, st *memory.Store) decimal.Decimal {
	t.Helper()
	var total decimal.Decimal
	_ = st.WithinTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		accts, _, err := tx.Accounts().All(ctx)
		for _, a := range accts {
			total = total.Add(a.Total())
		}
		return err
	})
	return total
}

func TestDeposit(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	txn, err := l.Deposit(ctx, "u1", dec("100.50"), "pix")
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if txn.Type != domain.TxDeposit {
		t.Errorf("expected type %s, got %s", domain.TxDeposit, txn.Type)
	}
	if !txn.BalanceBefore.IsZero() || !txn.BalanceAfter.Equal(dec("100.50")) {
		t.Errorf("unexpected snapshots %s -> %s", txn.BalanceBefore, txn.BalanceAfter)
	}
	if got := mustBalance(t, l, "u1").Balance; !got.Equal(dec("100.50")) {
		t.Errorf("expected balance 100.50, got %s", got)
	}
}

func TestDeposit_InvalidAmounts(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	for _, amount := range []decimal.Decimal{decimal.Zero, dec("0").Sub(dec("1")), decimal.RequireFromString("1.001")} {
		if _, err := l.Deposit(ctx, "u1", amount, ""); !errors.Is(err, domain.ErrValidation) {
			t.Errorf("amount %s: expected validation error, got %v", amount, err)
		}
	}
}

func TestWithdraw_CannotTouchEscrow(t *testing.T) {
	l, st := newTestLedger(t)
	ctx := context.Background()
	seedOrder(t, l, st, "900")

	_, err := l.Withdraw(ctx, "client", dec("150"), "")
	var ife *domain.InsufficientFundsError
	if !errors.As(err, &ife) {
		t.Fatalf("expected InsufficientFundsError, got %v", err)
	}
	if !ife.Shortfall.Equal(dec("50")) {
		t.Errorf("expected shortfall 50, got %s", ife.Shortfall)
	}

	acct := mustBalance(t, l, "client")
	if !acct.Balance.Equal(dec("100")) || !acct.EscrowBalance.Equal(dec("900")) {
		t.Errorf("balances changed after failed withdraw: %s / %s", acct.Balance, acct.EscrowBalance)
	}
}

func TestReleaseFromEscrow_WritesThreeTransactions(t *testing.T) {
	l, st := newTestLedger(t)
	ctx := context.Background()
	o := seedOrder(t, l, st, "300")
	before := totalMoney(t, st)

	rel, err := l.ReleaseFromEscrow(ctx, o.ID, dec("5"))
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if !rel.Fee.Equal(dec("15")) || !rel.ProviderAmount.Equal(dec("285")) {
		t.Errorf("expected fee 15 / net 285, got %s / %s", rel.Fee, rel.ProviderAmount)
	}

	if got := mustBalance(t, l, "provider").Balance; !got.Equal(dec("285")) {
		t.Errorf("provider balance: got %s", got)
	}
	if got := mustBalance(t, l, platform).Balance; !got.Equal(dec("15")) {
		t.Errorf("platform balance: got %s", got)
	}
	if got := mustBalance(t, l, "client").EscrowBalance; !got.IsZero() {
		t.Errorf("client escrow should be empty, got %s", got)
	}

	var txs []*domain.Transaction
	_ = st.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		txs, err = tx.Accounts().ListTransactionsByOrder(ctx, o.ID)
		return err
	})
	// lock + release + payment + fee
	if len(txs) != 4 {
		t.Fatalf("expected 4 order transactions, got %d", len(txs))
	}

	if after := totalMoney(t, st); !after.Equal(before) {
		t.Errorf("money not conserved: %s -> %s", before, after)
	}
}

func TestRefundFromEscrow(t *testing.T) {
	l, st := newTestLedger(t)
	ctx := context.Background()
	o := seedOrder(t, l, st, "250")

	if err := l.RefundFromEscrow(ctx, o.ID); err != nil {
		t.Fatalf("refund: %v", err)
	}
	acct := mustBalance(t, l, "client")
	if !acct.Balance.Equal(dec("1000")) || !acct.EscrowBalance.IsZero() {
		t.Errorf("expected 1000 / 0, got %s / %s", acct.Balance, acct.EscrowBalance)
	}
}

func TestRefundFromEscrow_Twice_FailsConsistencyCheck(t *testing.T) {
	l, st := newTestLedger(t)
	ctx := context.Background()
	o := seedOrder(t, l, st, "250")

	if err := l.RefundFromEscrow(ctx, o.ID); err != nil {
		t.Fatalf("refund: %v", err)
	}
	err := l.RefundFromEscrow(ctx, o.ID)
	if !errors.Is(err, domain.ErrEscrowInsufficient) {
		t.Fatalf("expected ErrEscrowInsufficient, got %v", err)
	}
	if domain.KindOf(err) != domain.KindInternal {
		t.Errorf("escrow inconsistency must surface as internal, got %s", domain.KindOf(err))
	}
}

func TestReleaseFromEscrowPartial_SplitsAndChargesFeeOnProviderShare(t *testing.T) {
	l, st := newTestLedger(t)
	ctx := context.Background()
	o := seedOrder(t, l, st, "301")
	client, provider := money.Split(o.Value)

	var rel *Release
	err := st.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		rel, err = l.In(tx).ReleaseFromEscrowPartial(ctx, o, client, provider, dec("5"))
		return err
	})
	if err != nil {
		t.Fatalf("partial release: %v", err)
	}
	if !rel.ClientRefund.Equal(dec("150.50")) {
		t.Errorf("client share: got %s", rel.ClientRefund)
	}
	// 5% of 150.50 = 7.525, rounded to 7.53
	if !rel.Fee.Equal(dec("7.53")) || !rel.ProviderAmount.Equal(dec("142.97")) {
		t.Errorf("fee / net: got %s / %s", rel.Fee, rel.ProviderAmount)
	}
	if got := mustBalance(t, l, "client"); !got.Balance.Equal(dec("849.50")) || !got.EscrowBalance.IsZero() {
		t.Errorf("client: got %s / %s", got.Balance, got.EscrowBalance)
	}
}

func TestReleaseFromEscrowPartial_SharesMustMatchValue(t *testing.T) {
	l, st := newTestLedger(t)
	ctx := context.Background()
	o := seedOrder(t, l, st, "100")

	err := st.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		_, err := l.In(tx).ReleaseFromEscrowPartial(ctx, o, dec("60"), dec("60"), dec("5"))
		return err
	})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestPosting_FailureRollsBackEarlierPostings(t *testing.T) {
	l, st := newTestLedger(t)
	ctx := context.Background()
	if _, err := l.Deposit(ctx, "client", dec("100"), ""); err != nil {
		t.Fatal(err)
	}

	err := st.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		p := l.In(tx)
		if _, err := p.TransferToEscrow(ctx, "client", dec("80"), "ord_x", ""); err != nil {
			return err
		}
		_, err := p.TransferToEscrow(ctx, "provider", dec("10"), "ord_x", "")
		return err
	})
	if !errors.Is(err, domain.ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	acct := mustBalance(t, l, "client")
	if !acct.Balance.Equal(dec("100")) || !acct.EscrowBalance.IsZero() {
		t.Errorf("partial posting leaked: %s / %s", acct.Balance, acct.EscrowBalance)
	}
}

func TestPosting_LockIsSortedAndIdempotent(t *testing.T) {
	l, st := newTestLedger(t)
	ctx := context.Background()

	_ = st.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		p := l.In(tx)
		if err := p.Lock(ctx, "zeta", "alpha", ""); err != nil {
			t.Fatal(err)
		}
		if err := p.Lock(ctx, "alpha", "mid"); err != nil {
			t.Fatal(err)
		}
		got := p.Locked()
		want := []string{"alpha", "mid", "zeta"}
		if len(got) != len(want) {
			t.Fatalf("locked: got %v", got)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("locked[%d]: got %s, want %s", i, got[i], want[i])
			}
		}
		return nil
	})
}

func TestPosting_Shortfall(t *testing.T) {
	l, st := newTestLedger(t)
	ctx := context.Background()
	if _, err := l.Deposit(ctx, "provider", dec("4"), ""); err != nil {
		t.Fatal(err)
	}

	_ = st.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		p := l.In(tx)
		sf, err := p.Shortfall(ctx, domain.RoleProvider, "provider", dec("10"))
		if err != nil {
			t.Fatal(err)
		}
		if sf == nil || !sf.Shortfall.Equal(dec("6")) || sf.Party != domain.RoleProvider {
			t.Errorf("unexpected shortfall %+v", sf)
		}
		if sf, _ := p.Shortfall(ctx, domain.RoleProvider, "provider", dec("4")); sf != nil {
			t.Errorf("exact balance should cover, got %+v", sf)
		}
		return nil
	})
}

func TestHistory_NewestFirst(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	mock := l.clock.(*clock.Mock)

	for _, amt := range []string{"10", "20", "30"} {
		if _, err := l.Deposit(ctx, "u1", dec(amt), ""); err != nil {
			t.Fatal(err)
		}
		mock.Add(time.Minute)
	}
	txs, err := l.History(ctx, "u1", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(txs) != 2 || !txs[0].Amount.Equal(dec("30")) {
		t.Fatalf("expected newest first, got %d rows", len(txs))
	}
}
