package order

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/raulk/clock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/combinado/internal/config"
	"github.com/mbd888/combinado/internal/domain"
	"github.com/mbd888/combinado/internal/events"
	"github.com/mbd888/combinado/internal/ledger"
	"github.com/mbd888/combinado/internal/money"
	"github.com/mbd888/combinado/internal/store"
	"github.com/mbd888/combinado/internal/store/memory"
)

var (
	client   = domain.Actor{UserID: "client", Roles: []domain.Role{domain.RoleClient}}
	provider = domain.Actor{UserID: "provider", Roles: []domain.Role{domain.RoleProvider}}
	admin    = domain.Actor{UserID: "ops", Roles: []domain.Role{domain.RoleAdmin}}
)

type fixture struct {
	svc      *Service
	ledger   *ledger.Ledger
	store    *memory.Store
	clock    *clock.Mock
	settings *config.Static
	events   *events.Recorder
}

func dec(s string) decimal.Decimal { return money.MustParse(s) }

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	st := memory.New()
	settings := config.Static(config.Defaults())
	l := ledger.New(st, settings.PlatformUserID, ledger.WithClock(mock))
	rec := &events.Recorder{}
	svc := NewService(st, l, &settings).
		WithClock(mock).
		WithEvents(rec).
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))

	f := &fixture{svc: svc, ledger: l, store: st, clock: mock, settings: &settings, events: rec}
	f.deposit(t, "client", "1000")
	f.deposit(t, "provider", "100")
	return f
}

func (f *fixture) deposit(t *testing.T, user, amount string) {
	t.Helper()
	_, err := f.ledger.Deposit(context.Background(), user, dec(amount), "test")
	require.NoError(t, err)
}

func (f *fixture) balance(t *testing.T, user string) (decimal.Decimal, decimal.Decimal) {
	t.Helper()
	acct, err := f.ledger.Balance(context.Background(), user)
	require.NoError(t, err)
	return acct.Balance, acct.EscrowBalance
}

func (f *fixture) assertWallet(t *testing.T, user, balance, escrow string) {
	t.Helper()
	b, e := f.balance(t, user)
	assert.True(t, b.Equal(dec(balance)), "%s balance: want %s, got %s", user, balance, b)
	assert.True(t, e.Equal(dec(escrow)), "%s escrow: want %s, got %s", user, escrow, e)
}

func (f *fixture) total(t *testing.T) decimal.Decimal {
	t.Helper()
	var sum decimal.Decimal
	require.NoError(t, f.store.WithinTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		accts, _, err := tx.Accounts().All(ctx)
		for _, a := range accts {
			sum = sum.Add(a.Total())
		}
		return err
	}))
	return sum
}

// funded creates an accepted order worth value between client and provider.
func (f *fixture) funded(t *testing.T, value string) *domain.Order {
	t.Helper()
	ctx := context.Background()
	st, _ := f.settings.Current(ctx)
	var o *domain.Order
	require.NoError(t, f.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		o, err = f.svc.CreateFunded(ctx, tx, f.ledger.In(tx), st, domain.System, FundedParams{
			ClientID:        "client",
			ProviderID:      "provider",
			Title:           "Pintura de parede",
			Value:           dec(value),
			ServiceDeadline: f.clock.Now().Add(7 * 24 * time.Hour),
			Status:          domain.OrderAccepted,
		})
		return err
	}))
	return o
}

func (f *fixture) completed(t *testing.T, value string) *domain.Order {
	t.Helper()
	o := f.funded(t, value)
	_, err := f.svc.StartExecution(context.Background(), provider, o.ID)
	require.NoError(t, err)
	o, err = f.svc.MarkServiceCompleted(context.Background(), provider, o.ID)
	require.NoError(t, err)
	return o
}

func TestCreateFunded_LocksBothCommitments(t *testing.T) {
	f := newFixture(t)
	o := f.funded(t, "300")

	f.assertWallet(t, "client", "690", "310")
	f.assertWallet(t, "provider", "90", "10")
	assert.True(t, o.ContestationFee.Equal(dec("10")))
	assert.True(t, o.ClientEscrow.Equal(dec("310")))
	assert.Equal(t, domain.OrderAccepted, o.Status)
}

func TestCreateFunded_ShortfallFailsClosed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	st, _ := f.settings.Current(ctx)

	err := f.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		_, err := f.svc.CreateFunded(ctx, tx, f.ledger.In(tx), st, domain.System, FundedParams{
			ClientID: "client", ProviderID: "provider", Value: dec("995"), Status: domain.OrderAccepted,
		})
		return err
	})
	var ife *domain.InsufficientFundsError
	require.ErrorAs(t, err, &ife)
	assert.Equal(t, domain.RoleClient, ife.Party)
	f.assertWallet(t, "client", "1000", "0")

	var orders []*domain.Order
	_ = f.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		orders, _ = tx.Orders().ListByUser(ctx, "client", 0)
		return nil
	})
	assert.Empty(t, orders, "rolled back order must not persist")
}

func TestHappyPath_ConfirmPaysProviderAndReturnsFees(t *testing.T) {
	f := newFixture(t)
	before := f.total(t)
	o := f.completed(t, "300")

	require.NotNil(t, o.ConfirmationDeadline)
	assert.Equal(t, f.clock.Now().Add(36*time.Hour), *o.ConfirmationDeadline)

	o, err := f.svc.ConfirmService(context.Background(), client, o.ID)
	require.NoError(t, err)

	assert.Equal(t, domain.OrderCompleted, o.Status)
	assert.False(t, o.AutoConfirmed)
	assert.True(t, o.PlatformFee.Equal(dec("15")))
	f.assertWallet(t, "client", "700", "0")
	f.assertWallet(t, "provider", "385", "0")
	f.assertWallet(t, "platform", "15", "0")
	assert.True(t, f.total(t).Equal(before), "money must be conserved")
	assert.Contains(t, f.events.Types(), events.OrderConfirmed)
}

func TestConfirm_OnlyClient(t *testing.T) {
	f := newFixture(t)
	o := f.completed(t, "300")

	_, err := f.svc.ConfirmService(context.Background(), provider, o.ID)
	assert.ErrorIs(t, err, domain.ErrNotParty)
}

func TestConfirm_AfterDeadlineRejected(t *testing.T) {
	f := newFixture(t)
	o := f.completed(t, "300")
	f.clock.Add(37 * time.Hour)

	_, err := f.svc.ConfirmService(context.Background(), client, o.ID)
	assert.ErrorIs(t, err, domain.ErrDeadlinePassed)
	assert.Equal(t, domain.KindConflict, domain.KindOf(err))
}

func TestAutoConfirmSweep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	due := f.completed(t, "300")
	f.clock.Add(37 * time.Hour)
	notDue := f.completed(t, "100")

	n, err := f.svc.AutoConfirmSweep(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.svc.Get(ctx, admin, due.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderCompleted, got.Status)
	assert.True(t, got.AutoConfirmed)

	got, err = f.svc.Get(ctx, admin, notDue.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderServiceCompleted, got.Status)
}

func TestDisputeFreezesAutoConfirmation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.completed(t, "300")
	f.clock.Add(time.Hour)

	_, err := f.svc.OpenDispute(ctx, client, o.ID, DisputeRequest{
		Reason:   "Serviço incompleto, faltou a segunda demão",
		Evidence: []domain.EvidenceFile{{Name: "parede.jpg", ContentType: "image/jpeg", Size: 2048}},
	})
	require.NoError(t, err)
	f.clock.Add(48 * time.Hour)

	n, err := f.svc.AutoConfirmSweep(ctx, 100)
	require.NoError(t, err)
	assert.Zero(t, n)

	got, _ := f.svc.Get(ctx, client, o.ID)
	assert.Equal(t, domain.OrderDisputed, got.Status)
	f.assertWallet(t, "client", "690", "310")
	f.assertWallet(t, "provider", "90", "10")
}

func TestOpenDispute_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.completed(t, "300")

	_, err := f.svc.OpenDispute(ctx, client, o.ID, DisputeRequest{Reason: "ruim"})
	assert.ErrorIs(t, err, domain.ErrValidation)

	files := make([]domain.EvidenceFile, 6)
	for i := range files {
		files[i] = domain.EvidenceFile{Name: "f.png", Size: 1}
	}
	_, err = f.svc.OpenDispute(ctx, client, o.ID, DisputeRequest{Reason: "Serviço não foi feito", Evidence: files})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = f.svc.OpenDispute(ctx, provider, o.ID, DisputeRequest{Reason: "Serviço não foi feito"})
	assert.ErrorIs(t, err, domain.ErrNotParty)

	f.clock.Add(37 * time.Hour)
	_, err = f.svc.OpenDispute(ctx, client, o.ID, DisputeRequest{Reason: "Serviço não foi feito"})
	assert.ErrorIs(t, err, domain.ErrDeadlinePassed)
}

func TestRespondToDispute_Once(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.completed(t, "300")
	_, err := f.svc.OpenDispute(ctx, client, o.ID, DisputeRequest{Reason: "Serviço não foi feito"})
	require.NoError(t, err)

	_, err = f.svc.RespondToDispute(ctx, provider, o.ID, DisputeResponse{Response: "curto"})
	assert.ErrorIs(t, err, domain.ErrValidation)

	got, err := f.svc.RespondToDispute(ctx, provider, o.ID, DisputeResponse{Response: "O serviço foi entregue conforme combinado"})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderDisputed, got.Status)
	assert.NotNil(t, got.DisputeProviderRespondedAt)

	_, err = f.svc.RespondToDispute(ctx, provider, o.ID, DisputeResponse{Response: "Mais uma resposta que não deve entrar"})
	assert.ErrorIs(t, err, domain.ErrAlreadyResponded)
}

func disputed(t *testing.T, f *fixture) *domain.Order {
	t.Helper()
	o := f.completed(t, "300")
	o, err := f.svc.OpenDispute(context.Background(), client, o.ID, DisputeRequest{Reason: "Serviço não foi feito"})
	require.NoError(t, err)
	return o
}

func TestResolveDispute(t *testing.T) {
	tests := []struct {
		decision domain.DisputeDecision
		status   domain.OrderStatus
		client   string
		provider string
		platform string
	}{
		// client refunded, client contestation fee to platform
		{domain.DecisionFavorClient, domain.OrderCancelled, "990", "100", "10"},
		// provider paid 300 - 15, client contestation fee to platform
		{domain.DecisionFavorProvider, domain.OrderCompleted, "690", "385", "25"},
		// 150 each, 5% of the provider half, both fees returned
		{domain.DecisionSplit, domain.OrderResolved, "850", "242.50", "7.50"},
	}

	for _, tc := range tests {
		t.Run(string(tc.decision), func(t *testing.T) {
			f := newFixture(t)
			before := f.total(t)
			o := disputed(t, f)

			got, err := f.svc.ResolveDispute(context.Background(), admin, o.ID, Resolution{Decision: tc.decision, Notes: "analisado"})
			require.NoError(t, err)

			assert.Equal(t, tc.status, got.Status)
			assert.Equal(t, tc.decision, got.DisputeDecision)
			f.assertWallet(t, "client", tc.client, "0")
			f.assertWallet(t, "provider", tc.provider, "0")
			f.assertWallet(t, "platform", tc.platform, "0")
			assert.True(t, f.total(t).Equal(before))

			_, err = f.svc.ResolveDispute(context.Background(), admin, o.ID, Resolution{Decision: tc.decision})
			assert.ErrorIs(t, err, domain.ErrInvalidTransition, "resolution is final")
		})
	}
}

func TestResolveDispute_AdminOnly(t *testing.T) {
	f := newFixture(t)
	o := disputed(t, f)

	_, err := f.svc.ResolveDispute(context.Background(), client, o.ID, Resolution{Decision: domain.DecisionFavorClient})
	assert.ErrorIs(t, err, domain.ErrAdminOnly)

	_, err = f.svc.ResolveDispute(context.Background(), admin, o.ID, Resolution{Decision: "coin_flip"})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestCancelAfterCompletionRejected(t *testing.T) {
	f := newFixture(t)
	o := f.completed(t, "300")

	for _, a := range []domain.Actor{client, provider} {
		_, err := f.svc.CancelOrder(context.Background(), a, o.ID, "mudei de ideia sobre o serviço")
		assert.ErrorIs(t, err, domain.ErrInvalidTransition)
		assert.Equal(t, domain.KindConflict, domain.KindOf(err))
	}
	got, _ := f.svc.Get(context.Background(), client, o.ID)
	assert.Equal(t, domain.OrderServiceCompleted, got.Status)
	f.assertWallet(t, "client", "690", "310")
}

func TestCancelByClient_PaysFeeSplit(t *testing.T) {
	f := newFixture(t)
	before := f.total(t)
	o := f.funded(t, "300")

	got, err := f.svc.CancelOrder(context.Background(), client, o.ID, "não preciso mais do serviço")
	require.NoError(t, err)

	assert.Equal(t, domain.OrderCancelled, got.Status)
	assert.True(t, got.CancellationFee.Equal(dec("30")))
	f.assertWallet(t, "client", "970", "0")
	f.assertWallet(t, "provider", "115", "0")
	f.assertWallet(t, "platform", "15", "0")
	assert.True(t, f.total(t).Equal(before))
}

func TestCancelByProvider_PaysFromBalance(t *testing.T) {
	f := newFixture(t)
	o := f.funded(t, "300")

	_, err := f.svc.CancelOrder(context.Background(), provider, o.ID, "fiquei doente esta semana")
	require.NoError(t, err)

	f.assertWallet(t, "client", "1015", "0")
	f.assertWallet(t, "provider", "70", "0")
	f.assertWallet(t, "platform", "15", "0")
}

func TestCancelByProvider_InsufficientBalanceFailsClosed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.ledger.Withdraw(ctx, "provider", dec("85"), "")
	require.NoError(t, err)
	o := f.funded(t, "300")

	_, err = f.svc.CancelOrder(ctx, provider, o.ID, "fiquei doente esta semana")
	var ife *domain.InsufficientFundsError
	require.ErrorAs(t, err, &ife)
	assert.Equal(t, domain.RoleProvider, ife.Party)

	got, _ := f.svc.Get(ctx, client, o.ID)
	assert.Equal(t, domain.OrderAccepted, got.Status)
	f.assertWallet(t, "client", "690", "310")
	f.assertWallet(t, "provider", "5", "10")
}

func TestCancel_ReasonTooShort(t *testing.T) {
	f := newFixture(t)
	o := f.funded(t, "300")

	_, err := f.svc.CancelOrder(context.Background(), client, o.ID, "  curto  ")
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestFeeSnapshot_SurvivesSettingsChange(t *testing.T) {
	f := newFixture(t)
	o := f.completed(t, "300")
	f.settings.PlatformFeePercentage = dec("20")
	f.settings.ContestationFee = dec("50")

	got, err := f.svc.ConfirmService(context.Background(), client, o.ID)
	require.NoError(t, err)
	assert.True(t, got.PlatformFee.Equal(dec("15")))
	f.assertWallet(t, "platform", "15", "0")
}

func TestOpenOrder_AcceptAndCapacity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.settings.MaxConcurrentOrders = 1

	open, err := f.svc.CreateOpen(ctx, client, OpenRequest{
		Title: "Instalação elétrica", Value: dec("200"), ServiceDeadline: f.clock.Now().Add(72 * time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderOpen, open.Status)
	f.assertWallet(t, "client", "790", "210")

	busy := f.funded(t, "50")
	_, err = f.svc.StartExecution(ctx, provider, busy.ID)
	require.NoError(t, err)

	_, err = f.svc.AcceptOrder(ctx, provider, open.ID)
	assert.ErrorIs(t, err, domain.ErrCapacityReached)

	_, err = f.svc.MarkServiceCompleted(ctx, provider, busy.ID)
	require.NoError(t, err)
	got, err := f.svc.AcceptOrder(ctx, provider, open.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderAccepted, got.Status)
	assert.Equal(t, "provider", got.ProviderID)
	assert.True(t, got.ProviderEscrow.Equal(dec("10")))
}

func TestOpenOrder_ClientCancelRefundsEverything(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	open, err := f.svc.CreateOpen(ctx, client, OpenRequest{
		Title: "Instalação elétrica", Value: dec("200"), ServiceDeadline: f.clock.Now().Add(72 * time.Hour),
	})
	require.NoError(t, err)

	got, err := f.svc.CancelOrder(ctx, client, open.ID, "encontrei outro prestador")
	require.NoError(t, err)
	assert.True(t, got.CancellationFee.IsZero())
	f.assertWallet(t, "client", "1000", "0")
}

func TestCreateOpen_InsufficientFunds(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.CreateOpen(context.Background(), client, OpenRequest{
		Title: "Reforma", Value: dec("995"), ServiceDeadline: f.clock.Now().Add(time.Hour),
	})
	var ife *domain.InsufficientFundsError
	require.ErrorAs(t, err, &ife)
	assert.Equal(t, domain.RoleClient, ife.Party)
	assert.True(t, ife.Shortfall.Equal(dec("5")))
}

func TestGet_OnlyPartiesAndAdmin(t *testing.T) {
	f := newFixture(t)
	o := f.funded(t, "300")
	stranger := domain.Actor{UserID: "stranger"}

	_, err := f.svc.Get(context.Background(), stranger, o.ID)
	assert.ErrorIs(t, err, domain.ErrNotParty)
	_, err = f.svc.Get(context.Background(), admin, o.ID)
	assert.NoError(t, err)
	_, err = f.svc.Get(context.Background(), admin, "ord_missing")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestHistoryAndStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.completed(t, "300")
	_, err := f.svc.ConfirmService(ctx, client, o.ID)
	require.NoError(t, err)
	f.funded(t, "100")

	entries, err := f.svc.History(ctx, client, o.ID)
	require.NoError(t, err)
	var types []string
	for _, e := range entries {
		types = append(types, e.EventType)
	}
	assert.Equal(t, []string{"order_created", "execution_started", "service_completed", "service_confirmed"}, types)

	st, err := f.svc.Stats(ctx, "client")
	require.NoError(t, err)
	assert.Equal(t, 2, st.AsClient.Total)
	assert.True(t, st.AsClient.Settled.Equal(dec("300")))
	assert.True(t, st.AsClient.InEscrow.Equal(dec("100")))
	assert.Zero(t, st.AsProvider.Total)
}
