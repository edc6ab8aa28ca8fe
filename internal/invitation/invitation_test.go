package invitation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/raulk/clock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/combinado/internal/cache"
	"github.com/mbd888/combinado/internal/config"
	"github.com/mbd888/combinado/internal/conversion"
	"github.com/mbd888/combinado/internal/domain"
	"github.com/mbd888/combinado/internal/events"
	"github.com/mbd888/combinado/internal/ledger"
	"github.com/mbd888/combinado/internal/money"
	"github.com/mbd888/combinado/internal/order"
	"github.com/mbd888/combinado/internal/preorder"
	"github.com/mbd888/combinado/internal/store"
	"github.com/mbd888/combinado/internal/store/memory"
	"github.com/mbd888/combinado/internal/syncutil"
)

const providerPhone = "+55 (11) 98888-7777"

var (
	client   = domain.Actor{UserID: "client", Roles: []domain.Role{domain.RoleClient}}
	provider = domain.Actor{UserID: "provider", Phone: "+5511988887777", Roles: []domain.Role{domain.RoleProvider}}
	stranger = domain.Actor{UserID: "stranger", Phone: "+5511911112222", Roles: []domain.Role{domain.RoleProvider}}
)

type fixture struct {
	svc      *Service
	store    *memory.Store
	ledger   *ledger.Ledger
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
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	locks := syncutil.NewKeyedMutex()
	rec := &events.Recorder{}

	l := ledger.New(st, settings.PlatformUserID, ledger.WithClock(mock))
	orders := order.NewService(st, l, &settings).WithClock(mock).WithLogger(logger).WithLocks(locks)
	conv := conversion.NewService(st, l, orders, &settings).WithClock(mock).WithLogger(logger).WithLocks(locks)
	pre := preorder.NewService(st, l, conv, &settings).WithClock(mock).WithLogger(logger).WithLocks(locks).
		WithCache(cache.New[*domain.PreOrder](cache.KindPreOrder, 100, time.Minute))
	svc := NewService(st, l, pre, orders, &settings).
		WithClock(mock).
		WithLogger(logger).
		WithLocks(locks).
		WithEvents(rec).
		WithCache(cache.New[*domain.Invitation](cache.KindInvitation, 100, time.Minute))

	f := &fixture{svc: svc, store: st, ledger: l, clock: mock, settings: &settings, events: rec}
	f.deposit(t, "client", "1000")
	f.deposit(t, "provider", "100")
	return f
}

func (f *fixture) deposit(t *testing.T, user, amount string) {
	t.Helper()
	_, err := f.ledger.Deposit(context.Background(), user, dec(amount), "test")
	require.NoError(t, err)
}

func (f *fixture) wallet(t *testing.T, user string) (balance, escrow string) {
	t.Helper()
	a, err := f.ledger.Balance(context.Background(), user)
	require.NoError(t, err)
	return money.Format(a.Balance), money.Format(a.EscrowBalance)
}

func (f *fixture) invite(t *testing.T, value string) *domain.Invitation {
	t.Helper()
	inv, err := f.svc.Create(context.Background(), client, CreateRequest{
		ProviderPhone: providerPhone,
		Title:         "Pintura da sala",
		Description:   "Duas demãos, tinta inclusa",
		Category:      "pintura",
		Value:         dec(value),
		DeliveryDate:  f.clock.Now().Add(10 * 24 * time.Hour),
	})
	require.NoError(t, err)
	return inv
}

func (f *fixture) preOrderFor(t *testing.T, invitationID string) (*domain.PreOrder, error) {
	t.Helper()
	var p *domain.PreOrder
	err := f.store.WithinTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		var err error
		p, err = tx.PreOrders().GetByInvitation(ctx, invitationID)
		return err
	})
	return p, err
}

func TestCreate(t *testing.T) {
	f := newFixture(t)
	now := f.clock.Now()

	inv := f.invite(t, "300")
	assert.Equal(t, domain.InvitationPending, inv.Status)
	assert.Equal(t, "+5511988887777", inv.ProviderPhone)
	assert.Empty(t, inv.ProviderID)
	assert.Equal(t, now.Add(7*24*time.Hour), inv.ExpiresAt)
	assert.Equal(t, []events.Type{events.InvitationCreated}, f.events.Types())

	b, e := f.wallet(t, "client")
	assert.Equal(t, "1000.00", b)
	assert.Equal(t, "0.00", e)
}

func TestCreate_ExpiresNoLaterThanDelivery(t *testing.T) {
	f := newFixture(t)
	delivery := f.clock.Now().Add(48 * time.Hour)
	inv, err := f.svc.Create(context.Background(), client, CreateRequest{
		ProviderPhone: providerPhone,
		Title:         "Conserto urgente",
		Value:         dec("120"),
		DeliveryDate:  delivery,
	})
	require.NoError(t, err)
	assert.Equal(t, delivery, inv.ExpiresAt)
}

func TestCreate_Validation(t *testing.T) {
	f := newFixture(t)
	future := f.clock.Now().Add(24 * time.Hour)
	tests := []struct {
		name  string
		actor domain.Actor
		req   CreateRequest
		want  error
	}{
		{"provider role", provider, CreateRequest{ProviderPhone: providerPhone, Title: "x", Value: dec("10"), DeliveryDate: future}, domain.ErrNotParty},
		{"no title", client, CreateRequest{ProviderPhone: providerPhone, Value: dec("10"), DeliveryDate: future}, domain.ErrValidation},
		{"no phone", client, CreateRequest{Title: "x", Value: dec("10"), DeliveryDate: future}, domain.ErrValidation},
		{"bad phone", client, CreateRequest{ProviderPhone: "123", Title: "x", Value: dec("10"), DeliveryDate: future}, domain.ErrValidation},
		{"zero value", client, CreateRequest{ProviderPhone: providerPhone, Title: "x", Value: decimal.Zero, DeliveryDate: future}, domain.ErrValidation},
		{"three decimals", client, CreateRequest{ProviderPhone: providerPhone, Title: "x", Value: decimal.RequireFromString("10.005"), DeliveryDate: future}, domain.ErrValidation},
		{"past delivery", client, CreateRequest{ProviderPhone: providerPhone, Title: "x", Value: dec("10"), DeliveryDate: f.clock.Now()}, domain.ErrValidation},
		{"self invite", client, CreateRequest{ProviderID: "client", Title: "x", Value: dec("10"), DeliveryDate: future}, domain.ErrValidation},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.Create(context.Background(), tc.actor, tc.req)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestCreate_InsufficientFunds(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Create(context.Background(), client, CreateRequest{
		ProviderPhone: providerPhone,
		Title:         "Obra grande",
		Value:         dec("995"),
		DeliveryDate:  f.clock.Now().Add(24 * time.Hour),
	})
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)
	var ife *domain.InsufficientFundsError
	require.True(t, errors.As(err, &ife))
	assert.Equal(t, domain.RoleClient, ife.Party)
	assert.Equal(t, "1005.00", money.Format(ife.Required))
	assert.Equal(t, "5.00", money.Format(ife.Shortfall))
}

func TestAccept_MutualCreatesPreOrderWithoutMovingMoney(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inv := f.invite(t, "300")

	res, err := f.svc.AcceptAsClient(ctx, client, inv.ID)
	require.NoError(t, err)
	assert.True(t, res.Invitation.ClientAccepted)
	assert.Equal(t, domain.InvitationPending, res.Invitation.Status)
	assert.Nil(t, res.PreOrder)

	res, err = f.svc.AcceptAsProvider(ctx, provider, inv.ID)
	require.NoError(t, err)
	require.NotNil(t, res.PreOrder)
	assert.Nil(t, res.Order)
	assert.Equal(t, domain.InvitationConvertedPreOrder, res.Invitation.Status)
	assert.Equal(t, "provider", res.Invitation.ProviderID)
	assert.Equal(t, res.PreOrder.ID, res.Invitation.PreOrderID)
	assert.Equal(t, domain.PreOrderNegotiating, res.PreOrder.Status)
	assert.True(t, res.PreOrder.CurrentValue.Equal(dec("300")))

	b, e := f.wallet(t, "client")
	assert.Equal(t, "1000.00", b)
	assert.Equal(t, "0.00", e)
	b, e = f.wallet(t, "provider")
	assert.Equal(t, "100.00", b)
	assert.Equal(t, "0.00", e)

	assert.Equal(t, []events.Type{
		events.InvitationCreated,
		events.InvitationAccepted,
		events.InvitationAccepted,
		events.PreOrderCreated,
	}, f.events.Types())
}

func TestAccept_RepeatIsNoOp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inv := f.invite(t, "300")

	_, err := f.svc.AcceptAsClient(ctx, client, inv.ID)
	require.NoError(t, err)
	res, err := f.svc.AcceptAsClient(ctx, client, inv.ID)
	require.NoError(t, err)
	assert.True(t, res.AlreadyAccepted)
	assert.Equal(t, domain.InvitationPending, res.Invitation.Status)

	_, err = f.svc.AcceptAsProvider(ctx, provider, inv.ID)
	require.NoError(t, err)
	res, err = f.svc.AcceptAsProvider(ctx, provider, inv.ID)
	require.NoError(t, err)
	assert.True(t, res.AlreadyAccepted)
	assert.Nil(t, res.PreOrder)
	assert.Equal(t, domain.InvitationConvertedPreOrder, res.Invitation.Status)
}

func TestAccept_Authorization(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inv := f.invite(t, "300")

	_, err := f.svc.AcceptAsProvider(ctx, stranger, inv.ID)
	assert.ErrorIs(t, err, domain.ErrNotParty)
	_, err = f.svc.AcceptAsClient(ctx, provider, inv.ID)
	assert.ErrorIs(t, err, domain.ErrNotParty)

	noRole := domain.Actor{UserID: "provider", Phone: provider.Phone}
	_, err = f.svc.AcceptAsProvider(ctx, noRole, inv.ID)
	assert.ErrorIs(t, err, domain.ErrNotParty)

	// Once bound, the phone no longer identifies the provider.
	_, err = f.svc.AcceptAsProvider(ctx, provider, inv.ID)
	require.NoError(t, err)
	samePhone := domain.Actor{UserID: "other", Phone: provider.Phone, Roles: []domain.Role{domain.RoleProvider}}
	_, err = f.svc.Get(ctx, samePhone, inv.ID)
	assert.ErrorIs(t, err, domain.ErrNotParty)
}

func TestAccept_ProviderNeedsContestationFee(t *testing.T) {
	f := newFixture(t)
	inv := f.invite(t, "300")
	broke := domain.Actor{UserID: "broke", Phone: provider.Phone, Roles: []domain.Role{domain.RoleProvider}}
	f.deposit(t, "broke", "4")

	_, err := f.svc.AcceptAsProvider(context.Background(), broke, inv.ID)
	var ife *domain.InsufficientFundsError
	require.True(t, errors.As(err, &ife))
	assert.Equal(t, domain.RoleProvider, ife.Party)
	assert.Equal(t, "6.00", money.Format(ife.Shortfall))

	got, err := f.svc.Get(context.Background(), client, inv.ID)
	require.NoError(t, err)
	assert.False(t, got.ProviderAccepted)
	assert.Empty(t, got.ProviderID)
}

func TestAccept_LegacyDirectOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.settings.LegacyDirectOrder = true
	inv := f.invite(t, "300")

	_, err := f.svc.AcceptAsProvider(ctx, provider, inv.ID)
	require.NoError(t, err)
	res, err := f.svc.AcceptAsClient(ctx, client, inv.ID)
	require.NoError(t, err)
	require.NotNil(t, res.Order)
	assert.Nil(t, res.PreOrder)
	assert.Equal(t, domain.InvitationConvertedOrder, res.Invitation.Status)
	assert.Equal(t, res.Order.ID, res.Invitation.OrderID)
	assert.Equal(t, domain.OrderAwaitingStart, res.Order.Status)
	assert.Equal(t, inv.ID, res.Order.InvitationID)

	b, e := f.wallet(t, "client")
	assert.Equal(t, "690.00", b)
	assert.Equal(t, "310.00", e)
	b, e = f.wallet(t, "provider")
	assert.Equal(t, "90.00", b)
	assert.Equal(t, "10.00", e)

	_, err = f.preOrderFor(t, inv.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAccept_LegacyShortfallIsRetryable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.settings.LegacyDirectOrder = true
	inv := f.invite(t, "300")

	tight := domain.Actor{UserID: "tight", Roles: []domain.Role{domain.RoleClient}}
	f.deposit(t, "tight", "310")
	inv2, err := f.svc.Create(ctx, tight, CreateRequest{
		ProviderPhone: providerPhone,
		Title:         "Jardinagem",
		Value:         dec("300"),
		DeliveryDate:  f.clock.Now().Add(5 * 24 * time.Hour),
	})
	require.NoError(t, err)
	_, err = f.ledger.Withdraw(ctx, "tight", dec("10"), "test")
	require.NoError(t, err)

	// The client's acceptance only checks the value, so it passes with 300.
	_, err = f.svc.AcceptAsClient(ctx, tight, inv2.ID)
	require.NoError(t, err)
	res, err := f.svc.AcceptAsProvider(ctx, provider, inv2.ID)
	require.Error(t, err)

	var retry *domain.RetryableError
	require.True(t, errors.As(err, &retry))
	assert.True(t, retry.Recorded)
	var report *domain.ShortfallReport
	require.True(t, errors.As(err, &report))
	require.NotNil(t, report.For(domain.RoleClient))
	assert.Equal(t, "10.00", money.Format(report.For(domain.RoleClient).Shortfall))
	assert.Nil(t, report.For(domain.RoleProvider))

	require.NotNil(t, res)
	assert.Equal(t, domain.InvitationAccepted, res.Invitation.Status)
	got, err := f.svc.Get(ctx, tight, inv2.ID)
	require.NoError(t, err)
	assert.True(t, got.ClientAccepted)
	assert.True(t, got.ProviderAccepted)
	assert.Equal(t, domain.InvitationAccepted, got.Status)
	b, e := f.wallet(t, "tight")
	assert.Equal(t, "300.00", b)
	assert.Equal(t, "0.00", e)
	assert.Contains(t, f.events.Types(), events.ConversionFailed)

	f.deposit(t, "tight", "10")
	res, err = f.svc.RetryConversion(ctx, tight, inv2.ID)
	require.NoError(t, err)
	require.NotNil(t, res.Order)
	assert.Equal(t, domain.InvitationConvertedOrder, res.Invitation.Status)
	b, e = f.wallet(t, "tight")
	assert.Equal(t, "0.00", b)
	assert.Equal(t, "310.00", e)

	// The first invitation is untouched.
	got, err = f.svc.Get(ctx, client, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.InvitationPending, got.Status)
}

func TestRetryConversion_RequiresAcceptedStatus(t *testing.T) {
	f := newFixture(t)
	inv := f.invite(t, "300")
	_, err := f.svc.RetryConversion(context.Background(), client, inv.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	_, err = f.svc.RetryConversion(context.Background(), stranger, inv.ID)
	assert.ErrorIs(t, err, domain.ErrNotParty)
}

func TestAccept_ConcurrentAcceptancesConvertOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inv := f.invite(t, "300")

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
		errs    []error
	)
	for i := 0; i < 5; i++ {
		for _, accept := range []func() (*AcceptResult, error){
			func() (*AcceptResult, error) { return f.svc.AcceptAsClient(ctx, client, inv.ID) },
			func() (*AcceptResult, error) { return f.svc.AcceptAsProvider(ctx, provider, inv.ID) },
		} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				res, err := accept()
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					errs = append(errs, err)
					return
				}
				if res.PreOrder != nil {
					created++
				}
			}()
		}
	}
	wg.Wait()

	assert.Empty(t, errs)
	assert.Equal(t, 1, created)
	p, err := f.preOrderFor(t, inv.ID)
	require.NoError(t, err)
	got, err := f.svc.Get(ctx, client, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.PreOrderID)
}

func TestProposeValue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inv := f.invite(t, "300")
	_, err := f.svc.AcceptAsClient(ctx, client, inv.ID)
	require.NoError(t, err)

	_, err = f.svc.ProposeValue(ctx, provider, inv.ID, dec("350"), strings.Repeat("a", 49))
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = f.svc.ProposeValue(ctx, provider, inv.ID, dec("300"), strings.Repeat("a", 60))
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = f.svc.ProposeValue(ctx, client, inv.ID, dec("350"), strings.Repeat("a", 60))
	assert.ErrorIs(t, err, domain.ErrNotParty)

	got, err := f.svc.ProposeValue(ctx, provider, inv.ID, dec("350"), strings.Repeat("a", 60))
	require.NoError(t, err)
	assert.True(t, got.ProposalPending)
	assert.False(t, got.ClientAccepted)
	assert.Equal(t, "provider", got.ProviderID)
	assert.True(t, got.CurrentValue().Equal(dec("350")))

	_, err = f.svc.ProposeValue(ctx, provider, inv.ID, dec("360"), strings.Repeat("a", 60))
	assert.ErrorIs(t, err, domain.ErrProposalPending)
	_, err = f.svc.AcceptAsClient(ctx, client, inv.ID)
	assert.ErrorIs(t, err, domain.ErrProposalPending)
	_, err = f.svc.RespondToValueProposal(ctx, provider, inv.ID, true)
	assert.ErrorIs(t, err, domain.ErrNotParty)

	got, err = f.svc.RespondToValueProposal(ctx, client, inv.ID, true)
	require.NoError(t, err)
	assert.False(t, got.ProposalPending)
	assert.True(t, got.CurrentValue().Equal(dec("350")))
	_, err = f.svc.RespondToValueProposal(ctx, client, inv.ID, true)
	assert.ErrorIs(t, err, domain.ErrNoPendingProposal)

	_, err = f.svc.AcceptAsClient(ctx, client, inv.ID)
	require.NoError(t, err)
	res, err := f.svc.AcceptAsProvider(ctx, provider, inv.ID)
	require.NoError(t, err)
	require.NotNil(t, res.PreOrder)
	assert.True(t, res.PreOrder.CurrentValue.Equal(dec("350")))
	assert.True(t, res.PreOrder.OriginalValue.Equal(dec("300")))
}

func TestRespondToValueProposal_RejectRestoresOriginal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inv := f.invite(t, "300")

	_, err := f.svc.ProposeValue(ctx, provider, inv.ID, dec("420"), strings.Repeat("b", 80))
	require.NoError(t, err)
	got, err := f.svc.RespondToValueProposal(ctx, client, inv.ID, false)
	require.NoError(t, err)
	assert.False(t, got.ProposalPending)
	assert.Nil(t, got.ProposedValue)
	assert.Empty(t, got.ProposalJustification)
	assert.True(t, got.CurrentValue().Equal(dec("300")))
}

func TestReject(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inv := f.invite(t, "300")

	_, err := f.svc.Reject(ctx, client, inv.ID, "mudei de ideia")
	assert.ErrorIs(t, err, domain.ErrNotParty)

	got, err := f.svc.Reject(ctx, provider, inv.ID, "sem agenda")
	require.NoError(t, err)
	assert.Equal(t, domain.InvitationRejected, got.Status)
	assert.Equal(t, "provider", got.RejectedBy)
	assert.Equal(t, "sem agenda", got.RejectionReason)

	_, err = f.svc.AcceptAsClient(ctx, client, inv.ID)
	assert.ErrorIs(t, err, domain.ErrAlreadyFinal)
	_, err = f.svc.Reject(ctx, provider, inv.ID, "de novo")
	assert.ErrorIs(t, err, domain.ErrAlreadyFinal)
}

func TestLazyExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inv := f.invite(t, "300")
	_, err := f.svc.AcceptAsClient(ctx, client, inv.ID)
	require.NoError(t, err)

	f.clock.Add(7*24*time.Hour + time.Second)
	_, err = f.svc.AcceptAsProvider(ctx, provider, inv.ID)
	require.ErrorIs(t, err, domain.ErrExpired)

	got, err := f.svc.Get(ctx, client, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.InvitationExpired, got.Status)
	assert.Contains(t, f.events.Types(), events.InvitationExpired)
}

func TestGet_ExpiresOnRead(t *testing.T) {
	f := newFixture(t)
	inv := f.invite(t, "300")

	got, err := f.svc.Get(context.Background(), provider, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.InvitationPending, got.Status)

	f.clock.Add(8 * 24 * time.Hour)
	got, err = f.svc.Get(context.Background(), provider, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.InvitationExpired, got.Status)
}

func TestExpireSweep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.invite(t, "100")
	b := f.invite(t, "100")
	c := f.invite(t, "100")
	_, err := f.svc.Reject(ctx, provider, c.ID, "")
	require.NoError(t, err)

	n, err := f.svc.ExpireSweep(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.clock.Add(8 * 24 * time.Hour)
	n, err = f.svc.ExpireSweep(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, id := range []string{a.ID, b.ID} {
		got, err := f.svc.Get(ctx, client, id)
		require.NoError(t, err)
		assert.Equal(t, domain.InvitationExpired, got.Status)
	}
	got, err := f.svc.Get(ctx, client, c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.InvitationRejected, got.Status)
}

func TestListByUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.invite(t, "100")
	inv := f.invite(t, "200")
	_, err := f.svc.AcceptAsProvider(ctx, provider, inv.ID)
	require.NoError(t, err)

	list, err := f.svc.ListByUser(ctx, "client", 10)
	require.NoError(t, err)
	assert.Len(t, list, 2)
	list, err = f.svc.ListByUser(ctx, "provider", 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, inv.ID, list[0].ID)
}
