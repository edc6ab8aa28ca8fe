package ledger

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/shopspring/decimal"

	"github.com/mbd888/combinado/internal/domain"
	"github.com/mbd888/combinado/internal/idgen"
	"github.com/mbd888/combinado/internal/logging"
	"github.com/mbd888/combinado/internal/money"
	"github.com/mbd888/combinado/internal/store"
)

// Posting moves money inside one store transaction. It caches the
// accounts it has locked so a unit of work touching several parties can
// lock them all up front, in order, via Lock.
type Posting struct {
	l      *Ledger
	tx     store.Tx
	locked map[string]*domain.Account
}

// Release is the outcome of paying out an order's escrow.
type Release struct {
	Value          decimal.Decimal `json:"value"`
	Fee            decimal.Decimal `json:"fee"`
	ProviderAmount decimal.Decimal `json:"providerAmount"`
	ClientRefund   decimal.Decimal `json:"clientRefund"`
}

// Lock acquires row locks on every listed account not yet held by this
// posting, in ascending user id order.
func (p *Posting) Lock(ctx context.Context, userIDs ...string) error {
	var missing []string
	for _, id := range userIDs {
		if id == "" {
			continue
		}
		if _, ok := p.locked[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	accts, err := p.tx.Accounts().LockForUpdate(ctx, missing...)
	if err != nil {
		return fmt.Errorf("lock accounts: %w", err)
	}
	maps.Copy(p.locked, accts)
	return nil
}

// Shortfall checks, without locking, whether userID's spendable balance
// covers required. It returns nil when it does.
func (p *Posting) Shortfall(ctx context.Context, party domain.Role, userID string, required decimal.Decimal) (*domain.InsufficientFundsError, error) {
	acct, ok := p.locked[userID]
	if !ok {
		var err error
		if acct, err = p.tx.Accounts().Get(ctx, userID); err != nil {
			return nil, err
		}
	}
	if acct.Balance.GreaterThanOrEqual(required) {
		return nil, nil
	}
	return &domain.InsufficientFundsError{
		Party:     party,
		UserID:    userID,
		Required:  required,
		Available: acct.Balance,
		Shortfall: money.Shortfall(required, acct.Balance),
	}, nil
}

// Deposit credits spendable balance.
func (p *Posting) Deposit(ctx context.Context, userID string, amount decimal.Decimal, description string) (*domain.Transaction, error) {
	if err := validAmount(amount); err != nil {
		return nil, err
	}
	return p.apply(ctx, entry{
		userID: userID, typ: domain.TxDeposit, amount: amount,
		balance: amount, description: description,
	})
}

// Withdraw debits spendable balance.
func (p *Posting) Withdraw(ctx context.Context, userID string, amount decimal.Decimal, description string) (*domain.Transaction, error) {
	if err := validAmount(amount); err != nil {
		return nil, err
	}
	return p.apply(ctx, entry{
		userID: userID, typ: domain.TxWithdrawal, amount: amount,
		balance: amount.Neg(), description: description,
	})
}

// TransferToEscrow moves amount from balance to escrow.
func (p *Posting) TransferToEscrow(ctx context.Context, userID string, amount decimal.Decimal, orderID, description string) (*domain.Transaction, error) {
	if err := validAmount(amount); err != nil {
		return nil, err
	}
	return p.apply(ctx, entry{
		userID: userID, typ: domain.TxEscrowLock, amount: amount,
		balance: amount.Neg(), escrow: amount, orderID: orderID, description: description,
	})
}

// ReturnFromEscrow moves amount from a user's escrow back to the same
// user's balance.
func (p *Posting) ReturnFromEscrow(ctx context.Context, userID string, amount decimal.Decimal, orderID, description string) (*domain.Transaction, error) {
	if amount.IsZero() {
		return nil, nil
	}
	if err := validAmount(amount); err != nil {
		return nil, err
	}
	return p.apply(ctx, entry{
		userID: userID, typ: domain.TxEscrowRefund, amount: amount,
		balance: amount, escrow: amount.Neg(), orderID: orderID, description: description,
	})
}

// PayFromEscrow moves amount out of from's escrow into to's balance. typ
// tags the credit side (fee, compensation, payment).
func (p *Posting) PayFromEscrow(ctx context.Context, from, to string, amount decimal.Decimal, typ domain.TransactionType, orderID, description string) error {
	if amount.IsZero() {
		return nil
	}
	if err := validAmount(amount); err != nil {
		return err
	}
	if err := p.Lock(ctx, from, to); err != nil {
		return err
	}
	if _, err := p.apply(ctx, entry{
		userID: from, typ: domain.TxEscrowRelease, amount: amount,
		escrow: amount.Neg(), orderID: orderID, related: to, description: description,
	}); err != nil {
		return err
	}
	_, err := p.apply(ctx, entry{
		userID: to, typ: typ, amount: amount,
		balance: amount, orderID: orderID, related: from, description: description,
	})
	return err
}

// Transfer moves amount between two spendable balances.
func (p *Posting) Transfer(ctx context.Context, from, to string, amount decimal.Decimal, typ domain.TransactionType, orderID, description string) error {
	if amount.IsZero() {
		return nil
	}
	if err := validAmount(amount); err != nil {
		return err
	}
	if err := p.Lock(ctx, from, to); err != nil {
		return err
	}
	if _, err := p.apply(ctx, entry{
		userID: from, typ: typ, amount: amount,
		balance: amount.Neg(), orderID: orderID, related: to, description: description,
	}); err != nil {
		return err
	}
	_, err := p.apply(ctx, entry{
		userID: to, typ: typ, amount: amount,
		balance: amount, orderID: orderID, related: from, description: description,
	})
	return err
}

// ReleaseFromEscrow pays the order value out of the client's escrow:
// value minus fee to the provider and the fee to the platform. It writes
// three transactions.
func (p *Posting) ReleaseFromEscrow(ctx context.Context, o *domain.Order, feePercent decimal.Decimal) (*Release, error) {
	return p.ReleaseFromEscrowPartial(ctx, o, decimal.Zero, o.Value, feePercent)
}

// RefundFromEscrow returns the full order value from the client's escrow
// to the client's balance.
func (p *Posting) RefundFromEscrow(ctx context.Context, o *domain.Order) (*Release, error) {
	if err := p.checkEscrow(ctx, o); err != nil {
		return nil, err
	}
	if _, err := p.apply(ctx, entry{
		userID: o.ClientID, typ: domain.TxEscrowRefund, amount: o.Value,
		balance: o.Value, escrow: o.Value.Neg(), orderID: o.ID,
		description: "refund of order " + o.ID,
	}); err != nil {
		return nil, err
	}
	return &Release{Value: o.Value, ClientRefund: o.Value, Fee: decimal.Zero, ProviderAmount: decimal.Zero}, nil
}

// ReleaseFromEscrowPartial splits the order value between client and
// provider. The platform fee applies to the provider share only. The two
// shares must add up to the order value.
func (p *Posting) ReleaseFromEscrowPartial(ctx context.Context, o *domain.Order, clientShare, providerShare, feePercent decimal.Decimal) (*Release, error) {
	if clientShare.IsNegative() || providerShare.IsNegative() || !clientShare.Add(providerShare).Equal(o.Value) {
		return nil, domain.Validation("shares", "client share %s and provider share %s must add up to order value %s",
			money.Format(clientShare), money.Format(providerShare), money.Format(o.Value))
	}
	if o.ProviderID == "" {
		return nil, domain.ErrProviderUnassigned
	}
	if err := p.Lock(ctx, o.ClientID, o.ProviderID, p.l.platform); err != nil {
		return nil, err
	}
	if err := p.checkEscrow(ctx, o); err != nil {
		return nil, err
	}

	fee := money.Percent(providerShare, feePercent)
	net := providerShare.Sub(fee)
	rel := &Release{Value: o.Value, Fee: fee, ProviderAmount: net, ClientRefund: clientShare}

	if clientShare.IsPositive() {
		if _, err := p.apply(ctx, entry{
			userID: o.ClientID, typ: domain.TxEscrowRefund, amount: clientShare,
			balance: clientShare, escrow: clientShare.Neg(), orderID: o.ID,
			description: "client share of order " + o.ID,
		}); err != nil {
			return nil, err
		}
	}
	if providerShare.IsZero() {
		return rel, nil
	}
	if _, err := p.apply(ctx, entry{
		userID: o.ClientID, typ: domain.TxEscrowRelease, amount: providerShare,
		escrow: providerShare.Neg(), orderID: o.ID, related: o.ProviderID,
		description: "escrow release of order " + o.ID,
	}); err != nil {
		return nil, err
	}
	if _, err := p.apply(ctx, entry{
		userID: o.ProviderID, typ: domain.TxPayment, amount: net,
		balance: net, orderID: o.ID, related: o.ClientID,
		description: "payment for order " + o.ID,
	}); err != nil {
		return nil, err
	}
	if _, err := p.apply(ctx, entry{
		userID: p.l.platform, typ: domain.TxFee, amount: fee,
		balance: fee, orderID: o.ID, related: o.ProviderID,
		description: "platform fee of order " + o.ID,
	}); err != nil {
		return nil, err
	}
	return rel, nil
}

// checkEscrow guards against releasing more than the client holds. A
// failure here means an earlier posting was lost or duplicated.
func (p *Posting) checkEscrow(ctx context.Context, o *domain.Order) error {
	acct, err := p.account(ctx, o.ClientID)
	if err != nil {
		return err
	}
	if acct.EscrowBalance.LessThan(o.Value) {
		p.l.logger.Error("CRITICAL: escrow below order value",
			logging.OrderID(o.ID), logging.UserID(o.ClientID),
			logging.Amount("escrow", acct.EscrowBalance), logging.Amount("value", o.Value))
		return fmt.Errorf("order %s: client escrow %s below value %s: %w",
			o.ID, money.Format(acct.EscrowBalance), money.Format(o.Value), domain.ErrEscrowInsufficient)
	}
	return nil
}

func (p *Posting) account(ctx context.Context, userID string) (*domain.Account, error) {
	if err := p.Lock(ctx, userID); err != nil {
		return nil, err
	}
	return p.locked[userID], nil
}

// Locked returns the ids currently locked by this posting, sorted.
func (p *Posting) Locked() []string {
	return slices.Sorted(maps.Keys(p.locked))
}

// entry is one signed movement on one account.
type entry struct {
	userID      string
	typ         domain.TransactionType
	amount      decimal.Decimal
	balance     decimal.Decimal
	escrow      decimal.Decimal
	orderID     string
	related     string
	description string
}

func (p *Posting) apply(ctx context.Context, e entry) (*domain.Transaction, error) {
	acct, err := p.account(ctx, e.userID)
	if err != nil {
		return nil, err
	}

	newBalance := acct.Balance.Add(e.balance)
	newEscrow := acct.EscrowBalance.Add(e.escrow)
	if newBalance.IsNegative() {
		return nil, &domain.InsufficientFundsError{
			UserID:    e.userID,
			Required:  e.balance.Neg(),
			Available: acct.Balance,
			Shortfall: newBalance.Neg(),
		}
	}
	if newEscrow.IsNegative() {
		p.l.logger.Error("CRITICAL: escrow would go negative",
			logging.UserID(e.userID), logging.OrderID(e.orderID), "type", e.typ,
			logging.Amount("escrow", acct.EscrowBalance), logging.Amount("delta", e.escrow))
		return nil, fmt.Errorf("account %s: escrow %s cannot cover %s: %w",
			e.userID, money.Format(acct.EscrowBalance), money.Format(e.escrow.Neg()), domain.ErrEscrowInsufficient)
	}

	now := p.l.clock.Now()
	t := &domain.Transaction{
		ID:            idgen.WithPrefix(idgen.Transaction),
		UserID:        e.userID,
		Type:          e.typ,
		Amount:        e.amount,
		BalanceBefore: acct.Balance,
		BalanceAfter:  newBalance,
		EscrowBefore:  acct.EscrowBalance,
		EscrowAfter:   newEscrow,
		OrderID:       e.orderID,
		RelatedUserID: e.related,
		Description:   e.description,
		CreatedAt:     now,
	}

	acct.Balance = newBalance
	acct.EscrowBalance = newEscrow
	acct.UpdatedAt = now
	if err := p.tx.Accounts().Save(ctx, acct); err != nil {
		return nil, fmt.Errorf("save account %s: %w", e.userID, err)
	}
	if err := p.tx.Accounts().AppendTransaction(ctx, t); err != nil {
		return nil, fmt.Errorf("append transaction for %s: %w", e.userID, err)
	}
	return t, nil
}
