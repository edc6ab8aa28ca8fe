package order

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/mbd888/combinado/internal/domain"
	"github.com/mbd888/combinado/internal/store"
)

// RoleStats summarizes a user's orders on one side of the marketplace.
type RoleStats struct {
	Total    int                        `json:"total"`
	ByStatus map[domain.OrderStatus]int `json:"byStatus"`

	// Settled is the value of orders that paid out (concluida or resolvida).
	Settled decimal.Decimal `json:"settled"`

	// InEscrow is the value still held on non-terminal orders.
	InEscrow decimal.Decimal `json:"inEscrow"`
}

// Stats is a user's order summary as client and as provider.
type Stats struct {
	AsClient   RoleStats `json:"asClient"`
	AsProvider RoleStats `json:"asProvider"`
}

// Stats aggregates every order the user takes part in.
func (s *Service) Stats(ctx context.Context, userID string) (*Stats, error) {
	var orders []*domain.Order
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		orders, err = tx.Orders().ListByUser(ctx, userID, 0)
		return err
	})
	if err != nil {
		return nil, err
	}

	st := &Stats{
		AsClient:   RoleStats{ByStatus: map[domain.OrderStatus]int{}},
		AsProvider: RoleStats{ByStatus: map[domain.OrderStatus]int{}},
	}
	for _, o := range orders {
		rs := &st.AsClient
		if o.ProviderID == userID {
			rs = &st.AsProvider
		}
		rs.Total++
		rs.ByStatus[o.Status]++
		switch {
		case o.Status == domain.OrderCompleted || o.Status == domain.OrderResolved:
			rs.Settled = rs.Settled.Add(o.Value)
		case !o.Status.IsTerminal():
			rs.InEscrow = rs.InEscrow.Add(o.Value)
		}
	}
	return st, nil
}
