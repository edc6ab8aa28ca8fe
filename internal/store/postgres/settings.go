package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mbd888/combinado/internal/config"
)

// SettingsStore reads the platform tunables from the platform_settings
// row on every call, so an admin change applies to the next operation.
// Until a row is saved the fallback settings are served.
type SettingsStore struct {
	pool     *pgxpool.Pool
	fallback config.Settings
}

var _ config.SettingsProvider = (*SettingsStore)(nil)

func NewSettingsStore(pool *pgxpool.Pool, fallback config.Settings) *SettingsStore {
	return &SettingsStore{pool: pool, fallback: fallback}
}

func (s *SettingsStore) Current(ctx context.Context) (config.Settings, error) {
	var (
		out                               config.Settings
		negotiation, confirmation, ttlSec int64
		maxOrders                         int
	)
	err := s.pool.QueryRow(ctx, `
		SELECT platform_fee_percentage, contestation_fee, cancellation_fee_percentage,
		       negotiation_window_seconds, confirmation_window_seconds, invitation_ttl_seconds,
		       max_concurrent_orders, platform_user_id, legacy_direct_order
		FROM platform_settings
		WHERE id`).Scan(
		&out.PlatformFeePercentage, &out.ContestationFee, &out.CancellationFeePercentage,
		&negotiation, &confirmation, &ttlSec,
		&maxOrders, &out.PlatformUserID, &out.LegacyDirectOrder,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return s.fallback, nil
	}
	if err != nil {
		return config.Settings{}, fmt.Errorf("load platform settings: %w", err)
	}
	out.NegotiationWindow = time.Duration(negotiation) * time.Second
	out.ConfirmationWindow = time.Duration(confirmation) * time.Second
	out.InvitationTTL = time.Duration(ttlSec) * time.Second
	out.MaxConcurrentOrders = maxOrders
	if err := out.Validate(); err != nil {
		return config.Settings{}, fmt.Errorf("stored platform settings: %w", err)
	}
	return out, nil
}

// Save validates and upserts the settings row.
func (s *SettingsStore) Save(ctx context.Context, settings config.Settings) error {
	if err := settings.Validate(); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO platform_settings (
			id, platform_fee_percentage, contestation_fee, cancellation_fee_percentage,
			negotiation_window_seconds, confirmation_window_seconds, invitation_ttl_seconds,
			max_concurrent_orders, platform_user_id, legacy_direct_order, updated_at
		) VALUES (TRUE, $1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		ON CONFLICT (id) DO UPDATE SET
			platform_fee_percentage = EXCLUDED.platform_fee_percentage,
			contestation_fee = EXCLUDED.contestation_fee,
			cancellation_fee_percentage = EXCLUDED.cancellation_fee_percentage,
			negotiation_window_seconds = EXCLUDED.negotiation_window_seconds,
			confirmation_window_seconds = EXCLUDED.confirmation_window_seconds,
			invitation_ttl_seconds = EXCLUDED.invitation_ttl_seconds,
			max_concurrent_orders = EXCLUDED.max_concurrent_orders,
			platform_user_id = EXCLUDED.platform_user_id,
			legacy_direct_order = EXCLUDED.legacy_direct_order,
			updated_at = EXCLUDED.updated_at`,
		settings.PlatformFeePercentage, settings.ContestationFee, settings.CancellationFeePercentage,
		int64(settings.NegotiationWindow/time.Second), int64(settings.ConfirmationWindow/time.Second),
		int64(settings.InvitationTTL/time.Second),
		settings.MaxConcurrentOrders, settings.PlatformUserID, settings.LegacyDirectOrder,
	)
	if err != nil {
		return fmt.Errorf("save platform settings: %w", err)
	}
	return nil
}
