package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Settings are the business tunables of the marketplace. Services read
// them at the moment of use; orders snapshot the fee fields at creation.
type Settings struct {
	PlatformFeePercentage     decimal.Decimal `json:"platformFeePercentage"`
	ContestationFee           decimal.Decimal `json:"contestationFee"`
	CancellationFeePercentage decimal.Decimal `json:"cancellationFeePercentage"`
	NegotiationWindow         time.Duration   `json:"negotiationWindow"`
	ConfirmationWindow        time.Duration   `json:"confirmationWindow"`
	InvitationTTL             time.Duration   `json:"invitationTtl"`
	MaxConcurrentOrders       int             `json:"maxConcurrentOrders"`

	// PlatformUserID is the reserved account that collects fees.
	PlatformUserID string `json:"platformUserId"`

	// LegacyDirectOrder routes mutually accepted invitations straight to a
	// funded order instead of a pre-order negotiation.
	LegacyDirectOrder bool `json:"legacyDirectOrder"`
}

// Defaults returns the built-in marketplace settings.
func Defaults() Settings {
	return Settings{
		PlatformFeePercentage:     decimal.NewFromFloat(5.0),
		ContestationFee:           decimal.NewFromInt(10),
		CancellationFeePercentage: decimal.NewFromFloat(10.0),
		NegotiationWindow:         7 * 24 * time.Hour,
		ConfirmationWindow:        36 * time.Hour,
		InvitationTTL:             7 * 24 * time.Hour,
		MaxConcurrentOrders:       5,
		PlatformUserID:            "platform",
	}
}

var hundred = decimal.NewFromInt(100)

// Validate rejects settings that would break settlement arithmetic.
func (s Settings) Validate() error {
	for name, pct := range map[string]decimal.Decimal{
		"PLATFORM_FEE_PERCENTAGE":     s.PlatformFeePercentage,
		"CANCELLATION_FEE_PERCENTAGE": s.CancellationFeePercentage,
	} {
		if pct.IsNegative() || pct.GreaterThan(hundred) {
			return fmt.Errorf("%s must be between 0 and 100, got %s", name, pct)
		}
	}
	if s.ContestationFee.IsNegative() {
		return fmt.Errorf("CONTESTATION_FEE must not be negative, got %s", s.ContestationFee)
	}
	if s.NegotiationWindow <= 0 || s.ConfirmationWindow <= 0 || s.InvitationTTL <= 0 {
		return fmt.Errorf("negotiation, confirmation and invitation windows must be positive")
	}
	if s.MaxConcurrentOrders <= 0 {
		return fmt.Errorf("MAX_CONCURRENT_ORDERS must be positive, got %d", s.MaxConcurrentOrders)
	}
	if s.PlatformUserID == "" {
		return fmt.Errorf("PLATFORM_USER_ID is required")
	}
	return nil
}

// SettingsFromEnv overlays environment variables on Defaults. Unlike the
// process helpers, malformed values are an error rather than ignored.
func SettingsFromEnv() (Settings, error) {
	s := Defaults()
	var err error

	if s.PlatformFeePercentage, err = envDecimal("PLATFORM_FEE_PERCENTAGE", s.PlatformFeePercentage); err != nil {
		return s, err
	}
	if s.ContestationFee, err = envDecimal("CONTESTATION_FEE", s.ContestationFee); err != nil {
		return s, err
	}
	if s.CancellationFeePercentage, err = envDecimal("CANCELLATION_FEE_PERCENTAGE", s.CancellationFeePercentage); err != nil {
		return s, err
	}
	if s.NegotiationWindow, err = envDuration("NEGOTIATION_WINDOW", s.NegotiationWindow); err != nil {
		return s, err
	}
	if s.ConfirmationWindow, err = envDuration("CONFIRMATION_WINDOW", s.ConfirmationWindow); err != nil {
		return s, err
	}
	if s.InvitationTTL, err = envDuration("INVITATION_TTL", s.InvitationTTL); err != nil {
		return s, err
	}
	if v := os.Getenv("MAX_CONCURRENT_ORDERS"); v != "" {
		n, convErr := strconv.Atoi(v)
		if convErr != nil {
			return s, fmt.Errorf("MAX_CONCURRENT_ORDERS: %w", convErr)
		}
		s.MaxConcurrentOrders = n
	}
	s.PlatformUserID = getEnv("PLATFORM_USER_ID", s.PlatformUserID)
	if v := os.Getenv("LEGACY_DIRECT_ORDER"); v != "" {
		b, convErr := strconv.ParseBool(v)
		if convErr != nil {
			return s, fmt.Errorf("LEGACY_DIRECT_ORDER: %w", convErr)
		}
		s.LegacyDirectOrder = b
	}
	return s, s.Validate()
}

func envDecimal(key string, def decimal.Decimal) (decimal.Decimal, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return def, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

// SettingsProvider supplies the current settings. Implementations must
// return validated values.
type SettingsProvider interface {
	Current(ctx context.Context) (Settings, error)
}

// Static is a SettingsProvider over a fixed value.
type Static Settings

func (s Static) Current(context.Context) (Settings, error) {
	return Settings(s), nil
}
