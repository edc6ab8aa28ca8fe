package config

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("ENV", "development")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultSweepInterval, cfg.SweepInterval)
	assert.True(t, cfg.IsDevelopment())
	assert.True(t, cfg.Settings.PlatformFeePercentage.Equal(decimal.NewFromInt(5)))
	assert.True(t, cfg.Settings.ContestationFee.Equal(decimal.NewFromInt(10)))
	assert.Equal(t, 36*time.Hour, cfg.Settings.ConfirmationWindow)
	assert.Equal(t, 7*24*time.Hour, cfg.Settings.NegotiationWindow)
	assert.Equal(t, 5, cfg.Settings.MaxConcurrentOrders)
}

func TestLoad_ProductionRequiresDatabase(t *testing.T) {
	t.Setenv("ENV", "production")
	t.Setenv("DATABASE_URL", "")

	_, err := Load()
	assert.ErrorContains(t, err, "DATABASE_URL")
}

func TestLoad_ProductionRequiresGatewaySecret(t *testing.T) {
	t.Setenv("ENV", "production")
	t.Setenv("DATABASE_URL", "postgres://localhost/combinado")
	t.Setenv("GATEWAY_SECRET", "")

	_, err := Load()
	assert.ErrorContains(t, err, "GATEWAY_SECRET")
}

func TestLoad_CORSOrigins(t *testing.T) {
	t.Setenv("ENV", "development")
	t.Setenv("CORS_ORIGINS", " https://app.combinado.com.br, ,https://admin.combinado.com.br")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"https://app.combinado.com.br", "https://admin.combinado.com.br"}, cfg.CORSOrigins)
	assert.Equal(t, int32(DefaultDBMaxConns), cfg.DBMaxConns)
}

func TestLoad_WebhookNeedsSecret(t *testing.T) {
	t.Setenv("WEBHOOK_URL", "https://hooks.example.com/combinado")
	t.Setenv("WEBHOOK_SECRET", "")

	_, err := Load()
	assert.ErrorContains(t, err, "WEBHOOK_SECRET")
}

func TestSettingsFromEnv_Overrides(t *testing.T) {
	t.Setenv("PLATFORM_FEE_PERCENTAGE", "7.5")
	t.Setenv("CONTESTATION_FEE", "15.00")
	t.Setenv("CONFIRMATION_WINDOW", "48h")
	t.Setenv("MAX_CONCURRENT_ORDERS", "3")
	t.Setenv("LEGACY_DIRECT_ORDER", "true")

	s, err := SettingsFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "7.5", s.PlatformFeePercentage.String())
	assert.Equal(t, "15", s.ContestationFee.String())
	assert.Equal(t, 48*time.Hour, s.ConfirmationWindow)
	assert.Equal(t, 3, s.MaxConcurrentOrders)
	assert.True(t, s.LegacyDirectOrder)
}

func TestSettingsFromEnv_RejectsMalformed(t *testing.T) {
	tests := map[string]string{
		"PLATFORM_FEE_PERCENTAGE":     "five",
		"CANCELLATION_FEE_PERCENTAGE": "150",
		"CONTESTATION_FEE":            "-1",
		"NEGOTIATION_WINDOW":          "7 days",
		"MAX_CONCURRENT_ORDERS":       "0",
		"LEGACY_DIRECT_ORDER":         "maybe",
	}
	for key, value := range tests {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			_, err := SettingsFromEnv()
			assert.Error(t, err)
		})
	}
}

func TestStaticProvider(t *testing.T) {
	s := Defaults()
	s.MaxConcurrentOrders = 9

	got, err := Static(s).Current(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 9, got.MaxConcurrentOrders)
}
