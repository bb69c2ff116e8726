package server

import (
	"testing"
	"time"

	"github.com/EscoLessgo/TypeNTalk-sub000/internal/dispatch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigRequiresDeviceToken(t *testing.T) {
	t.Setenv("TYPENTALK_DEVICE_TOKEN", "")

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TYPENTALK_DEVICE_TOKEN")
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("TYPENTALK_DEVICE_TOKEN", "tok")
	t.Setenv("TYPENTALK_DATA_DIR", "/srv/typentalk")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, "/srv/typentalk/typentalk.db", cfg.DatabasePath)
	assert.Equal(t, dispatch.DefaultEndpoints, cfg.DeviceEndpoints)
	assert.Equal(t, 150*time.Millisecond, cfg.GovernorCooldown)
	assert.Equal(t, 200*time.Millisecond, cfg.CoalesceCooldown)
	assert.Equal(t, 3*time.Minute, cfg.VacancyTimeout)
	assert.Equal(t, 12*time.Hour, cfg.ReuseWindow)
	assert.Equal(t, 10*time.Minute, cfg.SweepInterval)
	assert.Equal(t, 30*time.Minute, cfg.OrphanAge)
	assert.Equal(t, 15*time.Minute, cfg.ManualOrphanAge)
	assert.False(t, cfg.HasAdmin())
	assert.False(t, cfg.HasTOTP())
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("TYPENTALK_DEVICE_TOKEN", "tok")
	t.Setenv("TYPENTALK_DEVICE_ENDPOINTS", " https://a.example/cmd , ,https://b.example/cmd")
	t.Setenv("TYPENTALK_VACANCY_TIMEOUT", "90s")
	t.Setenv("TYPENTALK_RATE_LIMIT", "9")
	t.Setenv("TYPENTALK_GOVERNOR_COOLDOWN", "not-a-duration")
	t.Setenv("TYPENTALK_ALLOWED_ORIGINS", "https://typentalk.example")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, []string{"https://a.example/cmd", "https://b.example/cmd"}, cfg.DeviceEndpoints)
	assert.Equal(t, 90*time.Second, cfg.VacancyTimeout)
	assert.Equal(t, 9, cfg.RateLimitRequests)
	assert.Equal(t, 150*time.Millisecond, cfg.GovernorCooldown, "invalid values fall back")
	assert.Equal(t, []string{"https://typentalk.example"}, cfg.AllowedOrigins)

	lc := cfg.Lifecycle()
	assert.Equal(t, 90*time.Second, lc.VacancyTimeout)
}

func TestLoadConfigTOTPNeedsPassword(t *testing.T) {
	t.Setenv("TYPENTALK_DEVICE_TOKEN", "tok")
	t.Setenv("TYPENTALK_ADMIN_TOTP_SECRET", "JBSWY3DPEHPK3PXP")
	t.Setenv("TYPENTALK_ADMIN_PASSWORD_HASH", "")

	_, err := LoadConfig()
	require.Error(t, err)
}

func TestRateLimiterWindow(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(2, time.Minute)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("1.2.3.4"))
	assert.True(t, rl.Allow("1.2.3.4"))
	assert.False(t, rl.Allow("1.2.3.4"))
	assert.True(t, rl.Allow("5.6.7.8"))

	now = now.Add(61 * time.Second)
	assert.True(t, rl.Allow("1.2.3.4"))

	rl.Reset("1.2.3.4")
	assert.True(t, rl.Allow("1.2.3.4"))
}
