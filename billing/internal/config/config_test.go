package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/controlplane/common/failure"
	"github.com/telhawk-systems/controlplane/common/messaging"
)

func TestLoad_RequiresWebhookSecret(t *testing.T) {
	_, err := Load("")
	require.Error(t, err)
	assert.Equal(t, failure.KindConfig, failure.KindOf(err))
	assert.Contains(t, err.Error(), "webhook.secret")
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("BILLING_WEBHOOK_SECRET", "whsec_test")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "billing", cfg.NATS.Name)
	assert.Equal(t, 5*time.Minute, cfg.Webhook.Tolerance)
	assert.Equal(t, []string{messaging.QueueProvisioning, messaging.QueueNotification}, cfg.Publisher.Queues)
	assert.Equal(t, 200*time.Millisecond, cfg.Publisher.BaseDelay)
	assert.Equal(t, 5*time.Second, cfg.Publisher.MaxDelay)
	assert.Equal(t, 5, cfg.Publisher.MaxAttempts)
	assert.False(t, cfg.RateLimit.Enabled)
	assert.Equal(t, 600, cfg.RateLimit.Requests)
	assert.Equal(t, time.Minute, cfg.RateLimit.Window)
}

func TestLoad_RateLimitNeedsRedis(t *testing.T) {
	t.Setenv("BILLING_WEBHOOK_SECRET", "whsec_test")
	t.Setenv("BILLING_RATE_LIMIT_ENABLED", "true")

	_, err := Load("")
	require.Error(t, err)
	assert.Equal(t, failure.KindConfig, failure.KindOf(err))
	assert.Contains(t, err.Error(), "rate_limit")

	t.Setenv("BILLING_REDIS_ENABLED", "true")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.True(t, cfg.RateLimit.Enabled)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "billing.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9000
webhook:
  secret: from-file
publisher:
  queues: [provisioning.events]
  max_attempts: 2
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "from-file", cfg.Webhook.Secret)
	assert.Equal(t, []string{"provisioning.events"}, cfg.Publisher.Queues)
	assert.Equal(t, 2, cfg.Publisher.MaxAttempts)
}

func TestPublisherConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     PublisherConfig
		wantErr bool
	}{
		{"valid", PublisherConfig{Queues: []string{"q"}, BaseDelay: time.Millisecond, MaxDelay: time.Second, MaxAttempts: 1}, false},
		{"no queues", PublisherConfig{BaseDelay: time.Millisecond, MaxDelay: time.Second, MaxAttempts: 1}, true},
		{"cap below base", PublisherConfig{Queues: []string{"q"}, BaseDelay: time.Second, MaxDelay: time.Millisecond, MaxAttempts: 1}, true},
		{"zero attempts", PublisherConfig{Queues: []string{"q"}, BaseDelay: time.Millisecond, MaxDelay: time.Second}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, failure.KindConfig, failure.KindOf(err))
				return
			}
			assert.NoError(t, err)
		})
	}
}
