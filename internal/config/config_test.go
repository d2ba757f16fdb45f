package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	t.Run("加载默认配置成功", func(t *testing.T) {
		cfg, err := Load()
		require.NoError(t, err)
		require.NotNil(t, cfg)

		assert.Equal(t, "0.0.0.0", cfg.Server.Host)
		assert.Equal(t, 8080, cfg.Server.Port)
		assert.Equal(t, "0.0.0.0:8080", cfg.Server.Addr())
		assert.Equal(t, 500*time.Millisecond, cfg.Bus.SweepInterval)
		assert.Equal(t, 8, cfg.Bus.PushWorkers)
		assert.False(t, cfg.Redis.Enabled)
		assert.Equal(t, "localhost:6379", cfg.Redis.Address)
		assert.Equal(t, "mailbus:", cfg.Redis.KeyPrefix)
		assert.False(t, cfg.Database.Enabled)
		assert.Equal(t, []string{"*"}, cfg.CORS.AllowedOrigins)
		assert.Equal(t, "info", cfg.Log.Level)
		assert.Empty(t, cfg.Auth.JWTSecret)
	})

	t.Run("环境变量覆盖默认值", func(t *testing.T) {
		t.Setenv("MAILBUS_SERVER_PORT", "9090")
		t.Setenv("MAILBUS_BUS_SWEEP_INTERVAL", "100ms")
		t.Setenv("MAILBUS_REDIS_ENABLED", "true")
		t.Setenv("MAILBUS_REDIS_ADDRESS", "redis.internal:6380")
		t.Setenv("MAILBUS_CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example")
		t.Setenv("MAILBUS_LOG_DEVELOPMENT", "true")

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, 9090, cfg.Server.Port)
		assert.Equal(t, 100*time.Millisecond, cfg.Bus.SweepInterval)
		assert.True(t, cfg.Redis.Enabled)
		assert.Equal(t, "redis.internal:6380", cfg.Redis.Address)
		assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORS.AllowedOrigins)
		assert.True(t, cfg.Log.Development)
	})

	t.Run("非法清扫周期被拒绝", func(t *testing.T) {
		t.Setenv("MAILBUS_BUS_SWEEP_INTERVAL", "not-a-duration")
		_, err := Load()
		assert.Error(t, err)
	})

	t.Run("过短的JWT密钥被拒绝", func(t *testing.T) {
		t.Setenv("MAILBUS_AUTH_JWT_SECRET", "too-short")
		_, err := Load()
		assert.Error(t, err)
	})

	t.Run("启用数据库提供者时必须给出DSN", func(t *testing.T) {
		t.Setenv("MAILBUS_DATABASE_ENABLED", "true")
		t.Setenv("MAILBUS_DATABASE_DSN", "")
		_, err := Load()
		assert.Error(t, err)
	})

	t.Run("不支持的数据库类型被拒绝", func(t *testing.T) {
		t.Setenv("MAILBUS_DATABASE_ENABLED", "true")
		t.Setenv("MAILBUS_DATABASE_DSN", "postgres://u:p@localhost/mailbus")
		t.Setenv("MAILBUS_DATABASE_TYPE", "oracle")
		_, err := Load()
		assert.Error(t, err)
	})
}
