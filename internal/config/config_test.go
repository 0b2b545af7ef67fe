package config_test

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratosight/geotak/internal/config"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("TAK_SERVER_URL", "http://tak.example.com:8087")
	t.Setenv("QUEUE_PATH", "/var/lib/geotak/queue.wal")
	t.Setenv("AUDIT_PATH", "/var/lib/geotak/audit.log")
	t.Setenv("BEARER_PUBLIC_KEY", "/etc/geotak/bearer.pub")
}

func TestLoad_EnvOnly(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, "http://tak.example.com:8087", cfg.TAKServerURL)
	assert.Equal(t, "0.0.0.0:8000", cfg.ListenAddr)
	assert.Equal(t, 10000, cfg.QueueCapacity)
	assert.Equal(t, 8, cfg.PushConcurrency)
	assert.Equal(t, 100, cfg.RateLimitAuthenticated)
	assert.Equal(t, 10, cfg.RateLimitAnonymous)
	assert.Equal(t, "geotak.cot", cfg.NATSSubject)
	assert.Equal(t, 300, cfg.StaleWindowSeconds)
	assert.Equal(t, 90, cfg.RetentionDays)
}

func TestLoad_MissingRequired(t *testing.T) {
	for _, key := range []string{"TAK_SERVER_URL", "QUEUE_PATH", "AUDIT_PATH", "BEARER_PUBLIC_KEY"} {
		t.Run(key, func(t *testing.T) {
			setRequiredEnv(t)
			t.Setenv(key, "")
			_, err := config.Load("")
			assert.Error(t, err)
		})
	}
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("QUEUE_CAPACITY", "500")

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("queue_capacity: 2000\nlisten_addr: 127.0.0.1:9000\n"), 0600))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 500, cfg.QueueCapacity)
	assert.Equal(t, "127.0.0.1:9000", cfg.ListenAddr)
}

func TestLoad_BadInteger(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("PUSH_CONCURRENCY", "eight")
	_, err := config.Load("")
	assert.Error(t, err)
}

func TestLoad_MissingYAMLFileIsFine(t *testing.T) {
	setRequiredEnv(t)
	_, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.NoError(t, err)
}

func TestLoadPublicKey(t *testing.T) {
	setRequiredEnv(t)

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "bearer.pub")
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), 0600))
	t.Setenv("BEARER_PUBLIC_KEY", path)

	cfg, err := config.Load("")
	require.NoError(t, err)
	pub, err := cfg.LoadPublicKey()
	require.NoError(t, err)
	assert.Equal(t, priv.PublicKey.N, pub.N)
}

func TestLoadPublicKey_NotPEM(t *testing.T) {
	setRequiredEnv(t)
	path := filepath.Join(t.TempDir(), "bearer.pub")
	require.NoError(t, os.WriteFile(path, []byte("not a key"), 0600))
	t.Setenv("BEARER_PUBLIC_KEY", path)

	cfg, err := config.Load("")
	require.NoError(t, err)
	_, err = cfg.LoadPublicKey()
	assert.Error(t, err)
}
