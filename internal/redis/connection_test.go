package redis

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	jqerrors "github.com/BranchIntl/jobqueue/errors"
	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func unreachableOpts(uri string) Options {
	opts := DefaultOptions()
	opts.URI = uri
	opts.ConnectTimeout = 100 * time.Millisecond
	return opts
}

func assertConnError(t *testing.T, err error) {
	require.Error(t, err)
	var connErr *jqerrors.ConnectionError
	assert.ErrorAs(t, err, &connErr)
	assert.ErrorIs(t, err, jqerrors.ErrStoreUnavailable)
}

func TestCreatePool(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxConnections = 20
	opts.MaxIdle = 10
	opts.IdleTimeout = 10 * time.Minute

	pool, err := CreatePool(opts)
	require.NoError(t, err)
	require.NotNil(t, pool)
	assert.Equal(t, 20, pool.MaxActive)
	assert.Equal(t, 10, pool.MaxIdle)
	assert.Equal(t, 10*time.Minute, pool.IdleTimeout)
	assert.True(t, pool.Wait)
	assert.NotNil(t, pool.Dial)

	// recently used connections skip the PING
	assert.NoError(t, pool.TestOnBorrow(nil, time.Now()))
}

func TestConnect(t *testing.T) {
	mr := miniredis.RunT(t)

	opts := DefaultOptions()
	opts.URI = "redis://" + mr.Addr() + "/0"

	pool, err := Connect(context.Background(), opts)
	require.NoError(t, err)
	defer pool.Close()

	assert.NoError(t, Ping(context.Background(), pool))

	conn := pool.Get()
	defer conn.Close()
	_, err = conn.Do("SET", "k", "v")
	require.NoError(t, err)
	mr.CheckGet(t, "k", "v")
}

func TestConnect_WithPassword(t *testing.T) {
	mr := miniredis.RunT(t)
	mr.RequireAuth("secret")

	opts := DefaultOptions()
	opts.URI = "redis://:secret@" + mr.Addr()
	pool, err := Connect(context.Background(), opts)
	require.NoError(t, err)
	pool.Close()

	opts.URI = "redis://:wrong@" + mr.Addr()
	_, err = Connect(context.Background(), opts)
	assertConnError(t, err)
	assert.NotContains(t, err.Error(), ":wrong@")
}

func TestConnect_Unreachable(t *testing.T) {
	_, err := Connect(context.Background(), unreachableOpts("redis://127.0.0.1:1"))
	assertConnError(t, err)
}

func TestDialRedis(t *testing.T) {
	tests := []struct {
		name          string
		opts          Options
		invalidScheme bool
	}{
		{"invalid URI format", unreachableOpts(":/invalid-uri"), false},
		{"malformed URI", unreachableOpts("redis://[invalid-host"), false},
		{"unsupported scheme", unreachableOpts("http://localhost:6379"), true},
		{"redis basic", unreachableOpts("redis://unreachable-host:6379"), false},
		{"redis with password", unreachableOpts("redis://:password@unreachable-host:6379"), false},
		{"redis with database", unreachableOpts("redis://unreachable-host:6379/2"), false},
		{"bad database", unreachableOpts("redis://unreachable-host:6379/abc"), false},
		{"rediss TLS", unreachableOpts("rediss://unreachable-host:6380"), false},
		{"unix socket", unreachableOpts("unix:///tmp/does-not-exist.sock"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DialRedis(tt.opts)

			assertConnError(t, err)
			if tt.invalidScheme {
				assert.ErrorIs(t, err, ErrInvalidScheme)
			}
		})
	}
}

func TestLoadCertPool(t *testing.T) {
	tmpDir := t.TempDir()

	tests := []struct {
		name    string
		path    string
		content *string
		expect  string
	}{
		{"file not found", "/nonexistent/path/cert.pem", nil, "failed to read cert file"},
		{"empty cert", filepath.Join(tmpDir, "empty.crt"), ptr(""), "failed to append certs"},
		{"invalid cert", filepath.Join(tmpDir, "invalid.crt"), ptr("invalid content"), "failed to append certs"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.content != nil {
				require.NoError(t, os.WriteFile(tt.path, []byte(*tt.content), 0644))
			}

			_, err := LoadCertPool(tt.path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.expect)
		})
	}
}

func TestDialRedis_WithBadCert(t *testing.T) {
	opts := unreachableOpts("rediss://unreachable-host:6380")
	opts.TLSCertPath = "/nonexistent/cert.pem"

	_, err := DialRedis(opts)
	assertConnError(t, err)
	assert.Contains(t, err.Error(), "failed to read cert file")
}

func TestRedactURI(t *testing.T) {
	assert.Equal(t, "redis://:xxxxx@host:6379/1", RedactURI("redis://:secret@host:6379/1"))
	assert.Equal(t, "redis://host:6379", RedactURI("redis://host:6379"))
	assert.Equal(t, ":/bad", RedactURI(":/bad"))
}

func ptr(s string) *string { return &s }
