// Package redis holds the connection plumbing shared by the Redis store
// and the Redis statistics backend.
package redis

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	jqerrors "github.com/BranchIntl/jobqueue/errors"
	"github.com/gomodule/redigo/redis"
)

var (
	// ErrInvalidScheme is returned when the Redis URI scheme is invalid
	ErrInvalidScheme = errors.New("invalid Redis database URI scheme")
)

// ConnectionOptions defines the interface for Redis connection options
type ConnectionOptions interface {
	GetURI() string
	GetMaxConnections() int
	GetMaxIdle() int
	GetIdleTimeout() time.Duration
	GetConnectTimeout() time.Duration
	GetReadTimeout() time.Duration
	GetWriteTimeout() time.Duration
	GetUseTLS() bool
	GetTLSSkipVerify() bool
	GetTLSCertPath() string
}

// Connect creates a pool and verifies it with a PING
func Connect(ctx context.Context, options ConnectionOptions) (*redis.Pool, error) {
	pool, err := CreatePool(options)
	if err != nil {
		return nil, jqerrors.NewConnectionError(RedactURI(options.GetURI()),
			fmt.Errorf("failed to create Redis pool: %w", err))
	}

	if err := Ping(ctx, pool); err != nil {
		pool.Close()
		return nil, jqerrors.NewConnectionError(RedactURI(options.GetURI()),
			fmt.Errorf("ping failed: %w", err))
	}

	return pool, nil
}

// Ping checks one pooled connection
func Ping(ctx context.Context, pool *redis.Pool) error {
	conn, err := pool.GetContext(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	_, err = redis.DoContext(conn, ctx, "PING")
	return err
}

// CreatePool creates a Redis connection pool using the provided options
func CreatePool(options ConnectionOptions) (*redis.Pool, error) {
	return &redis.Pool{
		MaxActive:   options.GetMaxConnections(),
		MaxIdle:     options.GetMaxIdle(),
		IdleTimeout: options.GetIdleTimeout(),
		Wait:        true,
		Dial: func() (redis.Conn, error) {
			return DialRedis(options)
		},
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			if time.Since(t) < time.Minute {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
	}, nil
}

// DialRedis establishes a Redis connection using the provided options
func DialRedis(options ConnectionOptions) (redis.Conn, error) {
	redacted := RedactURI(options.GetURI())
	uri, err := url.Parse(options.GetURI())
	if err != nil {
		return nil, jqerrors.NewConnectionError(redacted,
			fmt.Errorf("invalid URI: %w", err))
	}

	dialOptions := []redis.DialOption{
		redis.DialConnectTimeout(options.GetConnectTimeout()),
		redis.DialReadTimeout(options.GetReadTimeout()),
		redis.DialWriteTimeout(options.GetWriteTimeout()),
	}

	var network, address string
	switch uri.Scheme {
	case "redis", "rediss":
		network = "tcp"
		address = uri.Host
		if uri.User != nil {
			if password, ok := uri.User.Password(); ok {
				dialOptions = append(dialOptions, redis.DialPassword(password))
			}
		}
		if len(uri.Path) > 1 {
			var db int
			if _, err := fmt.Sscanf(uri.Path[1:], "%d", &db); err != nil {
				return nil, jqerrors.NewConnectionError(redacted,
					fmt.Errorf("invalid database %q: %w", uri.Path[1:], err))
			}
			dialOptions = append(dialOptions, redis.DialDatabase(db))
		}

		if uri.Scheme == "rediss" || options.GetUseTLS() {
			tlsConfig := &tls.Config{
				InsecureSkipVerify: options.GetTLSSkipVerify(),
			}

			if options.GetTLSCertPath() != "" {
				pool, err := LoadCertPool(options.GetTLSCertPath())
				if err != nil {
					return nil, jqerrors.NewConnectionError(redacted, err)
				}
				tlsConfig.RootCAs = pool
			}

			dialOptions = append(dialOptions,
				redis.DialUseTLS(true),
				redis.DialTLSConfig(tlsConfig),
			)
		}
	case "unix":
		network = "unix"
		address = uri.Path
	default:
		return nil, jqerrors.NewConnectionError(redacted, ErrInvalidScheme)
	}

	conn, err := redis.Dial(network, address, dialOptions...)
	if err != nil {
		return nil, jqerrors.NewConnectionError(redacted,
			fmt.Errorf("failed to connect: %w", err))
	}

	return conn, nil
}

// LoadCertPool loads a certificate pool from a file
func LoadCertPool(certPath string) (*x509.CertPool, error) {
	rootCAs, _ := x509.SystemCertPool()
	if rootCAs == nil {
		rootCAs = x509.NewCertPool()
	}

	certs, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read cert file %q: %w", certPath, err)
	}

	if ok := rootCAs.AppendCertsFromPEM(certs); !ok {
		return nil, fmt.Errorf("failed to append certs from %q", certPath)
	}

	return rootCAs, nil
}

// RedactURI hides the password in a connection URI for logs and errors
func RedactURI(raw string) string {
	uri, err := url.Parse(raw)
	if err != nil || uri.User == nil {
		return raw
	}
	return uri.Redacted()
}
