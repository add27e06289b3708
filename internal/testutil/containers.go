package testutil

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// container is started once per test binary and shared by every test that
// asks for it. It is left for the testcontainers reaper to remove.
type container struct {
	once     sync.Once
	endpoint string
	err      error
}

func (c *container) start(t *testing.T, run func(ctx context.Context) (string, error)) string {
	t.Helper()
	RequireIntegration(t)

	c.once.Do(func() {
		// Give generous timeout in CI environments
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
		defer cancel()
		c.endpoint, c.err = run(ctx)
	})
	if c.err != nil {
		t.Fatalf("start container: %v", c.err)
	}
	return c.endpoint
}

var (
	pgC    container
	mongoC container
	redisC container
)

const pgCreds = "researchflow:researchflow"

// GetPostgresDSN returns a pgx DSN for a shared postgres:16 container.
func GetPostgresDSN(t *testing.T) string {
	return pgC.start(t, func(ctx context.Context) (string, error) {
		c, err := testcontainers.Run(
			ctx, "postgres:16",
			testcontainers.WithExposedPorts("5432/tcp"),
			testcontainers.WithWaitStrategy(
				wait.ForAll(
					wait.ForListeningPort("5432/tcp"),
					wait.ForLog("ready to accept connections"),
					// Verify SQL connectivity using the mapped host:port
					wait.ForSQL("5432/tcp", "pgx", func(host string, port nat.Port) string {
						return fmt.Sprintf("postgres://%s@%s:%s/researchflow_test?sslmode=disable", pgCreds, host, port.Port())
					}).WithQuery("SELECT 1"),
				).WithDeadline(2*time.Minute),
			),
			testcontainers.WithEnv(map[string]string{
				"POSTGRES_USER":     "researchflow",
				"POSTGRES_PASSWORD": "researchflow",
				"POSTGRES_DB":       "researchflow_test",
			}),
		)
		if err != nil {
			return "", err
		}
		endpoint, err := c.Endpoint(ctx, "")
		if err != nil {
			_ = c.Terminate(context.Background())
			return "", err
		}
		return fmt.Sprintf("postgres://%s@%s/researchflow_test?sslmode=disable", pgCreds, endpoint), nil
	})
}

// GetMongoURI returns a connection URI for a shared mongo:7 container.
func GetMongoURI(t *testing.T) string {
	return mongoC.start(t, func(ctx context.Context) (string, error) {
		c, err := testcontainers.Run(
			ctx, "mongo:7",
			testcontainers.WithExposedPorts("27017/tcp"),
			testcontainers.WithWaitStrategy(
				wait.ForListeningPort("27017/tcp"),
				wait.ForLog("mongod startup complete"),
			),
		)
		if err != nil {
			return "", err
		}
		endpoint, err := c.Endpoint(ctx, "")
		if err != nil {
			_ = c.Terminate(context.Background())
			return "", err
		}
		return "mongodb://" + endpoint, nil
	})
}

// GetRedisAddress returns host:port of a shared redis container.
func GetRedisAddress(t *testing.T) string {
	return redisC.start(t, func(ctx context.Context) (string, error) {
		c, err := testcontainers.Run(
			ctx, "redis:7",
			testcontainers.WithExposedPorts("6379/tcp"),
			testcontainers.WithWaitStrategy(
				wait.ForListeningPort("6379/tcp"),
				wait.ForLog("Ready to accept connections"),
			),
		)
		if err != nil {
			return "", err
		}
		endpoint, err := c.Endpoint(ctx, "")
		if err != nil {
			_ = c.Terminate(context.Background())
			return "", err
		}
		return endpoint, nil
	})
}
