package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

const defaultImage = "postgres:17-alpine"

type Options struct {
	Image    string
	User     string
	Password string
	Database string
}

// Container is a disposable postgres for the fleet store.
type Container struct {
	*postgres.PostgresContainer
}

func Start(ctx context.Context, opts Options) (*Container, error) {
	image := opts.Image
	if image == "" {
		image = defaultImage
	}
	c, err := postgres.Run(ctx,
		image,
		postgres.WithUsername(opts.User),
		postgres.WithPassword(opts.Password),
		postgres.WithDatabase(opts.Database),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start postgres container: %w", err)
	}

	state, err := c.State(ctx)
	if err != nil {
		_ = c.Terminate(ctx)
		return nil, fmt.Errorf("failed to get container state: %w", err)
	}
	if !state.Running {
		_ = c.Terminate(ctx)
		return nil, fmt.Errorf("postgres container is not running")
	}

	return &Container{PostgresContainer: c}, nil
}

// URL returns a pgx connection string for the container.
func (c *Container) URL(ctx context.Context) (string, error) {
	return c.ConnectionString(ctx, "sslmode=disable")
}

func (c *Container) Close(ctx context.Context) error {
	if err := c.Terminate(ctx); err != nil {
		return fmt.Errorf("failed to terminate postgres container: %w", err)
	}
	return nil
}
