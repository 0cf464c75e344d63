package store

import (
	"context"
	"database/sql"
	"fmt"

	"cloud.google.com/go/spanner"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/zoff-tech/go-deploybot/pkg/config"

	_ "github.com/lib/pq" // PostgreSQL driver
)

var sqlOpen = sql.Open

var NewSpannerRepositoryFactory = func(client *spanner.Client) Repository {
	return NewSpannerRepository(client)
}

var mongoConnect = func(ctx context.Context, uri string) (*mongo.Client, error) {
	return mongo.Connect(ctx, options.Client().ApplyURI(uri))
}

// NewRepository opens the configured backend and, when requested, applies its schema.
func NewRepository(ctx context.Context, cfg config.DbSettings) (Repository, error) {
	var repo Repository
	switch cfg.Type {
	case "postgres":
		db, err := sqlOpen("postgres", cfg.DSN)
		if err != nil {
			return nil, err
		}
		repo = NewPostgresRepository(db)
	case "spanner":
		client, err := spanner.NewClient(ctx, cfg.URI)
		if err != nil {
			return nil, err
		}
		repo = NewSpannerRepositoryFactory(client)
	case "mongo":
		client, err := mongoConnect(ctx, cfg.URI)
		if err != nil {
			return nil, err
		}
		repo = NewMongoRepository(client, cfg.DBName)
	default:
		return nil, fmt.Errorf("unsupported DB type: %s", cfg.Type)
	}

	if cfg.Migrate {
		if m, ok := repo.(Migrator); ok {
			if err := m.Migrate(ctx); err != nil {
				_ = repo.Close(ctx)
				return nil, fmt.Errorf("migrate %s: %w", cfg.Type, err)
			}
		}
	}
	return repo, nil
}
