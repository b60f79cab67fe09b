// Package postgresql provides PostgreSQL persistence for workflows and execution history.
package postgresql

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dukex/conduit/pkg/persistence/sqlbase"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

// Persistence implements persistence.Persistence on PostgreSQL. Workflows and executions
// are stored as JSONB documents next to the columns used for lookups.
type Persistence struct {
	db     *sql.DB
	logger *logrus.Entry
}

func NewPersistence(ctx context.Context, logger *logrus.Entry, databaseURL string) (*Persistence, error) {
	database, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	if err := database.PingContext(ctx); err != nil {
		_ = database.Close()

		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := sqlbase.NewMigrationManager(logger, database, migrations()).RunMigrations(ctx); err != nil {
		_ = database.Close()

		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Persistence{db: database, logger: logger}, nil
}

func (p *Persistence) Close(_ context.Context) error {
	if p.db == nil {
		return nil
	}

	if err := p.db.Close(); err != nil {
		return fmt.Errorf("failed to close database connection: %w", err)
	}

	return nil
}

func (p *Persistence) HealthCheck(ctx context.Context) error {
	if err := p.db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}

func (p *Persistence) closeRows(rows *sql.Rows) {
	if err := rows.Close(); err != nil {
		p.logger.WithError(err).Error("failed to close rows")
	}
}
