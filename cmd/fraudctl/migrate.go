package main

import (
	"context"
	"os"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/opensource-finance/fraudproof/internal/domain"
	"github.com/opensource-finance/fraudproof/internal/repository"
)

var (
	driverFlag = &cli.StringFlag{
		Name:  "driver",
		Usage: "Database driver [sqlite, postgres] (defaults to DATABASE_DRIVER)",
	}

	sqlitePathFlag = &cli.StringFlag{
		Name:  "sqlite-path",
		Usage: "SQLite database file (defaults to SQLITE_PATH)",
	}

	databaseURLFlag = &cli.StringFlag{
		Name:  "database-url",
		Usage: "PostgreSQL connection URL (defaults to DATABASE_URL)",
	}

	migrateCmd = &cli.Command{
		Name:  "migrate",
		Usage: "Database schema migrations",
		Flags: []cli.Flag{
			driverFlag,
			sqlitePathFlag,
			databaseURLFlag,
		},
		Commands: []*cli.Command{
			{
				Name:   "up",
				Usage:  "Apply all pending migrations",
				Action: cmdMigrateUp,
			},
			{
				Name:   "status",
				Usage:  "List migrations and whether they are applied",
				Action: cmdMigrateStatus,
			},
		},
	}
)

// MigrationInfo is the printable form of repository.MigrationState.
type MigrationInfo struct {
	Version   int64      `json:"version" yaml:"version"`
	Path      string     `json:"path" yaml:"path"`
	Applied   bool       `json:"applied" yaml:"applied"`
	AppliedAt *time.Time `json:"applied_at,omitempty" yaml:"applied_at,omitempty"`
}

func openRepository(cmd *cli.Command) (*repository.SQLRepository, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return repository.Open(repositoryConfig(cfg.Repository, cmd))
}

func repositoryConfig(base domain.RepositoryConfig, cmd *cli.Command) domain.RepositoryConfig {
	if v := cmd.String(driverFlag.Name); v != "" {
		base.Driver = v
	}
	if v := cmd.String(sqlitePathFlag.Name); v != "" {
		base.SQLitePath = v
	}
	if v := cmd.String(databaseURLFlag.Name); v != "" {
		base.PostgresURL = v
	}
	return base
}

func cmdMigrateUp(ctx context.Context, cmd *cli.Command) error {
	repo, err := openRepository(cmd)
	if err != nil {
		return err
	}
	defer repo.Close()

	applied, err := repo.Migrate(ctx)
	if err != nil {
		return err
	}
	return encode(os.Stdout, map[string]int{"applied": applied})
}

func cmdMigrateStatus(ctx context.Context, cmd *cli.Command) error {
	repo, err := openRepository(cmd)
	if err != nil {
		return err
	}
	defer repo.Close()

	states, err := repo.MigrationStatus(ctx)
	if err != nil {
		return err
	}
	return encode(os.Stdout, describeMigrations(states))
}

func describeMigrations(states []repository.MigrationState) []MigrationInfo {
	list := make([]MigrationInfo, 0, len(states))
	for _, s := range states {
		info := MigrationInfo{Version: s.Version, Path: s.Path, Applied: s.Applied}
		if s.Applied && !s.AppliedAt.IsZero() {
			at := s.AppliedAt.UTC()
			info.AppliedAt = &at
		}
		list = append(list, info)
	}
	return list
}
