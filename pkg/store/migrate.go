package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver for golang-migrate

	"github.com/usenetsync/usenetsync/internal/logger"
	"github.com/usenetsync/usenetsync/pkg/errkind"
	"github.com/usenetsync/usenetsync/pkg/store/migrations"
)

// migrate applies the schema ladder for the selected backend.
//
// SQLite runs an ordered ladder of idempotent AutoMigrate steps with
// the applied step persisted in the migrations table. PostgreSQL runs
// the embedded SQL migrations through golang-migrate, which keeps its
// own schema_migrations bookkeeping and takes an advisory lock so only
// one instance migrates at a time.
func (s *GORMStore) migrate(ctx context.Context) error {
	switch s.config.Type {
	case DatabaseTypePostgres:
		return s.migratePostgres(ctx)
	default:
		return s.migrateSQLite(ctx)
	}
}

// sqliteLadder is the ordered list of embedded-backend migration steps.
// Steps are append-only and each must be idempotent.
var sqliteLadder = []struct {
	step  int
	apply func(s *GORMStore) error
}{
	{1, func(s *GORMStore) error {
		return s.db.AutoMigrate(
			&User{}, &Folder{}, &File{}, &Pack{}, &PackMember{},
			&Segment{}, &Share{}, &UploadItem{}, &DownloadItem{},
			&SegmentProgress{}, &Message{},
		)
	}},
}

func (s *GORMStore) migrateSQLite(ctx context.Context) error {
	if err := s.db.AutoMigrate(&SchemaStep{}); err != nil {
		return errkind.Wrap(errkind.KindInternal, "store.migrate", err)
	}

	var current int
	row := s.db.WithContext(ctx).Model(&SchemaStep{}).Select("COALESCE(MAX(step), 0)")
	if err := row.Scan(&current).Error; err != nil {
		return errkind.Wrap(errkind.KindInternal, "store.migrate", err)
	}

	for _, m := range sqliteLadder {
		if m.step <= current {
			continue
		}
		logger.Info("applying schema migration", "step", m.step)
		if err := m.apply(s); err != nil {
			return errkind.Wrap(errkind.KindInternal, "store.migrate", err)
		}
		if err := s.db.WithContext(ctx).Create(&SchemaStep{Step: m.step, AppliedAt: time.Now()}).Error; err != nil {
			return errkind.Wrap(errkind.KindInternal, "store.migrate", err)
		}
	}
	return nil
}

func (s *GORMStore) migratePostgres(ctx context.Context) error {
	db, err := sql.Open("pgx", s.config.Postgres.DSN())
	if err != nil {
		return errkind.Wrap(errkind.KindInternal, "store.migrate", err)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return errkind.Wrap(errkind.KindTransport, "store.migrate", err)
	}

	driver, err := migratepg.WithInstance(db, &migratepg.Config{
		MigrationsTable: "migrations",
		DatabaseName:    s.config.Postgres.Database,
	})
	if err != nil {
		return errkind.Wrap(errkind.KindInternal, "store.migrate", err)
	}

	source, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return errkind.Wrap(errkind.KindInternal, "store.migrate", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return errkind.Wrap(errkind.KindInternal, "store.migrate", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return errkind.Wrap(errkind.KindInternal, "store.migrate", err)
	}

	logger.Info("database migrations complete", "backend", "postgres")
	return nil
}
