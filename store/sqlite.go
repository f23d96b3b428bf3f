package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	sqlbuilder "github.com/huandu/go-sqlbuilder"
	_ "github.com/mattn/go-sqlite3"
	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"
)

//go:embed migrations/*.sql
var migrations embed.FS

const (
	table = "data"

	// Text layout of the date column, kept identical to what earlier
	// runs wrote so old caches stay readable.
	DateLayout = "2006-01-02 15:04:05.000000"

	busyTimeout = 30 * time.Second
)

type SqliteStore struct {
	logger *log.Entry
	db     *sql.DB
}

// WAL lets readers proceed while a sibling worker holds the write lock;
// immediate transactions make writers queue on busy_timeout instead of
// failing on lock upgrade.
func dsn(path string) string {
	return fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=%d&_txlock=immediate", path, busyTimeout.Milliseconds())
}

// Open returns a handle with its own connection to the cache file at path.
// The schema must already exist, see Migrate.
func Open(path string, logger *log.Entry) (*SqliteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating cache dir: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("opening cache %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("opening cache %s: %w", path, err)
	}

	return &SqliteStore{
		db:     db,
		logger: logger.WithField("cache", path),
	}, nil
}

// Migrate brings the cache file at path to the latest schema version.
// It must run once per process before any worker opens the cache.
func Migrate(path string, logger *log.Entry) error {
	m, err := newMigrator(path)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Debug("Nothing to migrate")
			return nil
		}
		return fmt.Errorf("migrating cache %s: %w", path, err)
	}

	logger.WithField("cache", path).Info("Successfully migrated to the latest version")
	return nil
}

func newMigrator(path string) (*migrate.Migrate, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating cache dir: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, err
	}

	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{
		MigrationsTable: "migrations",
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("migration driver: %w", err)
	}

	source, err := iofs.New(migrations, "migrations")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("migration setup: %w", err)
	}
	return m, nil
}

func (s *SqliteStore) Close() error {
	return s.db.Close()
}

// Lookup returns the content of the oldest row for itemLink.
func (s *SqliteStore) Lookup(ctx context.Context, itemLink string) (string, bool, error) {
	sb := sqlbuilder.SQLite.NewSelectBuilder()
	sb.Select("content").
		From(table).
		Where(sb.Equal("item_link", itemLink)).
		OrderBy("ID").
		Limit(1)
	query, args := sb.Build()

	var content sql.NullString
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("looking up %s: %w", itemLink, err)
	}
	return content.String, true, nil
}

func (s *SqliteStore) Store(ctx context.Context, feedLink string, itemLink string, fetchedAt time.Time, content string) error {
	ib := sqlbuilder.SQLite.NewInsertBuilder()
	ib.InsertInto(table).
		Cols("feed_link", "item_link", "date", "content").
		Values(feedLink, itemLink, fetchedAt.Format(DateLayout), content)
	query, args := ib.Build()

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, query, args...)
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: storing %s: %w", ErrCacheWrite, itemLink, err)
	}

	s.logger.WithFields(log.Fields{
		"feed": feedLink,
		"link": itemLink,
	}).Debug("Stored article content")
	return nil
}

// Prune deletes the rows of feedLink whose item_link is not in keep.
// An empty keep removes every row of the feed.
func (s *SqliteStore) Prune(ctx context.Context, feedLink string, keep []string) (int64, error) {
	db := sqlbuilder.SQLite.NewDeleteBuilder()
	db.DeleteFrom(table).Where(db.Equal("feed_link", feedLink))
	if len(keep) > 0 {
		db.Where(db.NotIn("item_link", lo.ToAnySlice(lo.Uniq(keep))...))
	}
	query, args := db.Build()

	var deleted int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		deleted, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("%w: pruning %s: %w", ErrCacheWrite, feedLink, err)
	}

	s.logger.WithFields(log.Fields{
		"feed":    feedLink,
		"kept":    len(keep),
		"deleted": deleted,
	}).Debug("Cache cleaned")
	return deleted, nil
}

// Count returns the number of rows owned by feedLink.
func (s *SqliteStore) Count(ctx context.Context, feedLink string) (int64, error) {
	sb := sqlbuilder.SQLite.NewSelectBuilder()
	sb.Select("COUNT(*)").From(table).Where(sb.Equal("feed_link", feedLink))
	query, args := sb.Build()

	var count int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting rows of %s: %w", feedLink, err)
	}
	return count, nil
}

func (s *SqliteStore) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
