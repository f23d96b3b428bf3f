package store

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *log.Entry {
	logger := log.New()
	logger.SetOutput(io.Discard)
	return log.NewEntry(logger)
}

func testPath(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cache.sqlite3")
	require.NoError(t, Migrate(path, testLogger()))
	return path
}

func testStore(t *testing.T, path string) *SqliteStore {
	t.Helper()
	s, err := Open(path, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// cacheRecord mirrors one row of the data table.
type cacheRecord struct {
	ID        int64
	FeedLink  string
	ItemLink  string
	FetchedAt time.Time
	Content   string
}

func records(t *testing.T, s *SqliteStore) []cacheRecord {
	t.Helper()
	rows, err := s.db.Query("SELECT ID, feed_link, item_link, date, content FROM data ORDER BY ID")
	require.NoError(t, err)
	defer rows.Close()

	var result []cacheRecord
	for rows.Next() {
		var rec cacheRecord
		var date string
		require.NoError(t, rows.Scan(&rec.ID, &rec.FeedLink, &rec.ItemLink, &date, &rec.Content))
		rec.FetchedAt, err = time.ParseInLocation(DateLayout, date, time.Local)
		require.NoError(t, err)
		result = append(result, rec)
	}
	require.NoError(t, rows.Err())
	return result
}

func itemLinks(recs []cacheRecord) []string {
	links := make([]string, 0, len(recs))
	for _, r := range recs {
		links = append(links, r.FeedLink+" "+r.ItemLink)
	}
	return links
}

func TestLookupMissing(t *testing.T) {
	s := testStore(t, testPath(t))

	content, found, err := s.Lookup(context.Background(), "https://example.com/a")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Empty(t, content)
}

func TestStoreAndLookup(t *testing.T) {
	ctx := context.Background()
	s := testStore(t, testPath(t))
	now := time.Date(2018, 11, 4, 16, 0, 6, 123456000, time.Local)

	require.NoError(t, s.Store(ctx, "https://example.com/", "https://example.com/a", now, "<p>A</p>"))

	content, found, err := s.Lookup(ctx, "https://example.com/a")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "<p>A</p>", content)

	recs := records(t, s)
	require.Len(t, recs, 1)
	assert.Equal(t, "https://example.com/", recs[0].FeedLink)
	assert.True(t, now.Equal(recs[0].FetchedAt))
}

func TestLookupFirstMatchWins(t *testing.T) {
	ctx := context.Background()
	s := testStore(t, testPath(t))
	now := time.Now()

	require.NoError(t, s.Store(ctx, "F", "E1", now, "first"))
	require.NoError(t, s.Store(ctx, "G", "E1", now, "second"))

	content, found, err := s.Lookup(ctx, "E1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "first", content)
}

func TestPrune(t *testing.T) {
	ctx := context.Background()
	now := time.Now()

	tests := []struct {
		name      string
		keep      []string
		deleted   int64
		remaining []string
	}{
		{
			name:      "keeps listed links",
			keep:      []string{"E1", "E2"},
			deleted:   1,
			remaining: []string{"F E1", "F E2", "G E3", "G E9"},
		},
		{
			name:      "empty keep set removes the whole feed",
			keep:      nil,
			deleted:   3,
			remaining: []string{"G E3", "G E9"},
		},
		{
			name:      "links of other feeds do not protect rows",
			keep:      []string{"E9"},
			deleted:   3,
			remaining: []string{"G E3", "G E9"},
		},
		{
			name:      "duplicates in keep set",
			keep:      []string{"E3", "E3", "E1"},
			deleted:   1,
			remaining: []string{"F E1", "F E3", "G E3", "G E9"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := testStore(t, testPath(t))
			require.NoError(t, s.Store(ctx, "F", "E1", now, "A"))
			require.NoError(t, s.Store(ctx, "F", "E2", now, "B"))
			require.NoError(t, s.Store(ctx, "F", "E3", now, "C"))
			require.NoError(t, s.Store(ctx, "G", "E3", now, "C"))
			require.NoError(t, s.Store(ctx, "G", "E9", now, "Z"))

			deleted, err := s.Prune(ctx, "F", tt.keep)
			require.NoError(t, err)
			assert.Equal(t, tt.deleted, deleted)
			assert.ElementsMatch(t, tt.remaining, itemLinks(records(t, s)))

			again, err := s.Prune(ctx, "F", tt.keep)
			require.NoError(t, err)
			assert.Zero(t, again)
		})
	}
}

func TestPruneBindsFeedLink(t *testing.T) {
	ctx := context.Background()
	s := testStore(t, testPath(t))
	feed := `https://example.com/it's "quoted"' OR '1'='1`

	require.NoError(t, s.Store(ctx, feed, "E1", time.Now(), "A"))
	require.NoError(t, s.Store(ctx, "G", "E2", time.Now(), "B"))

	deleted, err := s.Prune(ctx, feed, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	count, err := s.Count(ctx, "G")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestMigrateAdoptsExistingCache(t *testing.T) {
	path := filepath.Join(t.TempDir(), "legacy.sqlite3")

	legacy, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	_, err = legacy.Exec(`
		PRAGMA journal_mode=wal;
		CREATE TABLE IF NOT EXISTS data (ID INTEGER PRIMARY KEY AUTOINCREMENT,
		                                 feed_link TEXT,
		                                 item_link TEXT,
		                                 date TEXT,
		                                 content TEXT);
		CREATE INDEX IF NOT EXISTS item_link_index ON data (item_link);
		INSERT INTO data VALUES (NULL, 'F', 'E1', '2018-11-04 16:00:06.000001', 'old');
	`)
	require.NoError(t, err)
	require.NoError(t, legacy.Close())

	require.NoError(t, Migrate(path, testLogger()))
	require.NoError(t, Migrate(path, testLogger()))

	s := testStore(t, path)
	content, found, err := s.Lookup(context.Background(), "E1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "old", content)
}

func TestRollbackKeepsData(t *testing.T) {
	ctx := context.Background()
	path := testPath(t)
	s := testStore(t, path)
	require.NoError(t, s.Store(ctx, "F", "E1", time.Now(), "kept"))

	m, err := newMigrator(path)
	require.NoError(t, err)
	require.NoError(t, m.Down())
	srcErr, dbErr := m.Close()
	require.NoError(t, srcErr)
	require.NoError(t, dbErr)

	content, found, err := s.Lookup(ctx, "E1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "kept", content)

	var ddl string
	require.NoError(t, s.db.QueryRow(
		"SELECT sql FROM sqlite_master WHERE type = 'index' AND name = 'item_link_index'",
	).Scan(&ddl))
	assert.Contains(t, ddl, "item_link")

	require.NoError(t, Migrate(path, testLogger()))
	assert.Len(t, records(t, s), 1)
}

func TestMigrateAddsOnlyBookkeepingTable(t *testing.T) {
	s := testStore(t, testPath(t))

	rows, err := s.db.Query("SELECT name FROM sqlite_master WHERE type = 'table' ORDER BY name")
	require.NoError(t, err)
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		require.NoError(t, rows.Scan(&name))
		tables = append(tables, name)
	}
	require.NoError(t, rows.Err())
	assert.Equal(t, []string{"data", "migrations", "sqlite_sequence"}, tables)
}

func TestJournalModeIsWAL(t *testing.T) {
	s := testStore(t, testPath(t))

	var mode string
	require.NoError(t, s.db.QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)
}

func TestItemLinkIndex(t *testing.T) {
	s := testStore(t, testPath(t))

	var ddl string
	require.NoError(t, s.db.QueryRow(
		"SELECT sql FROM sqlite_master WHERE type = 'index' AND name = 'item_link_index'",
	).Scan(&ddl))
	assert.Contains(t, ddl, "ON data (item_link)")
	assert.NotContains(t, ddl, "UNIQUE")
}

func TestWriteErrorsAreCacheWriteErrors(t *testing.T) {
	ctx := context.Background()
	s, err := Open(testPath(t), testLogger())
	require.NoError(t, err)
	require.NoError(t, s.Close())

	err = s.Store(ctx, "F", "E1", time.Now(), "A")
	assert.ErrorIs(t, err, ErrCacheWrite)

	_, err = s.Prune(ctx, "F", []string{"E1"})
	assert.ErrorIs(t, err, ErrCacheWrite)

	_, _, err = s.Lookup(ctx, "E1")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrCacheWrite)
}

func TestConcurrentHandles(t *testing.T) {
	ctx := context.Background()
	path := testPath(t)
	const workers, perWorker = 4, 25

	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for w := 0; w < workers; w++ {
		s := testStore(t, path)
		feed := fmt.Sprintf("feed-%d", w)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				link := fmt.Sprintf("%s/item-%d", feed, i)
				if err := s.Store(ctx, feed, link, time.Now(), "content"); err != nil {
					errs <- err
					return
				}
				if _, _, err := s.Lookup(ctx, link); err != nil {
					errs <- err
					return
				}
			}
			if _, err := s.Prune(ctx, feed, []string{feed + "/item-0"}); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	s := testStore(t, path)
	for w := 0; w < workers; w++ {
		count, err := s.Count(ctx, fmt.Sprintf("feed-%d", w))
		require.NoError(t, err)
		assert.Equal(t, int64(1), count)
	}
}
