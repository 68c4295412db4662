package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	// DefaultDBFileName is the SQLite filename under the data dir.
	DefaultDBFileName = "chatsync.db"
	// DefaultMaintenanceInterval is how often the WAL is truncated and
	// expired notifications are dropped.
	DefaultMaintenanceInterval = time.Hour
	// DefaultNotificationRetention controls automatic notification pruning.
	DefaultNotificationRetention = 30 * 24 * time.Hour
)

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS users (
  user_id      TEXT PRIMARY KEY,
  handle       TEXT NOT NULL UNIQUE COLLATE NOCASE,
  display_name TEXT NOT NULL DEFAULT '',
  avatar_url   TEXT NOT NULL DEFAULT ''
);
`,
	`
CREATE TABLE IF NOT EXISTS conversations (
  conversation_id   TEXT PRIMARY KEY,
  last_message      TEXT NOT NULL DEFAULT '',
  last_message_time INTEGER NOT NULL DEFAULT 0,
  created_at        INTEGER NOT NULL
);
`,
	`
CREATE TABLE IF NOT EXISTS conversation_members (
  conversation_id TEXT NOT NULL REFERENCES conversations(conversation_id) ON DELETE CASCADE,
  user_id         TEXT NOT NULL REFERENCES users(user_id),
  unread_count    INTEGER NOT NULL DEFAULT 0,
  pinned          INTEGER NOT NULL DEFAULT 0,
  muted           INTEGER NOT NULL DEFAULT 0,
  PRIMARY KEY (conversation_id, user_id)
);
`,
	`
CREATE TABLE IF NOT EXISTS messages (
  message_id      TEXT PRIMARY KEY,
  client_id       TEXT NOT NULL DEFAULT '',
  conversation_id TEXT NOT NULL REFERENCES conversations(conversation_id) ON DELETE CASCADE,
  author_id       TEXT NOT NULL REFERENCES users(user_id),
  content         TEXT NOT NULL DEFAULT '',
  created_at      INTEGER NOT NULL,
  delivery_status TEXT CHECK(delivery_status IN ('sent','delivered','read')) DEFAULT 'sent',
  reply_to        TEXT NOT NULL DEFAULT '',
  media           TEXT NOT NULL DEFAULT '',
  edited_at       INTEGER,
  pinned          INTEGER NOT NULL DEFAULT 0
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_messages_conversation_time
ON messages (conversation_id, created_at DESC, message_id DESC);
`,
	`
CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_client_id
ON messages (conversation_id, author_id, client_id)
WHERE client_id <> '';
`,
	`
CREATE TABLE IF NOT EXISTS reactions (
  message_id TEXT NOT NULL REFERENCES messages(message_id) ON DELETE CASCADE,
  user_id    TEXT NOT NULL,
  emoji      TEXT NOT NULL,
  created_at INTEGER NOT NULL,
  PRIMARY KEY (message_id, user_id, emoji)
);
`,
	`
CREATE TABLE IF NOT EXISTS polls (
  poll_id  TEXT PRIMARY KEY,
  post_id  TEXT NOT NULL UNIQUE,
  question TEXT NOT NULL
);
`,
	`
CREATE TABLE IF NOT EXISTS poll_options (
  option_id TEXT PRIMARY KEY,
  poll_id   TEXT NOT NULL REFERENCES polls(poll_id) ON DELETE CASCADE,
  position  INTEGER NOT NULL,
  text      TEXT NOT NULL
);
`,
	`
CREATE TABLE IF NOT EXISTS poll_votes (
  poll_id   TEXT NOT NULL REFERENCES polls(poll_id) ON DELETE CASCADE,
  user_id   TEXT NOT NULL,
  option_id TEXT NOT NULL REFERENCES poll_options(option_id) ON DELETE CASCADE,
  voted_at  INTEGER NOT NULL,
  PRIMARY KEY (poll_id, user_id)
);
`,
	`
CREATE TABLE IF NOT EXISTS drafts (
  conversation_id TEXT NOT NULL,
  user_id         TEXT NOT NULL,
  payload         TEXT NOT NULL,
  updated_at      INTEGER NOT NULL,
  PRIMARY KEY (conversation_id, user_id)
);
`,
	`
CREATE TABLE IF NOT EXISTS notifications (
  id              INTEGER PRIMARY KEY AUTOINCREMENT,
  event_type      TEXT NOT NULL,
  actor           TEXT NOT NULL,
  recipient       TEXT NOT NULL,
  conversation_id TEXT NOT NULL DEFAULT '',
  target          TEXT NOT NULL DEFAULT '',
  metadata        TEXT NOT NULL DEFAULT '{}',
  timestamp       INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_notifications_recipient_time
ON notifications (recipient, timestamp DESC, id DESC);
`,
}

// Store holds every user's data in one SQLite file; Client scopes it to
// one viewer.
type Store struct {
	db  *sql.DB
	now func() time.Time

	notificationRetention time.Duration

	stopMaintenance chan struct{}
	maintenanceWG   sync.WaitGroup
	closeOnce       sync.Once
}

// MaintenanceReport describes one maintenance pass.
type MaintenanceReport struct {
	PrunedNotifications int64
	CheckpointedFrames  int
}

// Open opens (or creates) chatsync.db under the given data directory and runs migrations.
func Open(dataDir string) (*Store, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create storage directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DefaultDBFileName)
	store, err := OpenPath(dbPath)
	if err != nil {
		return nil, "", err
	}
	return store, dbPath, nil
}

// OpenPath opens SQLite at an explicit path, migrates it to the current
// schema and starts the background maintenance loop.
func OpenPath(dbPath string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	store := &Store{
		db:                    db,
		now:                   time.Now,
		notificationRetention: DefaultNotificationRetention,
		stopMaintenance:       make(chan struct{}),
	}

	ctx := context.Background()
	for _, step := range []func(context.Context) error{store.configure, store.migrate} {
		if err := step(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	if _, err := store.checkpoint(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	store.runMaintenance(DefaultMaintenanceInterval)
	return store, nil
}

// Close stops maintenance and closes the SQLite connection. It is safe to
// call more than once.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.stopMaintenance)
		s.maintenanceWG.Wait()
		closeErr = s.db.Close()
	})
	return closeErr
}

func (s *Store) nowMilli() int64 {
	return s.now().UnixMilli()
}

// configure switches the connection to WAL journaling.
func (s *Store) configure(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping sqlite database: %w", err)
	}

	var journalMode string
	if err := s.db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	if !strings.EqualFold(journalMode, "wal") {
		return fmt.Errorf("enable WAL mode: unexpected journal mode %q", journalMode)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA synchronous=NORMAL;"); err != nil {
		return fmt.Errorf("set synchronous mode: %w", err)
	}
	return nil
}

func (s *Store) schemaVersion(ctx context.Context) (int, error) {
	var version int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version;").Scan(&version); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return version, nil
}

// migrate applies every migration newer than user_version in one
// transaction.
func (s *Store) migrate(ctx context.Context) error {
	version, err := s.schemaVersion(ctx)
	if err != nil {
		return err
	}
	if version > len(migrations) {
		return fmt.Errorf("schema version %d is newer than this build (%d)", version, len(migrations))
	}
	if version == len(migrations) {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for next := version + 1; next <= len(migrations); next++ {
		if _, err := tx.ExecContext(ctx, migrations[next-1]); err != nil {
			return fmt.Errorf("apply migration %d: %w", next, err)
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d;", next)); err != nil {
			return fmt.Errorf("set schema version %d: %w", next, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration transaction: %w", err)
	}
	return nil
}

// checkpoint truncates the WAL and returns the number of frames moved into
// the database file.
func (s *Store) checkpoint(ctx context.Context) (int, error) {
	var busy, logFrames, checkpointed int
	if err := s.db.QueryRowContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE);").Scan(&busy, &logFrames, &checkpointed); err != nil {
		return 0, fmt.Errorf("wal checkpoint truncate: %w", err)
	}
	return checkpointed, nil
}

// Maintain drops notifications past the retention horizon and truncates
// the WAL.
func (s *Store) Maintain(ctx context.Context) (MaintenanceReport, error) {
	var report MaintenanceReport
	if s.notificationRetention > 0 {
		cutoff := s.nowMilli() - s.notificationRetention.Milliseconds()
		pruned, err := s.PruneNotifications(ctx, cutoff)
		if err != nil {
			return report, err
		}
		report.PrunedNotifications = pruned
	}

	frames, err := s.checkpoint(ctx)
	if err != nil {
		return report, err
	}
	report.CheckpointedFrames = frames
	return report, nil
}

func (s *Store) runMaintenance(interval time.Duration) {
	if interval <= 0 {
		return
	}

	s.maintenanceWG.Add(1)
	go func() {
		defer s.maintenanceWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				_, _ = s.Maintain(context.Background())
			case <-s.stopMaintenance:
				return
			}
		}
	}()
}
