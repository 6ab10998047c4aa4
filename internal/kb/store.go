package kb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

const sqliteDriver = "sqlite"

// Store is the SQLite-backed knowledge base. All ingestion and correlation
// state lives here; callers never cache entity state across calls.
type Store struct {
	mu     sync.Mutex
	db     *sql.DB
	path   string
	logger *zap.Logger
}

// Open opens (creating if necessary) the knowledge base at path and runs
// schema migrations.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory %s: %w", dir, err)
		}
	}

	db, err := openHandle(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectivity, err)
	}

	s := &Store{db: db, path: path, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate knowledge base: %w", err)
	}
	return s, nil
}

func openHandle(path string) (*sql.DB, error) {
	db, err := sql.Open(sqliteDriver, path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)")
	if err != nil {
		return nil, err
	}
	// modernc sqlite serializes writes through a single connection.
	db.SetMaxOpenConns(1)
	return db, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// Ping verifies the connection is usable.
func (s *Store) Ping(ctx context.Context) error {
	s.mu.Lock()
	db := s.db
	s.mu.Unlock()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectivity, err)
	}
	return nil
}

// Reconnect reopens the database handle. The correlator calls this once
// when it detects a closed connection before retrying the failed query.
func (s *Store) Reconnect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.db.Close()
	db, err := openHandle(s.path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnectivity, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("%w: %v", ErrConnectivity, err)
	}
	s.db = db
	if s.logger != nil {
		s.logger.Info("knowledge base connection reestablished")
	}
	return nil
}

// IsConnClosed reports whether err indicates a dropped or closed store
// connection, i.e. a condition Reconnect can recover from.
func IsConnClosed(err error) bool {
	if err == nil {
		return false
	}
	if err == sql.ErrConnDone {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "database is closed") ||
		strings.Contains(msg, "connection is already closed") ||
		strings.Contains(msg, "sql: database is closed")
}

func (s *Store) handle() *sql.DB {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS adversaries (
			adversary_id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			description TEXT,
			aliases TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS infrastructure (
			infrastructure_id INTEGER PRIMARY KEY AUTOINCREMENT,
			type TEXT NOT NULL,
			value TEXT NOT NULL,
			description TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS mitre_attack_mappings (
			tid TEXT PRIMARY KEY,
			technique_name TEXT NOT NULL,
			description TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			event_id INTEGER PRIMARY KEY AUTOINCREMENT,
			description TEXT,
			adversary_id INTEGER NOT NULL REFERENCES adversaries(adversary_id),
			infrastructure_id INTEGER REFERENCES infrastructure(infrastructure_id),
			capability_id INTEGER,
			mitre_tid TEXT REFERENCES mitre_attack_mappings(tid),
			event_time INTEGER NOT NULL,
			confidence_score REAL NOT NULL
		)`,

		// Uniqueness on the resolution keys. The resolver's insert-if-absent
		// depends on these; without them re-ingestion splits one entity's
		// correlation history across duplicate rows.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_adversaries_name ON adversaries(name)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_infrastructure_value ON infrastructure(value)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_events_adv_tid ON events(adversary_id, mitre_tid)
			WHERE mitre_tid IS NOT NULL`,

		`CREATE INDEX IF NOT EXISTS idx_events_infrastructure ON events(infrastructure_id)`,
		`CREATE INDEX IF NOT EXISTS idx_events_adversary ON events(adversary_id)`,
		`CREATE INDEX IF NOT EXISTS idx_events_tid ON events(mitre_tid)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// placeholders returns "?,?,...,?" for parameterized set-membership
// filters. Feed-controlled values are never interpolated into query text.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func toArgs(keys []string) []any {
	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	return args
}

// IndicatorByValue returns the indicator with the given value, or nil when
// no such indicator exists.
func (s *Store) IndicatorByValue(ctx context.Context, value string) (*Indicator, error) {
	row := s.handle().QueryRowContext(ctx,
		`SELECT infrastructure_id, type, value, COALESCE(description, '')
		 FROM infrastructure WHERE value = ?`, value)

	var ind Indicator
	if err := row.Scan(&ind.ID, &ind.Type, &ind.Value, &ind.Description); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("indicator lookup failed: %w", err)
	}
	return &ind, nil
}

// AdversaryByName returns the adversary with the given display name, or
// nil when no such adversary exists.
func (s *Store) AdversaryByName(ctx context.Context, name string) (*Adversary, error) {
	row := s.handle().QueryRowContext(ctx,
		`SELECT adversary_id, name, COALESCE(description, ''), COALESCE(aliases, '')
		 FROM adversaries WHERE name = ?`, name)

	var adv Adversary
	var aliases string
	if err := row.Scan(&adv.ID, &adv.Name, &adv.Description, &aliases); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("adversary lookup failed: %w", err)
	}
	if aliases != "" {
		if err := json.Unmarshal([]byte(aliases), &adv.Aliases); err != nil {
			adv.Aliases = nil
		}
	}
	return &adv, nil
}

// AdversaryIDsByName returns name→identity for every input name that
// exists, in one round-trip.
func (s *Store) AdversaryIDsByName(ctx context.Context, names []string) (map[string]int64, error) {
	return s.idsBySet(ctx,
		`SELECT name, adversary_id FROM adversaries WHERE name IN (%s)`, names)
}

// IndicatorIDsByValue returns value→identity for every input value that
// exists, in one round-trip.
func (s *Store) IndicatorIDsByValue(ctx context.Context, values []string) (map[string]int64, error) {
	return s.idsBySet(ctx,
		`SELECT value, infrastructure_id FROM infrastructure WHERE value IN (%s)`, values)
}

func (s *Store) idsBySet(ctx context.Context, query string, keys []string) (map[string]int64, error) {
	out := make(map[string]int64, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	q := fmt.Sprintf(query, placeholders(len(keys)))
	rows, err := s.handle().QueryContext(ctx, q, toArgs(keys)...)
	if err != nil {
		return nil, fmt.Errorf("batch lookup failed: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var id int64
		if err := rows.Scan(&key, &id); err != nil {
			return nil, fmt.Errorf("batch lookup scan failed: %w", err)
		}
		out[key] = id
	}
	return out, rows.Err()
}

// InsertAdversaries creates adversary rows in a single transaction.
// Names that already exist are left untouched (no-clobber).
func (s *Store) InsertAdversaries(ctx context.Context, advs []Adversary) error {
	if len(advs) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO adversaries (name, description, aliases) VALUES (?, ?, ?)
			 ON CONFLICT(name) DO NOTHING`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, a := range advs {
			var aliases any
			if len(a.Aliases) > 0 {
				b, err := json.Marshal(a.Aliases)
				if err != nil {
					return err
				}
				aliases = string(b)
			}
			if _, err := stmt.ExecContext(ctx, a.Name, nullable(a.Description), aliases); err != nil {
				return err
			}
		}
		return nil
	})
}

// InsertIndicators creates infrastructure rows in a single transaction.
// Values that already exist are left untouched (no-clobber).
func (s *Store) InsertIndicators(ctx context.Context, inds []Indicator) error {
	if len(inds) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO infrastructure (type, value, description) VALUES (?, ?, ?)
			 ON CONFLICT(value) DO NOTHING`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, ind := range inds {
			if _, err := stmt.ExecContext(ctx, string(ind.Type), ind.Value, nullable(ind.Description)); err != nil {
				return err
			}
		}
		return nil
	})
}

// UpsertTechniques inserts or updates techniques keyed by TID in a single
// transaction. Techniques are the only entity updated on re-ingestion.
func (s *Store) UpsertTechniques(ctx context.Context, techniques []Technique) error {
	if len(techniques) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO mitre_attack_mappings (tid, technique_name, description) VALUES (?, ?, ?)
			 ON CONFLICT(tid) DO UPDATE SET
				technique_name = excluded.technique_name,
				description = excluded.description`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, t := range techniques {
			if _, err := stmt.ExecContext(ctx, t.TID, t.Name, nullable(t.Description)); err != nil {
				return err
			}
		}
		return nil
	})
}

// InsertEvents writes a batch of attribution events in a single
// transaction. The whole batch is rolled back on any failure; the batch
// writer uses this as its per-chunk commit. Duplicate technique facts for
// the same adversary are silently skipped.
func (s *Store) InsertEvents(ctx context.Context, events []Event) error {
	if len(events) == 0 {
		return nil
	}
	for i := range events {
		if err := events[i].Validate(); err != nil {
			return fmt.Errorf("event %d: %w", i, err)
		}
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO events
				(description, adversary_id, infrastructure_id, capability_id, mitre_tid, event_time, confidence_score)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(adversary_id, mitre_tid) WHERE mitre_tid IS NOT NULL DO NOTHING`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, e := range events {
			var indicatorID, capabilityID, tid any
			if e.IndicatorID != 0 {
				indicatorID = e.IndicatorID
			}
			if e.CapabilityID != 0 {
				capabilityID = e.CapabilityID
			}
			if e.TechniqueID != "" {
				tid = e.TechniqueID
			}
			_, err := stmt.ExecContext(ctx,
				nullable(e.Description), e.AdversaryID, indicatorID, capabilityID,
				tid, e.EventTime.Unix(), e.Confidence)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// AttributionsByIndicator pivots from an indicator identity to every
// adversary linked to it by an attribution event.
func (s *Store) AttributionsByIndicator(ctx context.Context, indicatorID int64) ([]AttributionLink, error) {
	rows, err := s.handle().QueryContext(ctx,
		`SELECT a.name, e.confidence_score
		 FROM events e
		 JOIN adversaries a ON e.adversary_id = a.adversary_id
		 WHERE e.infrastructure_id = ?
		 ORDER BY e.event_id`, indicatorID)
	if err != nil {
		return nil, fmt.Errorf("attribution pivot failed: %w", err)
	}
	defer rows.Close()

	var links []AttributionLink
	for rows.Next() {
		var l AttributionLink
		if err := rows.Scan(&l.Adversary, &l.Score); err != nil {
			return nil, fmt.Errorf("attribution pivot scan failed: %w", err)
		}
		links = append(links, l)
	}
	return links, rows.Err()
}

// TechniqueMatches returns, for every adversary with at least one
// knowledge-base event tying it to any of the given technique IDs, how
// many distinct queried IDs that adversary is known to use. Rows are
// ordered by match count descending, then adversary name, so callers get
// a deterministic ranking.
func (s *Store) TechniqueMatches(ctx context.Context, tids []string) ([]TechniqueMatch, error) {
	if len(tids) == 0 {
		return nil, nil
	}

	q := fmt.Sprintf(
		`SELECT a.name, COUNT(DISTINCT e.mitre_tid) AS match_count
		 FROM events e
		 JOIN adversaries a ON e.adversary_id = a.adversary_id
		 WHERE e.mitre_tid IN (%s)
		 GROUP BY a.name
		 ORDER BY match_count DESC, a.name ASC`, placeholders(len(tids)))

	rows, err := s.handle().QueryContext(ctx, q, toArgs(tids)...)
	if err != nil {
		return nil, fmt.Errorf("technique match query failed: %w", err)
	}
	defer rows.Close()

	var matches []TechniqueMatch
	for rows.Next() {
		var m TechniqueMatch
		if err := rows.Scan(&m.Adversary, &m.Matched); err != nil {
			return nil, fmt.Errorf("technique match scan failed: %w", err)
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

// IndicatorsByAdversary returns all infrastructure linked to the named
// adversary, for detection-rule export.
func (s *Store) IndicatorsByAdversary(ctx context.Context, name string) ([]Indicator, error) {
	rows, err := s.handle().QueryContext(ctx,
		`SELECT DISTINCT i.infrastructure_id, i.type, i.value, COALESCE(i.description, '')
		 FROM infrastructure i
		 JOIN events e ON i.infrastructure_id = e.infrastructure_id
		 JOIN adversaries a ON e.adversary_id = a.adversary_id
		 WHERE a.name = ?
		 ORDER BY i.infrastructure_id`, name)
	if err != nil {
		return nil, fmt.Errorf("indicator listing failed: %w", err)
	}
	defer rows.Close()

	var inds []Indicator
	for rows.Next() {
		var ind Indicator
		if err := rows.Scan(&ind.ID, &ind.Type, &ind.Value, &ind.Description); err != nil {
			return nil, fmt.Errorf("indicator listing scan failed: %w", err)
		}
		inds = append(inds, ind)
	}
	return inds, rows.Err()
}

// TechniquesByAdversary returns all techniques the named adversary is
// known to use.
func (s *Store) TechniquesByAdversary(ctx context.Context, name string) ([]Technique, error) {
	rows, err := s.handle().QueryContext(ctx,
		`SELECT DISTINCT m.tid, m.technique_name, COALESCE(m.description, '')
		 FROM mitre_attack_mappings m
		 JOIN events e ON m.tid = e.mitre_tid
		 JOIN adversaries a ON e.adversary_id = a.adversary_id
		 WHERE a.name = ?
		 ORDER BY m.tid`, name)
	if err != nil {
		return nil, fmt.Errorf("technique listing failed: %w", err)
	}
	defer rows.Close()

	var ts []Technique
	for rows.Next() {
		var t Technique
		if err := rows.Scan(&t.TID, &t.Name, &t.Description); err != nil {
			return nil, fmt.Errorf("technique listing scan failed: %w", err)
		}
		ts = append(ts, t)
	}
	return ts, rows.Err()
}

// CountStats returns headline entity counts.
func (s *Store) CountStats(ctx context.Context) (*Stats, error) {
	var stats Stats
	db := s.handle()
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM adversaries`).Scan(&stats.Adversaries); err != nil {
		return nil, fmt.Errorf("stats query failed: %w", err)
	}
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM infrastructure`).Scan(&stats.Indicators); err != nil {
		return nil, fmt.Errorf("stats query failed: %w", err)
	}
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&stats.Events); err != nil {
		return nil, fmt.Errorf("stats query failed: %w", err)
	}
	return &stats, nil
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.handle().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction failed: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit failed: %w", err)
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
