// Package recorder persists relayed poses to SQLite for offline review.
package recorder

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	_ "modernc.org/sqlite"

	"github.com/e7canasta/orion-puppeteer/internal/relay"
)

//go:embed schema.sql
var schemaSQL string

// SQLiteSink records every forwarded pose. It implements relay.Sink.
type SQLiteSink struct {
	db     *sql.DB
	path   string
	logger *slog.Logger

	written atomic.Uint64
	closed  atomic.Bool
}

var _ relay.Sink = (*SQLiteSink)(nil)

// Open creates the database file and schema when missing.
func Open(path string, logger *slog.Logger) (*SQLiteSink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("recorder: create dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("recorder: open %s: %w", path, err)
	}
	// One writer; sqlite serializes anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("recorder: init schema: %w", err)
	}

	logger = logger.With("component", "recorder")
	logger.Info("initialized pose database", "path", path)

	return &SQLiteSink{db: db, path: path, logger: logger}, nil
}

func (s *SQLiteSink) Name() string { return "recorder" }

// Publish inserts one row.
func (s *SQLiteSink) Publish(ctx context.Context, p relay.Pose, payload []byte) error {
	query := `
		INSERT INTO poses (instance_id, seq, frame_seq, handle_id, handle_generation, completed_at_ns, landmark_groups, iris, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	iris := 0
	if p.Iris {
		iris = 1
	}
	_, err := s.db.ExecContext(ctx, query,
		p.InstanceID, int64(p.Seq), int64(p.FrameSeq), p.HandleID, int64(p.HandleGeneration),
		p.CompletedAt.UnixNano(), strings.Join(p.Groups, ","), iris, string(payload))
	if err != nil {
		return fmt.Errorf("recorder: insert pose: %w", err)
	}
	s.written.Add(1)
	return nil
}

// Row is one recorded pose.
type Row struct {
	Seq              uint64
	FrameSeq         uint64
	HandleID         string
	HandleGeneration uint64
	Groups           []string
	Iris             bool
	Payload          string
}

// Recent returns up to limit rows, newest first.
func (s *SQLiteSink) Recent(ctx context.Context, limit int) ([]Row, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, frame_seq, handle_id, handle_generation, landmark_groups, iris, payload
		FROM poses ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("recorder: query: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var (
			r         Row
			seq, fseq int64
			gen       int64
			groups    string
			iris      int
		)
		if err := rows.Scan(&seq, &fseq, &r.HandleID, &gen, &groups, &iris, &r.Payload); err != nil {
			return nil, fmt.Errorf("recorder: scan: %w", err)
		}
		r.Seq, r.FrameSeq, r.HandleGeneration = uint64(seq), uint64(fseq), uint64(gen)
		if groups != "" {
			r.Groups = strings.Split(groups, ",")
		}
		r.Iris = iris == 1
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountByHandle returns how many poses each detector handle produced.
func (s *SQLiteSink) CountByHandle(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT handle_id, COUNT(*) FROM poses GROUP BY handle_id`)
	if err != nil {
		return nil, fmt.Errorf("recorder: count: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, fmt.Errorf("recorder: scan: %w", err)
		}
		out[id] = n
	}
	return out, rows.Err()
}

// Written returns the number of rows inserted by this process.
func (s *SQLiteSink) Written() uint64 { return s.written.Load() }

// Close closes the database. It is safe to call more than once.
func (s *SQLiteSink) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.logger.Info("closing pose database", "path", s.path, "written", s.written.Load())
	return s.db.Close()
}
