package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/andresmejia3/meshline/internal/types"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrSessionNotFound is returned for an unknown session id.
var ErrSessionNotFound = errors.New("session not found")

// Store persists stream sessions, per-frame face annotations and face
// intervals in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to the database and ensures the schema exists.
func New(ctx context.Context, connString string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	query := `
		CREATE TABLE IF NOT EXISTS mesh_sessions (
			id UUID PRIMARY KEY,
			source TEXT NOT NULL,
			width INT NOT NULL,
			height INT NOT NULL,
			fps DOUBLE PRECISION NOT NULL,
			topology TEXT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			ended_at TIMESTAMPTZ,
			final_state TEXT,
			frames BIGINT NOT NULL DEFAULT 0
		);
		CREATE TABLE IF NOT EXISTS frame_annotations (
			session_id UUID NOT NULL REFERENCES mesh_sessions(id) ON DELETE CASCADE,
			sequence BIGINT NOT NULL,
			captured_at TIMESTAMPTZ NOT NULL,
			face_count INT NOT NULL,
			PRIMARY KEY (session_id, sequence)
		);
		CREATE TABLE IF NOT EXISTS face_poses (
			session_id UUID NOT NULL,
			sequence BIGINT NOT NULL,
			session_face_id INT NOT NULL,
			position DOUBLE PRECISION[] NOT NULL,
			orientation DOUBLE PRECISION[] NOT NULL,
			PRIMARY KEY (session_id, sequence, session_face_id),
			FOREIGN KEY (session_id, sequence) REFERENCES frame_annotations(session_id, sequence) ON DELETE CASCADE
		);
		CREATE TABLE IF NOT EXISTS face_intervals (
			id BIGSERIAL PRIMARY KEY,
			session_id UUID NOT NULL REFERENCES mesh_sessions(id) ON DELETE CASCADE,
			session_face_id INT NOT NULL,
			first_sequence BIGINT NOT NULL,
			last_sequence BIGINT NOT NULL,
			detections INT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS face_intervals_session_idx ON face_intervals (session_id);
	`
	_, err := pool.Exec(ctx, query)
	return err
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Session describes one pipeline run.
type Session struct {
	ID         uuid.UUID
	Source     string
	Width      int
	Height     int
	FPS        float64
	Topology   string
	StartedAt  time.Time
	EndedAt    *time.Time
	FinalState string
	Frames     int64
	Faces      int
}

// BeginSession registers a new session and returns its id. The format is
// filled in later by SetFormat.
func (s *Store) BeginSession(ctx context.Context, source, topology string) (uuid.UUID, error) {
	id := uuid.New()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO mesh_sessions (id, source, width, height, fps, topology)
		VALUES ($1, $2, 0, 0, 0, $3)
	`, id, source, topology)
	if err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

// SetFormat records the stream format once the source has confirmed it.
func (s *Store) SetFormat(ctx context.Context, id uuid.UUID, width, height int, fps float64) error {
	tag, err := s.pool.Exec(ctx, "UPDATE mesh_sessions SET width = $2, height = $3, fps = $4 WHERE id = $1",
		id, width, height, fps)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// EndSession records how a session finished.
func (s *Store) EndSession(ctx context.Context, id uuid.UUID, finalState string, frames uint64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE mesh_sessions SET ended_at = NOW(), final_state = $2, frames = $3
		WHERE id = $1
	`, id, finalState, int64(frames))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// InsertAnnotations writes one row per frame and one per tracked face in a
// single batch. Frames already stored for the session are overwritten.
func (s *Store) InsertAnnotations(ctx context.Context, session uuid.UUID, frames []*types.AnnotatedFrame) error {
	if len(frames) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, f := range frames {
		batch.Queue(`
			INSERT INTO frame_annotations (session_id, sequence, captured_at, face_count)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (session_id, sequence) DO UPDATE SET captured_at = EXCLUDED.captured_at, face_count = EXCLUDED.face_count
		`, session, int64(f.Sequence), f.Timestamp, len(f.Faces))
		for _, face := range f.Faces {
			p := face.Pose
			batch.Queue(`
				INSERT INTO face_poses (session_id, sequence, session_face_id, position, orientation)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (session_id, sequence, session_face_id) DO UPDATE SET position = EXCLUDED.position, orientation = EXCLUDED.orientation
			`, session, int64(f.Sequence), face.SessionFaceID,
				[]float64{p.Position.X, p.Position.Y, p.Position.Z},
				[]float64{p.Orientation.Real, p.Orientation.Imag, p.Orientation.Jmag, p.Orientation.Kmag})
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// InsertIntervals saves the tracked span of each face.
func (s *Store) InsertIntervals(ctx context.Context, session uuid.UUID, intervals []types.FaceInterval) error {
	if len(intervals) == 0 {
		return nil
	}
	rows := make([][]any, len(intervals))
	for i, iv := range intervals {
		rows[i] = []any{session, iv.SessionFaceID, int64(iv.FirstSequence), int64(iv.LastSequence), iv.Detections}
	}
	_, err := s.pool.CopyFrom(ctx,
		pgx.Identifier{"face_intervals"},
		[]string{"session_id", "session_face_id", "first_sequence", "last_sequence", "detections"},
		pgx.CopyFromRows(rows),
	)
	return err
}

const sessionColumns = `
	SELECT s.id, s.source, s.width, s.height, s.fps, s.topology, s.started_at, s.ended_at,
	       COALESCE(s.final_state, ''), s.frames,
	       (SELECT COUNT(*) FROM face_intervals fi WHERE fi.session_id = s.id)::INT
	FROM mesh_sessions s`

func scanSession(row pgx.Row) (Session, error) {
	var ss Session
	err := row.Scan(&ss.ID, &ss.Source, &ss.Width, &ss.Height, &ss.FPS, &ss.Topology,
		&ss.StartedAt, &ss.EndedAt, &ss.FinalState, &ss.Frames, &ss.Faces)
	return ss, err
}

// ListSessions returns every session, newest first, with its face count.
func (s *Store) ListSessions(ctx context.Context) ([]Session, error) {
	rows, err := s.pool.Query(ctx, sessionColumns+" ORDER BY s.started_at DESC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		ss, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, ss)
	}
	return sessions, rows.Err()
}

// GetSession returns one session.
func (s *Store) GetSession(ctx context.Context, id uuid.UUID) (Session, error) {
	ss, err := scanSession(s.pool.QueryRow(ctx, sessionColumns+" WHERE s.id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Session{}, ErrSessionNotFound
	}
	return ss, err
}

// ListIntervals returns the face intervals of a session ordered by face id.
func (s *Store) ListIntervals(ctx context.Context, session uuid.UUID) ([]types.FaceInterval, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM mesh_sessions WHERE id = $1)", session).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrSessionNotFound
	}

	rows, err := s.pool.Query(ctx, `
		SELECT session_face_id, first_sequence, last_sequence, detections
		FROM face_intervals WHERE session_id = $1
		ORDER BY session_face_id, first_sequence
	`, session)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var intervals []types.FaceInterval
	for rows.Next() {
		var iv types.FaceInterval
		var first, last int64
		if err := rows.Scan(&iv.SessionFaceID, &first, &last, &iv.Detections); err != nil {
			return nil, err
		}
		iv.FirstSequence, iv.LastSequence = uint64(first), uint64(last)
		intervals = append(intervals, iv)
	}
	return intervals, rows.Err()
}

// FaceCount returns how many faces were stored for one frame.
func (s *Store) FaceCount(ctx context.Context, session uuid.UUID, sequence uint64) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		"SELECT face_count FROM frame_annotations WHERE session_id = $1 AND sequence = $2",
		session, int64(sequence)).Scan(&n)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return n, err
}

// Reset drops all application tables to clear the database state.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		DROP TABLE IF EXISTS face_poses CASCADE;
		DROP TABLE IF EXISTS frame_annotations CASCADE;
		DROP TABLE IF EXISTS face_intervals CASCADE;
		DROP TABLE IF EXISTS mesh_sessions CASCADE;
	`)
	return err
}
