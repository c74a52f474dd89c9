package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/andresmejia3/meshline/internal/topology"
	"github.com/andresmejia3/meshline/internal/types"
	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// TestStoreIntegration runs against a real Postgres container and needs Docker.
func TestStoreIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	// testcontainers panics when the Docker socket is missing
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("testcontainers panicked: %v", r)
			}
		}()
		_, err = testcontainers.NewDockerClientWithOpts(ctx)
		return
	}()
	if err != nil {
		t.Fatalf("Docker not available, cannot run integration test: %v", err)
	}

	pgContainer, err := postgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:16-alpine"),
		postgres.WithDatabase("meshline_test"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
		testcontainers.WithLogger(noopLogger{}),
	)
	if err != nil {
		t.Fatalf("Failed to start postgres container: %v", err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Fatalf("Failed to terminate container: %v", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Failed to get connection string: %v", err)
	}

	s, err := New(ctx, connStr)
	if err != nil {
		t.Fatalf("Failed to connect to store: %v", err)
	}
	defer s.Close()

	// --- Test Scenarios ---

	id, err := s.BeginSession(ctx, "clip.mp4", topology.Version)
	if err != nil {
		t.Fatalf("BeginSession failed: %v", err)
	}
	if err := s.SetFormat(ctx, id, 640, 480, 30); err != nil {
		t.Fatalf("SetFormat failed: %v", err)
	}

	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	face := types.FaceMeshRecord{
		SessionFaceID: 1,
		Pose: types.Pose{
			Position:    r3.Vec{X: 0.5, Y: 0.4, Z: 0.1},
			Orientation: quat.Number{Real: 1},
		},
	}
	frames := []*types.AnnotatedFrame{
		{RawFrame: types.RawFrame{Sequence: 1, Timestamp: start}, Faces: []types.FaceMeshRecord{face}},
		{RawFrame: types.RawFrame{Sequence: 2, Timestamp: start.Add(33 * time.Millisecond)}},
	}
	if err := s.InsertAnnotations(ctx, id, frames); err != nil {
		t.Fatalf("InsertAnnotations failed: %v", err)
	}
	// Re-recording the same frames must not fail.
	if err := s.InsertAnnotations(ctx, id, frames[:1]); err != nil {
		t.Fatalf("InsertAnnotations (repeat) failed: %v", err)
	}

	n, err := s.FaceCount(ctx, id, 1)
	if err != nil {
		t.Fatalf("FaceCount failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 face on frame 1, got %d", n)
	}
	if n, _ := s.FaceCount(ctx, id, 99); n != 0 {
		t.Errorf("Expected 0 faces on unknown frame, got %d", n)
	}

	intervals := []types.FaceInterval{
		{SessionFaceID: 2, FirstSequence: 4, LastSequence: 9, Detections: 5},
		{SessionFaceID: 1, FirstSequence: 1, LastSequence: 3, Detections: 3},
	}
	if err := s.InsertIntervals(ctx, id, intervals); err != nil {
		t.Fatalf("InsertIntervals failed: %v", err)
	}
	got, err := s.ListIntervals(ctx, id)
	if err != nil {
		t.Fatalf("ListIntervals failed: %v", err)
	}
	want := []types.FaceInterval{intervals[1], intervals[0]}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ListIntervals mismatch (-want +got):\n%s", diff)
	}

	if err := s.EndSession(ctx, id, "Stopped", 2); err != nil {
		t.Fatalf("EndSession failed: %v", err)
	}
	if err := s.EndSession(ctx, uuid.New(), "Stopped", 0); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound, got %v", err)
	}
	if _, err := s.ListIntervals(ctx, uuid.New()); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound, got %v", err)
	}

	sessions, err := s.ListSessions(ctx)
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("Expected 1 session, got %d", len(sessions))
	}
	got0 := sessions[0]
	if got0.ID != id || got0.FinalState != "Stopped" || got0.Frames != 2 || got0.Faces != 2 {
		t.Errorf("Unexpected session row: %+v", got0)
	}
	if got0.Width != 640 || got0.Height != 480 || got0.FPS != 30 {
		t.Errorf("Unexpected session format: %dx%d @ %v", got0.Width, got0.Height, got0.FPS)
	}
	if got0.EndedAt == nil {
		t.Error("Expected ended_at to be set")
	}

	one, err := s.GetSession(ctx, id)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if diff := cmp.Diff(got0, one); diff != "" {
		t.Errorf("GetSession mismatch (-list +get):\n%s", diff)
	}
	if _, err := s.GetSession(ctx, uuid.New()); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound, got %v", err)
	}

	if err := s.Reset(ctx); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
}

type noopLogger struct{}

func (n noopLogger) Printf(format string, v ...interface{}) {}
