package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/tmarkov/reelvault/internal/database"
	"github.com/tmarkov/reelvault/internal/models"
	"github.com/tmarkov/reelvault/internal/repository"
)

func setupRepo(t *testing.T) *SessionRepository {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}

	// Each pooled connection gets its own :memory: database, so force one.
	db.SetMaxOpenConns(1)

	if err := database.RunMigrations(db); err != nil {
		db.Close()
		t.Fatalf("failed to run migrations: %v", err)
	}

	t.Cleanup(func() {
		db.Close()
	})

	return NewSessionRepository(db)
}

func newTestSession(id string, totalChunks int) *models.UploadSession {
	return &models.UploadSession{
		SessionID:   id,
		TargetName:  "videos/" + id + ".mp4",
		TotalSize:   int64(totalChunks) * 1024,
		ChunkSize:   1024,
		TotalChunks: totalChunks,
		Status:      models.StatusUploading,
		CreatedAt:   time.Now(),
		ExpiresAt:   time.Now().Add(24 * time.Hour),
	}
}

func record(idx int) models.ChunkRecord {
	return models.ChunkRecord{
		ChunkIndex: idx,
		Size:       1024,
		LocalRef:   fmt.Sprintf("chunk_%d", idx),
		ReceivedAt: time.Now(),
	}
}

func TestCreateAndGet(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	session := newTestSession("sess-1", 4)
	session.Metadata = map[string]string{"title": "holiday"}
	if err := repo.Create(ctx, session); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	got, err := repo.Get(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got == nil {
		t.Fatal("Get() returned nil for existing session")
	}
	if got.Status != models.StatusUploading {
		t.Errorf("Status = %q, want uploading", got.Status)
	}
	if got.TotalChunks != 4 {
		t.Errorf("TotalChunks = %d, want 4", got.TotalChunks)
	}
	if got.Metadata["title"] != "holiday" {
		t.Errorf("Metadata = %v, want title=holiday", got.Metadata)
	}
}

func TestGetMissing(t *testing.T) {
	repo := setupRepo(t)

	got, err := repo.Get(context.Background(), "no-such-session")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != nil {
		t.Errorf("Get() = %+v, want nil", got)
	}
}

func TestRecordChunkIdempotentResend(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	if err := repo.Create(ctx, newTestSession("sess-1", 3)); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	out, err := repo.RecordChunk(ctx, "sess-1", record(0))
	if err != nil {
		t.Fatalf("RecordChunk() error = %v", err)
	}
	if out.ReceivedCount != 1 {
		t.Errorf("ReceivedCount = %d, want 1", out.ReceivedCount)
	}

	// Resending the same index must not change the count.
	out, err = repo.RecordChunk(ctx, "sess-1", record(0))
	if err != nil {
		t.Fatalf("RecordChunk() resend error = %v", err)
	}
	if out.ReceivedCount != 1 {
		t.Errorf("ReceivedCount after resend = %d, want 1", out.ReceivedCount)
	}
	if out.Complete {
		t.Error("Complete should be false")
	}

	indices, err := repo.ReceivedIndices(ctx, "sess-1")
	if err != nil {
		t.Fatalf("ReceivedIndices() error = %v", err)
	}
	if len(indices) != 1 || indices[0] != 0 {
		t.Errorf("ReceivedIndices = %v, want [0]", indices)
	}
}

func TestRecordChunkOutOfOrderCompletion(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	if err := repo.Create(ctx, newTestSession("sess-1", 3)); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	for _, idx := range []int{2, 0} {
		out, err := repo.RecordChunk(ctx, "sess-1", record(idx))
		if err != nil {
			t.Fatalf("RecordChunk(%d) error = %v", idx, err)
		}
		if out.Complete {
			t.Errorf("Complete after chunk %d should be false", idx)
		}
	}

	out, err := repo.RecordChunk(ctx, "sess-1", record(1))
	if err != nil {
		t.Fatalf("RecordChunk(1) error = %v", err)
	}
	if !out.Complete {
		t.Error("Complete should be true after last distinct index")
	}
	if !out.AssemblyTriggered {
		t.Error("AssemblyTriggered should be true for the completing call")
	}

	got, _ := repo.Get(ctx, "sess-1")
	if got.Status != models.StatusAssembling {
		t.Errorf("Status = %q, want assembling", got.Status)
	}
}

func TestRecordChunkAssemblyTriggeredOnce(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	if err := repo.Create(ctx, newTestSession("sess-1", 2)); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := repo.RecordChunk(ctx, "sess-1", record(0)); err != nil {
		t.Fatalf("RecordChunk(0) error = %v", err)
	}

	// Two concurrent resends of the final chunk: exactly one caller may own
	// the assembly trigger.
	const workers = 8
	var wg sync.WaitGroup
	triggered := make(chan bool, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := repo.RecordChunk(ctx, "sess-1", record(1))
			if err != nil {
				// A worker racing after the transition sees a closed session.
				if errors.Is(err, repository.ErrSessionClosed) {
					return
				}
				t.Errorf("RecordChunk() error = %v", err)
				return
			}
			triggered <- out.AssemblyTriggered
		}()
	}
	wg.Wait()
	close(triggered)

	wins := 0
	for tr := range triggered {
		if tr {
			wins++
		}
	}
	if wins != 1 {
		t.Errorf("assembly triggered %d times, want exactly 1", wins)
	}
}

func TestRecordChunkRejectsClosedAndExpired(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	// Completed session refuses chunks.
	if err := repo.Create(ctx, newTestSession("done", 1)); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.RecordChunk(ctx, "done", record(0)); err != nil {
		t.Fatal(err)
	}
	if err := repo.SetAssemblyCompleted(ctx, "done", "videos/done.mp4", "video/mp4"); err != nil {
		t.Fatal(err)
	}
	_, err := repo.RecordChunk(ctx, "done", record(0))
	if !errors.Is(err, repository.ErrSessionClosed) {
		t.Errorf("error = %v, want ErrSessionClosed", err)
	}

	// Overdue session expires on the write path.
	late := newTestSession("late", 2)
	late.ExpiresAt = time.Now().Add(-time.Minute)
	if err := repo.Create(ctx, late); err != nil {
		t.Fatal(err)
	}
	_, err = repo.RecordChunk(ctx, "late", record(0))
	if !errors.Is(err, repository.ErrSessionExpired) {
		t.Errorf("error = %v, want ErrSessionExpired", err)
	}

	got, _ := repo.Get(ctx, "late")
	if got.Status != models.StatusExpired {
		t.Errorf("Status = %q, want expired", got.Status)
	}

	// Missing session.
	_, err = repo.RecordChunk(ctx, "ghost", record(0))
	if !errors.Is(err, repository.ErrSessionNotFound) {
		t.Errorf("error = %v, want ErrSessionNotFound", err)
	}
}

func TestGetAppliesLazyExpiry(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	session := newTestSession("sess-1", 2)
	session.ExpiresAt = time.Now().Add(-time.Hour)
	if err := repo.Create(ctx, session); err != nil {
		t.Fatal(err)
	}

	got, err := repo.Get(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != models.StatusExpired {
		t.Errorf("Status = %q, want expired", got.Status)
	}
}

func TestTryLockForAssembly(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	if err := repo.Create(ctx, newTestSession("sess-1", 1)); err != nil {
		t.Fatal(err)
	}

	// Still uploading: not lockable.
	locked, err := repo.TryLockForAssembly(ctx, "sess-1")
	if err != nil {
		t.Fatalf("TryLockForAssembly() error = %v", err)
	}
	if locked {
		t.Error("uploading session should not be lockable for assembly")
	}

	if _, err := repo.RecordChunk(ctx, "sess-1", record(0)); err != nil {
		t.Fatal(err)
	}
	if err := repo.SetAssemblyFailed(ctx, "sess-1", "stream interrupted"); err != nil {
		t.Fatal(err)
	}

	locked, err = repo.TryLockForAssembly(ctx, "sess-1")
	if err != nil {
		t.Fatalf("TryLockForAssembly() error = %v", err)
	}
	if !locked {
		t.Error("failed session should be lockable for retry")
	}

	got, _ := repo.Get(ctx, "sess-1")
	if got.Status != models.StatusAssembling {
		t.Errorf("Status = %q, want assembling", got.Status)
	}
	if got.ErrorMessage != nil {
		t.Errorf("ErrorMessage = %v, want nil after relock", *got.ErrorMessage)
	}
}

func TestFormatTimeFixedWidthOrdering(t *testing.T) {
	base := time.Date(2026, 9, 1, 10, 0, 5, 0, time.UTC)

	half := base.Add(500 * time.Millisecond)
	later := base.Add(520 * time.Millisecond)

	// RFC3339Nano renders these as "...05.5Z" and "...05.52Z", which compare
	// the wrong way as strings. The stored form must be fixed-width.
	a, b := formatTime(half), formatTime(later)
	if len(a) != len(b) {
		t.Fatalf("formatTime widths differ: %q vs %q", a, b)
	}
	if !(a < b) {
		t.Errorf("formatTime ordering broken: %q should sort before %q", a, b)
	}

	parsed, err := time.Parse(time.RFC3339Nano, a)
	if err != nil {
		t.Fatalf("stored value %q does not parse: %v", a, err)
	}
	if !parsed.Equal(half) {
		t.Errorf("round trip = %v, want %v", parsed, half)
	}
}

func TestExpiryWithSubsecondDeadline(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	// A deadline with trailing fractional zeros, just in the past.
	session := newTestSession("subsec", 2)
	session.ExpiresAt = time.Now().Add(-2 * time.Second).Truncate(time.Second).Add(500 * time.Millisecond)
	if err := repo.Create(ctx, session); err != nil {
		t.Fatal(err)
	}

	expired, err := repo.ExpiredSessions(ctx)
	if err != nil {
		t.Fatalf("ExpiredSessions() error = %v", err)
	}
	if len(expired) != 1 || expired[0].SessionID != "subsec" {
		t.Errorf("ExpiredSessions() = %v, want [subsec]", expired)
	}
}

func TestTerminalWritesGuardedOnAssembling(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	if err := repo.Create(ctx, newTestSession("sess-1", 1)); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.RecordChunk(ctx, "sess-1", record(0)); err != nil {
		t.Fatal(err)
	}
	if err := repo.SetAssemblyCompleted(ctx, "sess-1", "videos/sess-1.mp4", "video/mp4"); err != nil {
		t.Fatalf("SetAssemblyCompleted() error = %v", err)
	}

	// A stale worker that lost the session must not rewrite the outcome.
	err := repo.SetAssemblyFailed(ctx, "sess-1", "chunks missing on disk")
	if !errors.Is(err, repository.ErrSessionClosed) {
		t.Errorf("SetAssemblyFailed() error = %v, want ErrSessionClosed", err)
	}

	got, _ := repo.Get(ctx, "sess-1")
	if got.Status != models.StatusCompleted {
		t.Errorf("Status = %q, want completed", got.Status)
	}
	if got.ErrorMessage != nil {
		t.Errorf("ErrorMessage = %v, want nil", *got.ErrorMessage)
	}

	// The reverse direction is guarded the same way.
	err = repo.SetAssemblyCompleted(ctx, "sess-1", "videos/other.mp4", "video/mp4")
	if !errors.Is(err, repository.ErrSessionClosed) {
		t.Errorf("SetAssemblyCompleted() error = %v, want ErrSessionClosed", err)
	}
	got, _ = repo.Get(ctx, "sess-1")
	if got.FinalLocation == nil || *got.FinalLocation != "videos/sess-1.mp4" {
		t.Errorf("FinalLocation = %v, want videos/sess-1.mp4", got.FinalLocation)
	}
}

func TestReaperQueries(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	overdue := newTestSession("overdue", 2)
	overdue.ExpiresAt = time.Now().Add(-time.Hour)
	if err := repo.Create(ctx, overdue); err != nil {
		t.Fatal(err)
	}
	if err := repo.Create(ctx, newTestSession("fresh", 2)); err != nil {
		t.Fatal(err)
	}

	expired, err := repo.ExpiredSessions(ctx)
	if err != nil {
		t.Fatalf("ExpiredSessions() error = %v", err)
	}
	if len(expired) != 1 || expired[0].SessionID != "overdue" {
		t.Errorf("ExpiredSessions = %v, want [overdue]", expired)
	}

	marked, err := repo.MarkExpired(ctx, "overdue")
	if err != nil || !marked {
		t.Fatalf("MarkExpired() = %v, %v, want true, nil", marked, err)
	}

	// Second mark is a no-op.
	marked, err = repo.MarkExpired(ctx, "overdue")
	if err != nil {
		t.Fatal(err)
	}
	if marked {
		t.Error("MarkExpired() second call should return false")
	}

	terminal, err := repo.TerminalBefore(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("TerminalBefore() error = %v", err)
	}
	if len(terminal) != 1 || terminal[0].SessionID != "overdue" {
		t.Errorf("TerminalBefore = %v, want [overdue]", terminal)
	}

	if err := repo.Delete(ctx, "overdue"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	got, _ := repo.Get(ctx, "overdue")
	if got != nil {
		t.Error("session should be gone after Delete")
	}
}

func TestStalledAssemblies(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	if err := repo.Create(ctx, newTestSession("sess-1", 1)); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.RecordChunk(ctx, "sess-1", record(0)); err != nil {
		t.Fatal(err)
	}

	// Freshly assembling: not stalled.
	stalled, err := repo.StalledAssemblies(ctx, 30*time.Minute)
	if err != nil {
		t.Fatalf("StalledAssemblies() error = %v", err)
	}
	if len(stalled) != 0 {
		t.Errorf("StalledAssemblies = %v, want none", stalled)
	}

	// With a zero stall window everything assembling qualifies.
	stalled, err = repo.StalledAssemblies(ctx, -time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if len(stalled) != 1 {
		t.Errorf("StalledAssemblies = %v, want one", stalled)
	}
}

func TestAllSessionIDs(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		if err := repo.Create(ctx, newTestSession(id, 1)); err != nil {
			t.Fatal(err)
		}
	}

	ids, err := repo.AllSessionIDs(ctx)
	if err != nil {
		t.Fatalf("AllSessionIDs() error = %v", err)
	}
	if !ids["a"] || !ids["b"] || len(ids) != 2 {
		t.Errorf("AllSessionIDs = %v, want {a,b}", ids)
	}
}
