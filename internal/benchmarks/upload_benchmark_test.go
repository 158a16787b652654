package benchmarks

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/tmarkov/reelvault/internal/chunkstore"
	"github.com/tmarkov/reelvault/internal/models"
	"github.com/tmarkov/reelvault/internal/repository/sqlite"
	"github.com/tmarkov/reelvault/internal/testutil"
)

// BenchmarkChunkSave measures staging a 1 MiB chunk with checksum
// computation.
func BenchmarkChunkSave(b *testing.B) {
	store, err := chunkstore.New(b.TempDir())
	if err != nil {
		b.Fatal(err)
	}
	payload := bytes.Repeat([]byte("x"), 1<<20)

	b.SetBytes(int64(len(payload)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, _, err := store.Save("bench", i, bytes.NewReader(payload), int64(len(payload)), ""); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkAssemble measures streaming 64 staged chunks of 256 KiB through
// the assembler.
func BenchmarkAssemble(b *testing.B) {
	store, err := chunkstore.New(b.TempDir())
	if err != nil {
		b.Fatal(err)
	}

	const totalChunks = 64
	payload := bytes.Repeat([]byte("x"), 256<<10)
	for i := 0; i < totalChunks; i++ {
		if _, _, err := store.Save("bench", i, bytes.NewReader(payload), int64(len(payload)), ""); err != nil {
			b.Fatal(err)
		}
	}

	b.SetBytes(int64(len(payload)) * totalChunks)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := store.Assemble(io.Discard, "bench", totalChunks); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkRecordChunk measures the per-chunk transactional bookkeeping
// against sqlite.
func BenchmarkRecordChunk(b *testing.B) {
	db := testutil.SetupTestDB(b)
	repo := sqlite.NewSessionRepository(db)
	ctx := context.Background()

	session := &models.UploadSession{
		SessionID:   uuid.New().String(),
		TargetName:  "bench.bin",
		TotalSize:   int64(b.N+1) * 4,
		ChunkSize:   4,
		TotalChunks: b.N + 1,
		Status:      models.StatusUploading,
		CreatedAt:   time.Now(),
		ExpiresAt:   time.Now().Add(time.Hour),
	}
	if err := repo.Create(ctx, session); err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, err := repo.RecordChunk(ctx, session.SessionID, models.ChunkRecord{
			SessionID:  session.SessionID,
			ChunkIndex: i,
			Size:       4,
			LocalRef:   fmt.Sprintf("chunk_%d", i),
			ReceivedAt: time.Now(),
		})
		if err != nil {
			b.Fatal(err)
		}
	}
}
