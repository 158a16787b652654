package filesystem

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"strings"
	"testing"
	"time"
)

func newTestStore(t *testing.T, baseURL string) *Store {
	t.Helper()
	s, err := New(t.TempDir(), baseURL)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return s
}

func TestPutAndOpen(t *testing.T) {
	s := newTestStore(t, "")
	ctx := context.Background()

	payload := "assembled video bytes"
	location, checksum, err := s.Put(ctx, "videos/clip.mp4", strings.NewReader(payload), int64(len(payload)), "video/mp4")
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if location != "videos/clip.mp4" {
		t.Errorf("location = %q, want key", location)
	}

	sum := sha256.Sum256([]byte(payload))
	if checksum != hex.EncodeToString(sum[:]) {
		t.Errorf("checksum = %s, want sha256 of payload", checksum)
	}

	rc, err := s.Open(ctx, "videos/clip.mp4")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer rc.Close()

	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != payload {
		t.Errorf("stored bytes = %q, want %q", got, payload)
	}
}

func TestPutSizeMismatch(t *testing.T) {
	s := newTestStore(t, "")

	_, _, err := s.Put(context.Background(), "clip.mp4", strings.NewReader("short"), 100, "")
	if err == nil {
		t.Fatal("Put() should fail on size mismatch")
	}

	// Failed put must not leave a partial object behind.
	exists, err := s.Exists(context.Background(), "clip.mp4")
	if err != nil {
		t.Fatal(err)
	}
	if exists {
		t.Error("partial object left behind after failed Put")
	}
}

func TestPutRejectsTraversal(t *testing.T) {
	s := newTestStore(t, "")

	for _, key := range []string{"", "../escape", "a/../../b", "/absolute"} {
		if _, _, err := s.Put(context.Background(), key, strings.NewReader("x"), 1, ""); err == nil {
			t.Errorf("Put(%q) should fail", key)
		}
	}
}

func TestExistsAndDelete(t *testing.T) {
	s := newTestStore(t, "")
	ctx := context.Background()

	exists, err := s.Exists(ctx, "nothing.bin")
	if err != nil {
		t.Fatal(err)
	}
	if exists {
		t.Error("Exists() = true for missing object")
	}

	if _, _, err := s.Put(ctx, "thing.bin", strings.NewReader("x"), 1, ""); err != nil {
		t.Fatal(err)
	}

	exists, err = s.Exists(ctx, "thing.bin")
	if err != nil {
		t.Fatal(err)
	}
	if !exists {
		t.Error("Exists() = false for stored object")
	}

	if err := s.Delete(ctx, "thing.bin"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	// Deleting a missing object is a no-op.
	if err := s.Delete(ctx, "thing.bin"); err != nil {
		t.Errorf("Delete() second call error = %v", err)
	}
}

func TestSignedReadURL(t *testing.T) {
	s := newTestStore(t, "https://cdn.example.com/objects/")

	u, err := s.SignedReadURL(context.Background(), "videos/my clip.mp4", time.Hour)
	if err != nil {
		t.Fatalf("SignedReadURL() error = %v", err)
	}
	want := "https://cdn.example.com/objects/videos/my%20clip.mp4"
	if u != want {
		t.Errorf("SignedReadURL() = %q, want %q", u, want)
	}

	// No base URL configured.
	bare := newTestStore(t, "")
	if _, err := bare.SignedReadURL(context.Background(), "videos/clip.mp4", time.Hour); err == nil {
		t.Error("SignedReadURL() should fail without a base URL")
	}
}
