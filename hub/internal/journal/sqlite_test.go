package journal

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestJournal(t *testing.T) *SQLite {
	t.Helper()
	j, err := NewSQLite(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func TestAppend_SequencePerUID(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		seq, err := j.Append(ctx, "u1", []byte("a"))
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
		if seq != int64(i) {
			t.Errorf("u1 seq = %d, want %d", seq, i)
		}
	}
	seq, err := j.Append(ctx, "u2", []byte("b"))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if seq != 1 {
		t.Errorf("u2 seq = %d, want 1 (sequences are per UID)", seq)
	}
}

func TestList_AfterSeqAndLimit(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := j.Append(ctx, "u1", []byte{byte('a' + i)}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	frames, err := j.List(ctx, "u1", 2, 2)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("len = %d, want 2", len(frames))
	}
	if frames[0].Seq != 3 || frames[1].Seq != 4 {
		t.Errorf("seqs = %d,%d, want 3,4", frames[0].Seq, frames[1].Seq)
	}
	if string(frames[0].Data) != "c" {
		t.Errorf("data = %q, want %q", frames[0].Data, "c")
	}
}

func TestList_UnknownUIDEmpty(t *testing.T) {
	j := newTestJournal(t)
	frames, err := j.List(context.Background(), "nobody", 0, 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(frames) != 0 {
		t.Errorf("len = %d, want 0", len(frames))
	}
}

func TestCountByUID(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := j.Append(ctx, "a", []byte("x")); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := j.Append(ctx, "b", []byte("x")); err != nil {
		t.Fatal(err)
	}

	counts, err := j.CountByUID(ctx)
	if err != nil {
		t.Fatalf("CountByUID: %v", err)
	}
	if counts["a"] != 3 || counts["b"] != 1 {
		t.Errorf("counts = %v, want a:3 b:1", counts)
	}
}

func TestPurgeBefore(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()
	if _, err := j.Append(ctx, "u1", []byte("old")); err != nil {
		t.Fatal(err)
	}

	removed, err := j.PurgeBefore(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("PurgeBefore: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}

	removed, err = j.PurgeBefore(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("PurgeBefore: %v", err)
	}
	if removed != 0 {
		t.Errorf("removed = %d, want 0", removed)
	}
}

func TestNew_DriverSelection(t *testing.T) {
	j, err := New(Config{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "j.db")})
	if err != nil {
		t.Fatalf("New sqlite: %v", err)
	}
	j.Close()

	if _, err := New(Config{Driver: "oracle"}); !errors.Is(err, ErrUnknownDriver) {
		t.Errorf("err = %v, want ErrUnknownDriver", err)
	}
}
