package logbuf

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func newTestBuffer(capacity int) (*Buffer, *slog.Logger) {
	buf := New(slog.NewTextHandler(io.Discard, nil), capacity)
	return buf, slog.New(buf)
}

func TestRecordsInOrder(t *testing.T) {
	buf, logger := newTestBuffer(10)

	logger.Info("first", "n", 1)
	logger.Warn("second")
	logger.Error("third", "err", "boom")

	entries := buf.Entries()
	if len(entries) != 3 {
		t.Fatalf("entries = %d, want 3", len(entries))
	}
	if entries[0].Message != "first" || entries[2].Message != "third" {
		t.Errorf("order wrong: %+v", entries)
	}
	if entries[0].Level != "INFO" || entries[1].Level != "WARN" || entries[2].Level != "ERROR" {
		t.Errorf("levels wrong: %+v", entries)
	}
	if entries[0].Attrs["n"] != int64(1) {
		t.Errorf("attr n = %v (%T)", entries[0].Attrs["n"], entries[0].Attrs["n"])
	}
}

func TestRingOverwritesOldest(t *testing.T) {
	buf, logger := newTestBuffer(3)

	for i := 0; i < 5; i++ {
		logger.Info(fmt.Sprintf("msg-%d", i))
	}

	entries := buf.Entries()
	if len(entries) != 3 {
		t.Fatalf("entries = %d, want 3", len(entries))
	}
	if entries[0].Message != "msg-2" || entries[2].Message != "msg-4" {
		t.Errorf("ring kept wrong window: %+v", entries)
	}
}

func TestDerivedLoggerSharesRing(t *testing.T) {
	buf, logger := newTestBuffer(10)

	logger.With("component", "fleet").Info("scoped")
	entries := buf.Entries()
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	if entries[0].Message != "scoped" {
		t.Errorf("entry = %+v", entries[0])
	}
}

func TestSaveLoadDelete(t *testing.T) {
	buf, logger := newTestBuffer(10)
	logger.Info("persisted", "k", "v")

	path := filepath.Join(t.TempDir(), "logs.json")
	if err := buf.Save(path); err != nil {
		t.Fatal(err)
	}

	fresh, _ := newTestBuffer(10)
	if err := fresh.Load(path); err != nil {
		t.Fatal(err)
	}
	entries := fresh.Entries()
	if len(entries) != 1 || entries[0].Message != "persisted" {
		t.Fatalf("loaded = %+v", entries)
	}
	if entries[0].Attrs["k"] != "v" {
		t.Errorf("attr k = %v", entries[0].Attrs["k"])
	}

	if err := Delete(path); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("file still exists after delete")
	}
	// Deleting again is fine.
	if err := Delete(path); err != nil {
		t.Fatal(err)
	}
}

func TestLoadTruncatesToCapacity(t *testing.T) {
	big, logger := newTestBuffer(20)
	for i := 0; i < 10; i++ {
		logger.Info(fmt.Sprintf("msg-%d", i))
	}
	path := filepath.Join(t.TempDir(), "logs.json")
	if err := big.Save(path); err != nil {
		t.Fatal(err)
	}

	small, _ := newTestBuffer(4)
	if err := small.Load(path); err != nil {
		t.Fatal(err)
	}
	entries := small.Entries()
	if len(entries) != 4 {
		t.Fatalf("entries = %d, want 4", len(entries))
	}
	if entries[0].Message != "msg-6" || entries[3].Message != "msg-9" {
		t.Errorf("kept wrong window: %+v", entries)
	}
}

func TestClear(t *testing.T) {
	buf, logger := newTestBuffer(10)
	logger.Info("x")
	buf.Clear()
	if buf.Len() != 0 {
		t.Fatalf("len = %d after clear", buf.Len())
	}
}
