package logsink

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNewWritesHeader(t *testing.T) {
	dir := t.TempDir()
	w, err := New(dir, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer w.Close(context.Background())

	records := readAllRecords(t, w.Path())
	if len(records) != 1 {
		t.Fatalf("expected just the header row, got %d records", len(records))
	}
	want := []string{"Timestamp", "Value", "InSeizure", "TherapyState"}
	for i, col := range want {
		if records[0][i] != col {
			t.Fatalf("header[%d] = %q, want %q", i, records[0][i], col)
		}
	}
}

func TestWriteSampleAppendsRow(t *testing.T) {
	dir := t.TempDir()
	w, err := New(dir, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	w.WriteSample(1234, 5.5, true, false)

	if err := w.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}

	records := readAllRecords(t, w.Path())
	if len(records) != 2 {
		t.Fatalf("expected header + 1 row, got %d records", len(records))
	}
	row := records[1]
	if row[0] != "1234" {
		t.Fatalf("Timestamp = %q, want 1234", row[0])
	}
	if row[2] != "true" {
		t.Fatalf("InSeizure = %q, want true", row[2])
	}
	if row[3] != "false" {
		t.Fatalf("TherapyState = %q, want false", row[3])
	}
}

func TestCloseSucceedsOnFirstCall(t *testing.T) {
	dir := t.TempDir()
	w, err := New(dir, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := w.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestGzipRotateProducesReadableArchive(t *testing.T) {
	dir := t.TempDir()
	w, err := New(dir, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	w.WriteSample(1, 1.0, false, false)
	if err := w.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}

	gzPath, err := GzipRotate(w.Path())
	if err != nil {
		t.Fatalf("GzipRotate: %v", err)
	}
	if filepath.Ext(gzPath) != ".gz" {
		t.Fatalf("expected a .gz path, got %s", gzPath)
	}
	if _, err := os.Stat(gzPath); err != nil {
		t.Fatalf("expected rotated file to exist: %v", err)
	}
}

func readAllRecords(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("csv read %s: %v", path, err)
	}
	return records
}
