package storage

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/Felmond13/safekeeper/codec"
)

const testSegSize = 16 * 1024 * 1024

func TestSegmentWriterCreatesZeroFilledPartial(t *testing.T) {
	dir := t.TempDir()
	w := NewSegmentWriter(dir, 1, testSegSize, true)

	payload := bytes.Repeat([]byte{0xAB}, BlockSize)
	if err := w.Write(0, payload); err != nil {
		t.Fatalf("write: %v", err)
	}

	name := SegmentFileName(1, 0, testSegSize) + PartialSuffix
	info, err := os.Stat(filepath.Join(dir, name))
	if err != nil {
		t.Fatalf("stat partial segment: %v", err)
	}
	if info.Size() != testSegSize {
		t.Errorf("expected partial segment pre-zeroed to %d bytes, got %d", testSegSize, info.Size())
	}

	f, err := os.Open(filepath.Join(dir, name))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	got := make([]byte, len(payload))
	if _, err := f.ReadAt(got, 0); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Error("written bytes do not match")
	}

	tail := make([]byte, BlockSize)
	if _, err := f.ReadAt(tail, testSegSize-BlockSize); err != nil {
		t.Fatalf("read tail: %v", err)
	}
	if !isAllZero(tail) {
		t.Error("expected the unwritten tail to remain zero")
	}
}

func TestSegmentWriterRolloverFinalizes(t *testing.T) {
	dir := t.TempDir()
	w := NewSegmentWriter(dir, 1, testSegSize, true)

	// Straddle the segment boundary.
	start := codec.LSN(testSegSize - BlockSize)
	payload := bytes.Repeat([]byte{0xCD}, 2*BlockSize)
	if err := w.Write(start, payload); err != nil {
		t.Fatalf("write: %v", err)
	}

	finalName := SegmentFileName(1, 0, testSegSize)
	if _, err := os.Stat(filepath.Join(dir, finalName)); err != nil {
		t.Errorf("expected segment 0 to be finalized: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, finalName+PartialSuffix)); !os.IsNotExist(err) {
		t.Error("expected the .partial name for segment 0 to be gone after rollover")
	}

	partialName := SegmentFileName(1, 1, testSegSize) + PartialSuffix
	if _, err := os.Stat(filepath.Join(dir, partialName)); err != nil {
		t.Errorf("expected segment 1 to exist as .partial: %v", err)
	}

	f, err := os.Open(filepath.Join(dir, finalName))
	if err != nil {
		t.Fatalf("open final segment: %v", err)
	}
	tail := make([]byte, BlockSize)
	f.ReadAt(tail, testSegSize-BlockSize)
	f.Close()
	if !bytes.Equal(tail, payload[:BlockSize]) {
		t.Error("expected the first half of the payload in the finalized segment's tail")
	}

	f2, err := os.Open(filepath.Join(dir, partialName))
	if err != nil {
		t.Fatalf("open next partial segment: %v", err)
	}
	head := make([]byte, BlockSize)
	f2.ReadAt(head, 0)
	f2.Close()
	if !bytes.Equal(head, payload[BlockSize:]) {
		t.Error("expected the second half of the payload at the start of segment 1")
	}
}

func TestSegmentWriterRejectsOversizeBatch(t *testing.T) {
	dir := t.TempDir()
	w := NewSegmentWriter(dir, 1, testSegSize, true)
	if err := w.Write(0, make([]byte, MaxWalBatchSize+1)); err == nil {
		t.Fatal("expected an error for an oversize batch")
	}
}

func TestOpenForReadPrefersPartial(t *testing.T) {
	dir := t.TempDir()
	w := NewSegmentWriter(dir, 1, testSegSize, true)
	if err := w.Write(0, []byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}
	// A finalized file under the same segment name must lose to the partial one.
	finalPath := filepath.Join(dir, SegmentFileName(1, 0, testSegSize))
	if err := os.WriteFile(finalPath, []byte("stale"), 0644); err != nil {
		t.Fatalf("write finalized segment: %v", err)
	}

	f, err := OpenForRead(dir, 1, 0, testSegSize)
	if err != nil {
		t.Fatalf("open for read: %v", err)
	}
	defer f.Close()

	got := make([]byte, 5)
	if _, err := f.ReadAt(got, 0); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "hello" {
		t.Errorf("got %q, want %q", got, "hello")
	}
}
