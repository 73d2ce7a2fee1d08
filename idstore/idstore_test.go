package idstore

import (
	"path/filepath"
	"testing"
)

func TestLoadMissingFileReturnsEmpty(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "service-id"))
	id, err := s.Load()
	if err != nil {
		t.Fatalf("Load on missing file: %v", err)
	}
	if id != "" {
		t.Fatalf("expected empty id, got %q", id)
	}
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "service-id"))
	if err := s.Save("svc-abc123"); err != nil {
		t.Fatalf("Save: %v", err)
	}
	id, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if id != "svc-abc123" {
		t.Fatalf("got %q, want svc-abc123", id)
	}
}

func TestSaveOverwritesPreviousID(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "service-id"))
	if err := s.Save("first"); err != nil {
		t.Fatalf("Save first: %v", err)
	}
	if err := s.Save("second"); err != nil {
		t.Fatalf("Save second: %v", err)
	}
	id, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if id != "second" {
		t.Fatalf("got %q, want second", id)
	}
}
