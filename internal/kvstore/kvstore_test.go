package kvstore

import (
	"errors"
	"path/filepath"
	"reflect"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "kv"))
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return s
}

func TestSetGetDelete(t *testing.T) {
	s := openTestStore(t)

	if err := s.Set("notes/h001", []byte("stack trace")); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}
	got, err := s.Get("notes/h001")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if string(got) != "stack trace" {
		t.Errorf("Get() = %q, want %q", got, "stack trace")
	}

	// Overwrite.
	if err := s.Set("notes/h001", []byte("updated")); err != nil {
		t.Fatal(err)
	}
	got, _ = s.Get("notes/h001")
	if string(got) != "updated" {
		t.Errorf("Get() after overwrite = %q", got)
	}

	if err := s.Delete("notes/h001"); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if _, err := s.Get("notes/h001"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound after delete, got %v", err)
	}
}

func TestGetMissing(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.Get("absent"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestInvalidKeys(t *testing.T) {
	s := openTestStore(t)
	for _, key := range []string{
		"",
		"../escape",
		"a/../../etc/passwd",
		"/absolute",
		".hidden",
		"spaces not allowed",
	} {
		if err := s.Set(key, []byte("x")); err == nil {
			t.Errorf("Expected key %q to be rejected", key)
		}
	}
}

func TestKeysAndList(t *testing.T) {
	s := openTestStore(t)
	for _, k := range []string{"h001/notes", "h001/trace", "h002/notes"} {
		if err := s.Set(k, []byte(k)); err != nil {
			t.Fatal(err)
		}
	}

	keys, err := s.Keys("h001/")
	if err != nil {
		t.Fatalf("Keys() failed: %v", err)
	}
	want := []string{"h001/notes", "h001/trace"}
	if !reflect.DeepEqual(keys, want) {
		t.Errorf("Keys() = %v, want %v", keys, want)
	}

	all, err := s.Keys("")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Errorf("Expected 3 keys, got %d", len(all))
	}

	m, err := s.List("h002/")
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(m) != 1 || string(m["h002/notes"]) != "h002/notes" {
		t.Errorf("List() = %v", m)
	}
}

func TestClear(t *testing.T) {
	s := openTestStore(t)
	if err := s.Set("a", []byte("1")); err != nil {
		t.Fatal(err)
	}
	if err := s.Clear(); err != nil {
		t.Fatalf("Clear() failed: %v", err)
	}
	keys, err := s.Keys("")
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 0 {
		t.Errorf("Expected empty store after clear, got %v", keys)
	}
	// The store remains usable.
	if err := s.Set("b", []byte("2")); err != nil {
		t.Errorf("Set() after clear failed: %v", err)
	}
}
