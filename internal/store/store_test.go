package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"

	"github.com/andresmejia3/facegate/internal/types"
)

func vec(vals ...float32) types.Embedding { return types.Embedding(vals) }

func TestOpen_MissingFile(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "face_embeddings.json"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if s.Count() != 0 {
		t.Errorf("Expected empty store, got %d identities", s.Count())
	}
	if _, err := os.Stat(s.Path()); !os.IsNotExist(err) {
		t.Error("Opening a missing store should not create the file")
	}
}

func TestOpen_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "face_embeddings.json")
	os.WriteFile(path, []byte("{not json"), 0644)
	if _, err := Open(path); err == nil {
		t.Fatal("Expected error for corrupt store file")
	}
}

func TestRegister_PersistsAndReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "face_embeddings.json")
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}

	name, refs, err := s.Register("  Bob ", vec(0, 1, 0), false)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if name != "Bob" || refs != 1 {
		t.Errorf("Register() = %q, %d; want Bob, 1", name, refs)
	}
	if _, _, err := s.Register("Alice", vec(1, 0, 0), false); err != nil {
		t.Fatal(err)
	}

	reloaded, err := Open(path)
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	if got := reloaded.Names(); !slices.Equal(got, []string{"Alice", "Bob"}) {
		t.Errorf("Names() = %v, want sorted [Alice Bob]", got)
	}
	if r := reloaded.Snapshot().References("Bob"); len(r) != 1 || r[0][1] != 1 {
		t.Errorf("Bob's reference not restored: %v", r)
	}
	if reloaded.Snapshot().Dim != 3 {
		t.Errorf("Dim = %d, want 3", reloaded.Snapshot().Dim)
	}
}

func TestRegister_AppendAndReplace(t *testing.T) {
	s, _ := Open(filepath.Join(t.TempDir(), "s.json"))

	s.Register("alice", vec(1, 0), false)
	_, refs, _ := s.Register("alice", vec(0.9, 0.1), false)
	if refs != 2 {
		t.Fatalf("Expected append to give 2 references, got %d", refs)
	}
	if s.Count() != 1 {
		t.Errorf("Re-registration must not add an identity, count = %d", s.Count())
	}

	_, refs, _ = s.Register("alice", vec(0, 1), true)
	if refs != 1 {
		t.Errorf("Expected replace to leave 1 reference, got %d", refs)
	}
	if r := s.Snapshot().References("alice"); r[0][1] != 1 {
		t.Errorf("Replace kept the old vector: %v", r)
	}
}

func TestRegister_CaseSensitiveNames(t *testing.T) {
	s, _ := Open(filepath.Join(t.TempDir(), "s.json"))
	s.Register("alice", vec(1, 0), false)
	s.Register("Alice", vec(0, 1), false)
	if s.Count() != 2 {
		t.Errorf("Expected alice and Alice to be distinct, count = %d", s.Count())
	}
}

func TestRegister_Rejects(t *testing.T) {
	s, _ := Open(filepath.Join(t.TempDir(), "s.json"))
	s.Register("alice", vec(1, 0, 0), false)
	gen := s.Snapshot().Generation

	if _, _, err := s.Register("bob", vec(1, 0), false); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("Expected ErrDimensionMismatch, got %v", err)
	}
	if _, _, err := s.Register("   ", vec(1, 0, 0), false); !errors.Is(err, ErrInvalidName) {
		t.Errorf("Expected ErrInvalidName, got %v", err)
	}
	if _, _, err := s.Register("carol", nil, false); err == nil {
		t.Error("Expected error for empty embedding")
	}
	if s.Count() != 1 || s.Snapshot().Generation != gen {
		t.Error("Rejected registrations must not change the store")
	}
}

func TestRegister_FailedWriteLeavesMemory(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "blocker")
	s, err := Open(filepath.Join(blocker, "face_embeddings.json"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	// The parent "directory" is now a regular file, so persisting must fail
	if err := os.WriteFile(blocker, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, _, err := s.Register("alice", vec(1, 0), false); err == nil {
		t.Fatal("Expected persistence error")
	}
	if s.Count() != 0 {
		t.Errorf("In-memory state advanced after a failed write: count = %d", s.Count())
	}
}

func TestRegister_Concurrent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s.json")
	s, _ := Open(path)

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, _, err := s.Register(fmt.Sprintf("person-%02d", i), vec(float32(i+1), 1), false); err != nil {
				t.Errorf("Register %d failed: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	if s.Count() != n {
		t.Fatalf("Expected %d identities, got %d", n, s.Count())
	}
	reloaded, _ := Open(path)
	if reloaded.Count() != n {
		t.Errorf("Expected %d identities on disk, got %d", n, reloaded.Count())
	}
}

// Two stores on one file stand in for a running server and a maintenance
// command in another process.
func TestUpdate_SharedFileKeepsForeignWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s.json")
	server, _ := Open(path)
	cli, _ := Open(path)

	if _, _, err := server.Register("alice", vec(1, 0), false); err != nil {
		t.Fatal(err)
	}
	if err := cli.Rename("alice", "Alice Smith"); err != nil {
		t.Fatalf("Rename from a stale store failed: %v", err)
	}
	if _, _, err := server.Register("bob", vec(0, 1), false); err != nil {
		t.Fatal(err)
	}

	want := []string{"Alice Smith", "bob"}
	if got := server.Names(); !slices.Equal(got, want) {
		t.Errorf("server Names() = %v, want %v", got, want)
	}
	reloaded, _ := Open(path)
	if got := reloaded.Names(); !slices.Equal(got, want) {
		t.Errorf("on-disk Names() = %v, want %v", got, want)
	}

	// A reset elsewhere frees the dimension for the next writer
	if err := cli.Reset(); err != nil {
		t.Fatal(err)
	}
	if _, _, err := server.Register("carol", vec(1, 1, 1), false); err != nil {
		t.Errorf("Register after a foreign reset failed: %v", err)
	}
	if server.Count() != 1 {
		t.Errorf("Expected only carol after foreign reset, got %v", server.Names())
	}
}

func TestSnapshot_Immutable(t *testing.T) {
	s, _ := Open(filepath.Join(t.TempDir(), "s.json"))
	s.Register("alice", vec(1, 0), false)
	before := s.Snapshot()

	s.Register("alice", vec(0, 1), false)
	s.Register("bob", vec(0, 1), false)

	if before.Len() != 1 || len(before.References("alice")) != 1 {
		t.Error("Published snapshot changed after later writes")
	}
	if s.Snapshot().Generation <= before.Generation {
		t.Error("Generation should advance on write")
	}
}

func TestRenameRemoveReset(t *testing.T) {
	s, _ := Open(filepath.Join(t.TempDir(), "s.json"))
	s.Register("Identity 1", vec(1, 0), false)
	s.Register("bob", vec(0, 1), false)

	if err := s.Rename("Identity 1", "alice"); err != nil {
		t.Fatalf("Rename failed: %v", err)
	}
	if got := s.Names(); !slices.Equal(got, []string{"alice", "bob"}) {
		t.Errorf("Names() after rename = %v", got)
	}
	if err := s.Rename("nobody", "x"); !errors.Is(err, ErrUnknownIdentity) {
		t.Errorf("Expected ErrUnknownIdentity, got %v", err)
	}

	// Renaming onto an existing identity merges references
	if err := s.Rename("bob", "alice"); err != nil {
		t.Fatal(err)
	}
	if n := len(s.Snapshot().References("alice")); n != 2 {
		t.Errorf("Expected merged identity with 2 references, got %d", n)
	}

	if err := s.Remove("alice"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if s.Count() != 0 {
		t.Errorf("Expected empty store, got %d", s.Count())
	}

	s.Register("carol", vec(1, 1, 1), false)
	if err := s.Reset(); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	reloaded, _ := Open(s.Path())
	if reloaded.Count() != 0 {
		t.Errorf("Reset not persisted, count = %d", reloaded.Count())
	}
	// Dimension is free again after reset
	if _, _, err := s.Register("dave", vec(1, 0), false); err != nil {
		t.Errorf("Register after reset failed: %v", err)
	}
}

func TestNormalizeName(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"Alice", "Alice", false},
		{"  Bob Smith\t", "Bob Smith", false},
		{"Jose\u0301", "Jos\u00e9", false}, // decomposed accent becomes composed
		{"", "", true},
		{"   ", "", true},
		{"..", "", true},
		{"a/b", "", true},
		{`a\b`, "", true},
		{"bell\a", "", true},
	}
	for _, tt := range tests {
		got, err := NormalizeName(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("NormalizeName(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("NormalizeName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
