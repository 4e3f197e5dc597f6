package cache

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

type stageEntry struct {
	Address uint64
	Name    string
}

func TestKey(t *testing.T) {
	got := Key([]byte("hello"))
	want := "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"
	if got != want {
		t.Errorf("Key = %s, want %s", got, want)
	}
	if Key([]byte("hello")) == Key([]byte("world")) {
		t.Error("distinct binaries produced the same key")
	}
}

func TestStorePutGet(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "cache-test")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(tmpDir)

	s, err := New(tmpDir, 8)
	if err != nil {
		t.Fatal(err)
	}

	key := Key([]byte("binary"))
	put := []stageEntry{
		{Address: 0x401000, Name: "sub_401000"},
		{Address: 0x401020, Name: "ExitProcess"},
	}
	if err := s.Put(key, StageFunctions, put); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	var got []stageEntry
	if !s.Get(key, StageFunctions, &got) {
		t.Fatal("Get reported a miss after Put")
	}
	if !reflect.DeepEqual(got, put) {
		t.Errorf("Get = %+v, want %+v", got, put)
	}
}

func TestStoreMiss(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "cache-test")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(tmpDir)

	s, err := New(tmpDir, 8)
	if err != nil {
		t.Fatal(err)
	}

	var got []stageEntry
	if s.Get(Key([]byte("never stored")), StageXrefs, &got) {
		t.Error("Get reported a hit for a key never stored")
	}
}

func TestStoreSurvivesReopen(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "cache-test")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(tmpDir)

	key := Key([]byte("binary"))
	put := []stageEntry{{Address: 0x1000, Name: "entry"}}

	s1, err := New(tmpDir, 8)
	if err != nil {
		t.Fatal(err)
	}
	if err := s1.Put(key, StageSymbols, put); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	// A fresh store on the same dir has a cold memory layer and must
	// fall through to the file.
	s2, err := New(tmpDir, 8)
	if err != nil {
		t.Fatal(err)
	}
	var got []stageEntry
	if !s2.Get(key, StageSymbols, &got) {
		t.Fatal("Get missed after reopen")
	}
	if !reflect.DeepEqual(got, put) {
		t.Errorf("Get = %+v, want %+v", got, put)
	}
}

func TestStoreCorruptFile(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "cache-test")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(tmpDir)

	s, err := New(tmpDir, 8)
	if err != nil {
		t.Fatal(err)
	}

	key := Key([]byte("binary"))
	path := filepath.Join(tmpDir, key+"."+StageStrings+".msgpack")
	if err := os.WriteFile(path, []byte("not msgpack"), 0o644); err != nil {
		t.Fatal(err)
	}

	var got []stageEntry
	if s.Get(key, StageStrings, &got) {
		t.Error("Get reported a hit for a corrupt cache file")
	}
}

func TestStoreStagesAreIndependent(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "cache-test")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(tmpDir)

	s, err := New(tmpDir, 8)
	if err != nil {
		t.Fatal(err)
	}

	key := Key([]byte("binary"))
	if err := s.Put(key, StageFunctions, []stageEntry{{Address: 1}}); err != nil {
		t.Fatal(err)
	}

	var got []stageEntry
	if s.Get(key, StageXrefs, &got) {
		t.Error("stage xrefs hit from a functions write")
	}
}
