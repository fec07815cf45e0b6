package main

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
)

func TestCardBindingsRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "embed_ids.json")
	store, err := loadCardBindings(path)
	if err != nil {
		t.Fatalf("loadCardBindings on missing file: %v", err)
	}
	if len(store.Snapshot()) != 0 {
		t.Fatalf("expected empty store")
	}

	want := map[string]string{
		"survival":    "1180000000000000001",
		"creative":    "1180000000000000002",
		"modded \"x\"": "1180000000000000003",
	}
	for server, id := range want {
		if err := store.Set(server, id); err != nil {
			t.Fatalf("Set(%s): %v", server, err)
		}
	}

	reloaded, err := loadCardBindings(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got := reloaded.Snapshot(); !reflect.DeepEqual(got, want) {
		t.Fatalf("round trip mismatch: got %v want %v", got, want)
	}
	if got := reloaded.Servers(); !reflect.DeepEqual(got, []string{"creative", "modded \"x\"", "survival"}) {
		t.Fatalf("Servers() = %v", got)
	}
}

func TestCardBindingsReplaceKeepsOneBindingPerServer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "embed_ids.json")
	store := newCardBindingStore(path)
	if err := store.Set("survival", "1"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := store.Set("survival", "2"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	reloaded, err := loadCardBindings(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got := reloaded.Snapshot(); !reflect.DeepEqual(got, map[string]string{"survival": "2"}) {
		t.Fatalf("expected single replaced binding, got %v", got)
	}
}

func TestCardBindingsReadsLegacyCompactFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "embed_ids.json")
	if err := os.WriteFile(path, []byte(`{"survival": "42", "creative": "43"}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	store, err := loadCardBindings(path)
	if err != nil {
		t.Fatalf("loadCardBindings: %v", err)
	}
	if id, ok := store.Get("creative"); !ok || id != "43" {
		t.Fatalf("Get(creative) = %q, %v", id, ok)
	}
}

func TestCardBindingsRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "embed_ids.json")
	if err := os.WriteFile(path, []byte(`{"survival":`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := loadCardBindings(path); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestCardBindingsConcurrentSets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "embed_ids.json")
	store := newCardBindingStore(path)

	const servers = 16
	var wg sync.WaitGroup
	for i := 0; i < servers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			server := fmt.Sprintf("server-%02d", i)
			if err := store.Set(server, fmt.Sprintf("%d", 1000+i)); err != nil {
				t.Errorf("Set(%s): %v", server, err)
			}
			_, _ = store.Get(server)
		}(i)
	}
	wg.Wait()

	reloaded, err := loadCardBindings(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got := reloaded.Snapshot(); !reflect.DeepEqual(got, store.Snapshot()) || len(got) != servers {
		t.Fatalf("file and memory disagree: file=%v memory=%v", got, store.Snapshot())
	}
}
