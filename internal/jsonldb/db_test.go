package jsonldb

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func openTestDB(t *testing.T, opts Options) (*DB, string) {
	path := filepath.Join(t.TempDir(), "db.jsonl")
	db, err := Open(path, opts)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() {
		if db.IsOpen() {
			_ = db.Close()
		}
	})
	return db, path
}

func TestDBBasicCRUD(t *testing.T) {
	db, _ := openTestDB(t, Options{})

	if err := db.Set("a", "hello"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	v, ok, err := db.Get("a")
	if err != nil || !ok || v != "hello" {
		t.Fatalf("Get(a) = (%v, %v, %v), want (hello, true, nil)", v, ok, err)
	}

	if has, _ := db.Has("a"); !has {
		t.Error("Has(a) = false, want true")
	}
	if has, _ := db.Has("missing"); has {
		t.Error("Has(missing) = true, want false")
	}

	found, err := db.Delete("a")
	if err != nil || !found {
		t.Fatalf("Delete(a) = (%v, %v), want (true, nil)", found, err)
	}
	if _, ok, _ := db.Get("a"); ok {
		t.Error("Get(a) after delete: ok = true, want false")
	}
	if found, _ := db.Delete("a"); found {
		t.Error("Delete(a) second time = true, want false")
	}
}

func TestDBSizeAndKeys(t *testing.T) {
	db, _ := openTestDB(t, Options{})
	for _, k := range []string{"c", "a", "b"} {
		if err := db.Set(k, 1.0); err != nil {
			t.Fatalf("Set(%s) error = %v", k, err)
		}
	}
	if n, _ := db.Size(); n != 3 {
		t.Errorf("Size() = %d, want 3", n)
	}
	keys, err := db.Keys()
	if err != nil {
		t.Fatalf("Keys() error = %v", err)
	}
	want := []string{"a", "b", "c"}
	if len(keys) != len(want) {
		t.Fatalf("Keys() = %v, want %v", keys, want)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("Keys()[%d] = %s, want %s", i, keys[i], want[i])
		}
	}
}

func TestDBClear(t *testing.T) {
	db, _ := openTestDB(t, Options{})
	db.Set("a", 1.0)
	db.Set("b", 2.0)
	if err := db.Clear(); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if n, _ := db.Size(); n != 0 {
		t.Errorf("Size() after Clear = %d, want 0", n)
	}
}

func TestDBGetManyRangeAndFilter(t *testing.T) {
	db, _ := openTestDB(t, Options{IndexPaths: []string{"/status"}})
	rows := map[string]map[string]any{
		"a": {"status": "open"},
		"b": {"status": "closed"},
		"c": {"status": "open"},
		"d": {"status": "open"},
	}
	for _, k := range []string{"a", "b", "c", "d"} {
		if err := db.Set(k, rows[k]); err != nil {
			t.Fatalf("Set(%s) error = %v", k, err)
		}
	}

	all, err := db.GetMany("a", "c", "")
	if err != nil {
		t.Fatalf("GetMany() error = %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("GetMany(a,c) = %d rows, want 3", len(all))
	}

	open, err := db.GetMany("a", "z", "status=open")
	if err != nil {
		t.Fatalf("GetMany() with filter error = %v", err)
	}
	if len(open) != 3 {
		t.Fatalf("GetMany(filter=status=open) = %d rows, want 3", len(open))
	}
	for _, row := range open {
		if row.Key == "b" {
			t.Errorf("GetMany(filter=status=open) unexpectedly included %s", row.Key)
		}
	}
}

func TestDBForEach(t *testing.T) {
	db, _ := openTestDB(t, Options{})
	db.Set("a", 1.0)
	db.Set("b", 2.0)
	db.Set("c", 3.0)

	var seen []string
	err := db.ForEach(func(key string, v Value) bool {
		seen = append(seen, key)
		return key != "b"
	})
	if err != nil {
		t.Fatalf("ForEach() error = %v", err)
	}
	if want := []string{"a", "b"}; len(seen) != 2 || seen[0] != want[0] || seen[1] != want[1] {
		t.Errorf("ForEach() visited = %v, want early stop after %v", seen, want)
	}
}

func TestDBPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db.jsonl")

	db, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := db.Set("a", "persisted"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if _, err := db.Delete("a"); err != nil {
		t.Fatalf("unexpected Delete error: %v", err)
	}
	if err := db.Set("b", map[string]any{"x": 1.0}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	reopened, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("reopen Open() error = %v", err)
	}
	defer reopened.Close()

	if _, ok, _ := reopened.Get("a"); ok {
		t.Error("Get(a) after reopen: ok = true, want false (was deleted)")
	}
	v, ok, err := reopened.Get("b")
	if err != nil || !ok {
		t.Fatalf("Get(b) after reopen = (%v, %v, %v)", v, ok, err)
	}
}

func TestDBOpenTwiceReturnsAlreadyOpenError(t *testing.T) {
	db, _ := openTestDB(t, Options{})
	err := db.Open()
	if err == nil {
		t.Fatal("second Open() error = nil, want *AlreadyOpenError")
	}
	if _, ok := err.(*AlreadyOpenError); !ok {
		t.Errorf("second Open() error = %T, want *AlreadyOpenError", err)
	}
}

func TestDBNewThenOpenReuseAcrossClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db.jsonl")
	db, err := New(path, Options{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if db.IsOpen() {
		t.Fatal("IsOpen() = true immediately after New(), want false (detached)")
	}

	if err := db.Open(); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := db.Set("a", "one"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if err := db.Open(); err != nil {
		t.Fatalf("second Open() on the same handle error = %v", err)
	}
	defer db.Close()

	v, ok, err := db.Get("a")
	if err != nil || !ok || v != "one" {
		t.Fatalf("Get(a) after reopen = (%v, %v, %v), want (one, true, nil)", v, ok, err)
	}
}

func TestDBLockBusy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db.jsonl")
	first, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer first.Close()

	_, err = Open(path, Options{})
	if err == nil {
		t.Fatal("second Open() error = nil, want LockBusyError")
	}
	if _, ok := err.(*LockBusyError); !ok {
		t.Errorf("second Open() error = %T, want *LockBusyError", err)
	}
}

func TestDBCompressDropsDeadRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db.jsonl")
	db, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	for i := 0; i < 5; i++ {
		db.Set("a", float64(i))
	}
	db.Set("b", "keep")
	db.Delete("a")

	if err := db.Compress(); err != nil {
		t.Fatalf("Compress() error = %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if got := string(data); got != `{"k":"b","v":"keep"}`+"\n" {
		t.Errorf("compressed log = %q, want exactly one line for b", got)
	}
}

func TestDBConcurrentCompressCoalesces(t *testing.T) {
	db, _ := openTestDB(t, Options{})
	db.Set("a", 1.0)

	errCh := make(chan error, 4)
	for i := 0; i < 4; i++ {
		go func() { errCh <- db.Compress() }()
	}
	for i := 0; i < 4; i++ {
		if err := <-errCh; err != nil {
			t.Errorf("Compress() error = %v", err)
		}
	}
}

func TestDBDump(t *testing.T) {
	db, _ := openTestDB(t, Options{})
	db.Set("a", 1.0)
	db.Set("b", "two")

	dumpPath := filepath.Join(t.TempDir(), "snapshot.jsonl")
	if err := db.Dump(dumpPath); err != nil {
		t.Fatalf("Dump() error = %v", err)
	}

	idx := newSkipList()
	sidx := newSecondaryIndex(nil)
	if _, err := replay(dumpPath, idx, sidx, false, slog.Default()); err != nil {
		t.Fatalf("replay(dump) error = %v", err)
	}
	if idx.Len() != 2 {
		t.Errorf("replayed dump has %d keys, want 2", idx.Len())
	}
}

func TestDBExportImportJSON(t *testing.T) {
	db, _ := openTestDB(t, Options{})
	db.Set("a", 1.0)
	db.Set("b", map[string]any{"nested": true})

	exportPath := filepath.Join(t.TempDir(), "export.json")
	if err := db.ExportJSON(exportPath, true); err != nil {
		t.Fatalf("ExportJSON() error = %v", err)
	}

	other, _ := openTestDB(t, Options{})
	if err := other.ImportJSONFile(exportPath); err != nil {
		t.Fatalf("ImportJSONFile() error = %v", err)
	}
	if n, _ := other.Size(); n != 2 {
		t.Errorf("Size() after import = %d, want 2", n)
	}
	v, ok, err := other.Get("a")
	if err != nil || !ok || v != float64(1) {
		t.Errorf("Get(a) after import = (%v, %v, %v), want (1, true, nil)", v, ok, err)
	}
}

func TestDBSetObjectFastPath(t *testing.T) {
	db, _ := openTestDB(t, Options{IndexPaths: []string{"/status"}})
	if err := db.SetObject("a", []byte(`{"status":"open"}`), []string{"/status=open"}); err != nil {
		t.Fatalf("SetObject() error = %v", err)
	}
	v, ok, err := db.Get("a")
	if err != nil || !ok {
		t.Fatalf("Get(a) = (%v, %v, %v)", v, ok, err)
	}
	m, ok := v.(map[string]any)
	if !ok || m["status"] != "open" {
		t.Errorf("Get(a) = %v, want map with status=open", v)
	}

	rows, err := db.GetMany("a", "z", "status=open")
	if err != nil || len(rows) != 1 {
		t.Errorf("GetMany(filter) = (%v, %v), want 1 row", rows, err)
	}
}

func TestDBSetPrimitiveRejectsCompoundValues(t *testing.T) {
	db, _ := openTestDB(t, Options{})
	if err := db.SetPrimitive("a", map[string]any{"x": 1.0}); err == nil {
		t.Error("SetPrimitive() with object value error = nil, want error")
	}
	if err := db.SetPrimitive("a", "ok"); err != nil {
		t.Errorf("SetPrimitive() with string value error = %v, want nil", err)
	}
}

func TestDBOperationsFailWhenNotOpen(t *testing.T) {
	db, _ := openTestDB(t, Options{})
	if err := db.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if _, _, err := db.Get("a"); err == nil {
		t.Error("Get() on closed db error = nil, want *NotOpenError")
	} else if _, ok := err.(*NotOpenError); !ok {
		t.Errorf("Get() on closed db error = %T, want *NotOpenError", err)
	}
	if err := db.Set("a", 1.0); err == nil {
		t.Error("Set() on closed db error = nil, want *NotOpenError")
	}
}
