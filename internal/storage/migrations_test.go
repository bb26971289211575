package storage

import (
	"regexp"
	"testing"
	"testing/fstest"
)

var upRe = regexp.MustCompile(`^(\d+)_.+\.up\.sql$`)

func TestListMigrations(t *testing.T) {
	fsys := fstest.MapFS{
		"0010_later.up.sql":    {Data: []byte("SELECT 2;")},
		"0002_second.up.sql":   {Data: []byte("  SELECT 1;\n")},
		"0001_init.up.sql":     {Data: []byte("")},
		"0001_init.down.sql":   {Data: []byte("DROP TABLE x;")},
		"README.md":            {Data: []byte("docs")},
		"nested/0003_x.up.sql": {Data: []byte("SELECT 3;")},
	}

	migs, err := ListMigrations(fsys, upRe)
	if err != nil {
		t.Fatalf("ListMigrations() error = %v", err)
	}
	want := []int{1, 2, 10}
	if len(migs) != len(want) {
		t.Fatalf("got %d migrations, want %d: %+v", len(migs), len(want), migs)
	}
	for i, v := range want {
		if migs[i].Version != v {
			t.Errorf("migs[%d].Version = %d, want %d", i, migs[i].Version, v)
		}
	}
	if Latest(migs) != 10 {
		t.Errorf("Latest() = %d, want 10", Latest(migs))
	}

	stmt, err := ReadMigration(fsys, migs[1])
	if err != nil {
		t.Fatalf("ReadMigration() error = %v", err)
	}
	if stmt != "SELECT 1;" {
		t.Errorf("ReadMigration() = %q", stmt)
	}
}

func TestListMigrations_DuplicateVersion(t *testing.T) {
	fsys := fstest.MapFS{
		"0001_a.up.sql": {Data: []byte("SELECT 1;")},
		"1_b.up.sql":    {Data: []byte("SELECT 1;")},
	}
	if _, err := ListMigrations(fsys, upRe); err == nil {
		t.Fatal("expected duplicate version error")
	}
}

func TestLatestEmpty(t *testing.T) {
	if Latest(nil) != 0 {
		t.Error("Latest(nil) != 0")
	}
}

func TestAppVersion(t *testing.T) {
	t.Setenv("APP_VERSION", "")
	if AppVersion() != "dev" {
		t.Errorf("AppVersion() = %q, want dev", AppVersion())
	}
	t.Setenv("APP_VERSION", "1.4.0")
	if AppVersion() != "1.4.0" {
		t.Errorf("AppVersion() = %q, want 1.4.0", AppVersion())
	}
}
