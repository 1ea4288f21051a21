package store

import (
	"context"
	"path/filepath"
	"testing"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := testDB(t)

	// testDB already ran Migrate once.
	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 1 {
		t.Errorf("version = %d, want 1", result.Version)
	}

	v, dirty, err := db.SchemaVersion()
	if err != nil {
		t.Fatal(err)
	}
	if v != 1 || dirty {
		t.Errorf("SchemaVersion() = %d, %v; want 1, false", v, dirty)
	}
}

func TestSchemaVersionOnFreshDB(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "fresh.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	v, _, err := db.SchemaVersion()
	if err != nil {
		t.Fatal(err)
	}
	if v != 0 {
		t.Errorf("version = %d, want 0", v)
	}
}

// credentialStore is what both implementations provide.
type credentialStore interface {
	Token(ctx context.Context) (string, error)
	UserID(ctx context.Context) (string, error)
	SetToken(ctx context.Context, token, userID string) error
	ClearToken(ctx context.Context) error
}

func TestCredentials(t *testing.T) {
	impls := map[string]func(t *testing.T) credentialStore{
		"sqlite": func(t *testing.T) credentialStore { return testDB(t) },
		"memory": func(*testing.T) credentialStore { return &MemoryCredentials{} },
	}
	for name, mk := range impls {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := mk(t)

			if tok, err := s.Token(ctx); err != nil || tok != "" {
				t.Fatalf("Token() on empty store = %q, %v", tok, err)
			}
			if err := s.SetToken(ctx, "tok-1", "7"); err != nil {
				t.Fatal(err)
			}
			if err := s.SetToken(ctx, "tok-2", "7"); err != nil {
				t.Fatal(err)
			}
			if tok, _ := s.Token(ctx); tok != "tok-2" {
				t.Errorf("Token() = %q, want tok-2", tok)
			}
			if id, _ := s.UserID(ctx); id != "7" {
				t.Errorf("UserID() = %q, want 7", id)
			}
			if err := s.ClearToken(ctx); err != nil {
				t.Fatal(err)
			}
			if tok, _ := s.Token(ctx); tok != "" {
				t.Errorf("Token() after clear = %q", tok)
			}
		})
	}
}

func TestSettings(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if v, err := db.Setting(ctx, SettingLastConversation); err != nil || v != "" {
		t.Fatalf("unset setting = %q, %v", v, err)
	}
	if err := db.SetSetting(ctx, SettingLastConversation, "1_2"); err != nil {
		t.Fatal(err)
	}
	if err := db.SetSetting(ctx, SettingLastConversation, "1_3"); err != nil {
		t.Fatal(err)
	}
	if v, _ := db.Setting(ctx, SettingLastConversation); v != "1_3" {
		t.Errorf("setting = %q, want 1_3", v)
	}
}

func TestTokenSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "besafe.db")
	ctx := context.Background()

	db, err := OpenMigrated(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := db.SetToken(ctx, "tok", "9"); err != nil {
		t.Fatal(err)
	}
	_ = db.Close()

	db, err = OpenMigrated(path)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	if tok, _ := db.Token(ctx); tok != "tok" {
		t.Errorf("Token() after reopen = %q, want tok", tok)
	}
}
