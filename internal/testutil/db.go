package testutil

import (
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"
)

// Tests run from their package directory, two levels below the module root.
const migrationsSource = "file://../../migrations"

// TestDB is a migrated PostgreSQL database living as long as the test that created it.
type TestDB struct {
	DB      *sqlx.DB
	ConnStr string
}

// SetupTestDB starts PostgreSQL, applies the migrations and connects to it. Credentials come
// from DB_USERNAME, DB_PASSWORD and DB_NAME (or .env) and default to throwaway values.
func SetupTestDB(t *testing.T) *TestDB {
	t.Helper()
	_ = godotenv.Load("../../.env")

	user := envOr("DB_USERNAME", "goapprove")
	password := envOr("DB_PASSWORD", "goapprove")
	name := envOr("DB_NAME", "goapprove_test")
	host, port := startContainer(t, "postgres:15", "5432", map[string]string{
		"POSTGRES_USER":     user,
		"POSTGRES_PASSWORD": password,
		"POSTGRES_DB":       name,
	})
	connStr := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", user, password, host, port, name)

	db, err := connect(connStr)
	if err != nil {
		t.Fatalf("Failed to connect to test DB: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	m, err := migrate.New(migrationsSource, connStr)
	if err != nil {
		t.Fatalf("Failed to initialize migrations: %v", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		t.Fatalf("Failed to apply migrations: %v", err)
	}
	return &TestDB{DB: db, ConnStr: connStr}
}

// Teardown closes the connection pool early. The container is removed when the test ends.
func (td *TestDB) Teardown(t *testing.T) {
	if err := td.DB.Close(); err != nil {
		t.Errorf("Failed to close DB connection: %v", err)
	}
}

// connect retries the first ping: the port opens before PostgreSQL accepts logins.
func connect(connStr string) (*sqlx.DB, error) {
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	for i := 0; ; i++ {
		err = db.Ping()
		if err == nil {
			return db, nil
		}
		if i == 9 {
			_ = db.Close()
			return nil, errors.Wrap(err, "ping test DB")
		}
		time.Sleep(500 * time.Millisecond)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
