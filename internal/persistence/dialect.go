package persistence

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

//go:embed migrations
var migrationFS embed.FS

// Dialect captures the differences between the supported SQL backends.
type Dialect struct {
	// Name is also the database/sql driver name.
	Name       string
	migrations string
	dollar     bool
}

var (
	Postgres = Dialect{Name: "postgres", migrations: "migrations/postgres", dollar: true}
	SQLite   = Dialect{Name: "sqlite", migrations: "migrations/sqlite"}
)

// DialectFor maps a configured driver name onto a dialect.
func DialectFor(driver string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "postgres", "postgresql", "pq":
		return Postgres, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	default:
		return Dialect{}, fmt.Errorf("unsupported database driver %q", driver)
	}
}

// Placeholder returns the n-th (1-based) bind parameter.
func (d Dialect) Placeholder(n int) string {
	if d.dollar {
		return "$" + strconv.Itoa(n)
	}
	return "?"
}

// Rebind rewrites a query written with ? markers for this dialect.
func (d Dialect) Rebind(query string) string {
	if !d.dollar {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString(d.Placeholder(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Migrations returns the dialect's migration files.
func (d Dialect) Migrations() fs.FS {
	sub, err := fs.Sub(migrationFS, d.migrations)
	if err != nil {
		// the embedded tree is fixed at build time
		panic(fmt.Sprintf("persistence: %s migrations missing: %v", d.Name, err))
	}
	return sub
}

// Open connects and pings the database. SQLite file databases are opened in
// WAL mode with a busy timeout.
func Open(ctx context.Context, driver, dsn string) (*sql.DB, Dialect, error) {
	d, err := DialectFor(driver)
	if err != nil {
		return nil, Dialect{}, err
	}
	if d == SQLite && dsn != ":memory:" && !strings.Contains(dsn, "?") {
		dsn += "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	}

	db, err := sql.Open(d.Name, dsn)
	if err != nil {
		return nil, Dialect{}, fmt.Errorf("open %s: %w", d.Name, err)
	}
	if d == SQLite {
		// one writer connection; SQLite serializes writes anyway
		db.SetMaxOpenConns(1)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, Dialect{}, fmt.Errorf("ping %s: %w", d.Name, err)
	}
	return db, d, nil
}
