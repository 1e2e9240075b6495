package herbstore

import "fmt"

// Config selects and configures a backend.
type Config struct {
	Driver string // sqlite or postgres
	Path   string // sqlite file
	DSN    string // postgres connection string
}

// Open returns the backend named by cfg.Driver. An empty driver means sqlite.
func Open(cfg Config) (Store, error) {
	switch cfg.Driver {
	case "", "sqlite", "sqlite3":
		return OpenSQLite(cfg.Path)
	case "postgres", "postgresql":
		if cfg.DSN == "" {
			return nil, fmt.Errorf("postgres driver requires a DSN")
		}
		return OpenPostgres(cfg.DSN)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownDriver, cfg.Driver)
	}
}
