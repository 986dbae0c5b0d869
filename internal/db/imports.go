package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

var ErrNoImport = errors.New("no successful import")

// ResolveLatestImportDBName returns the db_name with the most recent imported_at
// from public.latest_successful_imports where db_name ILIKE '%city%'.
// meta must be connected to the cluster's 'postgres' database.
func ResolveLatestImportDBName(ctx context.Context, meta *sql.DB, city string) (string, error) {
	city = strings.TrimSpace(city)
	if city == "" {
		return "", fmt.Errorf("city is required")
	}
	q := `
SELECT db_name
FROM public.latest_successful_imports
WHERE db_name ILIKE '%' || $1 || '%'
ORDER BY imported_at DESC
LIMIT 1`
	var dbName sql.NullString
	if err := meta.QueryRowContext(ctx, q, city).Scan(&dbName); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("%w for city like %q", ErrNoImport, city)
		}
		return "", fmt.Errorf("query latest import: %w", err)
	}
	if !dbName.Valid || dbName.String == "" {
		return "", fmt.Errorf("%w: empty db_name for city like %q", ErrNoImport, city)
	}
	return dbName.String, nil
}

// ResolveCityDSN returns the DSN of the latest import for city, or base unchanged when city is empty.
func ResolveCityDSN(ctx context.Context, base, city string) (string, error) {
	if strings.TrimSpace(city) == "" {
		return base, nil
	}
	rootDSN, err := WithDBName(base, "postgres")
	if err != nil {
		return "", err
	}
	meta, err := Open(rootDSN)
	if err != nil {
		return "", fmt.Errorf("open meta db: %w", err)
	}
	defer meta.Close()
	if err := Ping(ctx, meta); err != nil {
		return "", fmt.Errorf("ping meta db: %w", err)
	}
	name, err := ResolveLatestImportDBName(ctx, meta, city)
	if err != nil {
		return "", err
	}
	log.Infof("using database %q for city %q", name, city)
	return WithDBName(base, name)
}
