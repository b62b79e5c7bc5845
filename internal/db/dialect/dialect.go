// Package dialect holds the SQL fragments that differ between the SQLite
// and PostgreSQL backends, keyed by sqlx driver name.
package dialect

const (
	SQLite3 = "sqlite3"
	PGX     = "pgx"
)

// IsPostgres reports whether the driver is the pgx stdlib driver.
func IsPostgres(driver string) bool {
	return driver == PGX
}

// BoolToInt maps a bool onto the 0/1 integer columns used for flags like
// is_streaming.
func BoolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}
