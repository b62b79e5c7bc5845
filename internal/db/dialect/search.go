package dialect

// Like returns the pattern-match operator for case-insensitive run search:
// ILIKE on Postgres, plain LIKE on SQLite (ASCII case-insensitive already).
func Like(driver string) string {
	if IsPostgres(driver) {
		return "ILIKE"
	}
	return "LIKE"
}
