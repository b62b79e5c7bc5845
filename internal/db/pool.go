package db

import "github.com/jmoiron/sqlx"

// Pool splits database access into a write side and a read side.
//
// On SQLite the writer holds the single connection every mutation goes
// through (chunk appends, run transitions), while the reader serves listing
// and catch-up queries from its own WAL-snapshot connections. On Postgres
// both sides are the same *sqlx.DB; pgx pools internally.
type Pool struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

func NewPool(writer, reader *sqlx.DB) *Pool {
	return &Pool{writer: writer, reader: reader}
}

// Writer returns the connection used for mutations and transactions.
func (p *Pool) Writer() *sqlx.DB { return p.writer }

// Reader returns the connection pool used for queries.
func (p *Pool) Reader() *sqlx.DB { return p.reader }

// Close closes both sides. When writer and reader share one *sqlx.DB
// (Postgres) it is closed once.
func (p *Pool) Close() error {
	wErr := p.writer.Close()
	if p.reader != p.writer {
		if rErr := p.reader.Close(); rErr != nil && wErr == nil {
			return rErr
		}
	}
	return wErr
}
