package database

import (
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

type PgVoiceChatRepository struct {
	conn *sql.DB
}

func NewPgVoiceChatRepository(dsn string, maxOpenConns int) (*PgVoiceChatRepository, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}

	if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
		db.SetMaxIdleConns(maxOpenConns)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return &PgVoiceChatRepository{conn: db}, nil
}

// NewPgVoiceChatRepositoryFromDB wraps an already opened connection pool.
func NewPgVoiceChatRepositoryFromDB(db *sql.DB) *PgVoiceChatRepository {
	return &PgVoiceChatRepository{conn: db}
}

func (db *PgVoiceChatRepository) DB() *sql.DB {
	return db.conn
}

func (db *PgVoiceChatRepository) Ping() error {
	return db.conn.Ping()
}

func (db *PgVoiceChatRepository) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}
