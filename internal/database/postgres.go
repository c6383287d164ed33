package database

import (
	"database/sql"
)

type PgCamplinkRepository struct {
	conn *sql.DB
}

func NewPgCamplinkRepository(dsn string) (*PgCamplinkRepository, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		return nil, err
	}

	return &PgCamplinkRepository{conn: db}, nil
}

func (db *PgCamplinkRepository) Ping() error {
	return db.conn.Ping()
}

func (db *PgCamplinkRepository) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}
