// Package migrate applies goose migrations from db/migrations at
// startup.
package migrate

import (
	"database/sql"
	"fmt"

	"github.com/pressly/goose/v3"
)

func Run(db *sql.DB, dir string) error {
	if dir == "" {
		dir = "db/migrations"
	}
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}
	if err := goose.Up(db, dir); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}
