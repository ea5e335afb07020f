// Command migrate applies the schema and verifies every nexus_* table
// exists. Exit codes: 1 for configuration problems, 2 for database failures.
package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/vendornexus/backend/internal/database"
)

func main() {
	_ = godotenv.Load()
	logger := log.New(log.Writer(), "[Migrate] ", log.LstdFlags)

	dbURL := os.Getenv("DB_URL")
	if dbURL == "" {
		logger.Println("DB_URL is required")
		os.Exit(1)
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		logger.Printf("opening database: %v", err)
		os.Exit(2)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if err := database.Migrate(ctx, db); err != nil {
		logger.Printf("applying schema: %v", err)
		os.Exit(2)
	}

	missing, err := database.VerifyTables(ctx, db)
	if err != nil {
		logger.Printf("verifying tables: %v", err)
		os.Exit(2)
	}
	if len(missing) > 0 {
		logger.Printf("missing tables after migration: %v", missing)
		os.Exit(2)
	}
	logger.Printf("schema up to date, %d tables present", len(database.RequiredTables))
}
