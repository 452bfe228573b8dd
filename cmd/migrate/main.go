package main

import (
	"fmt"
	"log"
	"os"
	"sort"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

func main() {
	dbHost := os.Getenv("DB_HOST")
	if dbHost == "" {
		dbHost = "localhost"
	}
	connStr := fmt.Sprintf("postgres://%s:%s@%s:5432/%s?sslmode=%s",
		envOr("DB_USER", "scimgate"),
		envOr("DB_PASSWORD", "scimgate"),
		dbHost,
		envOr("DB_NAME", "scimgate"),
		envOr("DB_SSLMODE", "disable"),
	)

	db, err := sqlx.Connect("postgres", connStr)
	if err != nil {
		log.Fatalln(err)
	}

	files, err := os.ReadDir("migrations")
	if err != nil {
		log.Fatalf("Failed to read migrations directory: %v", err)
	}

	var upMigrations []string
	for _, f := range files {
		if strings.HasSuffix(f.Name(), ".up.sql") {
			upMigrations = append(upMigrations, f.Name())
		}
	}
	sort.Strings(upMigrations)

	for _, filename := range upMigrations {
		fmt.Printf("Applying migration: %s\n", filename)
		content, err := os.ReadFile("migrations/" + filename)
		if err != nil {
			log.Fatalf("Failed to read migration file %s: %v", filename, err)
		}
		if _, err := db.Exec(string(content)); err != nil {
			// Statements use IF NOT EXISTS; anything else is worth a warning
			// but not an abort on a partially migrated database.
			log.Printf("Warning applying %s: %v", filename, err)
		} else {
			fmt.Printf("Successfully applied %s\n", filename)
		}
	}

	fmt.Println("All migrations processed!")
}

func envOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
