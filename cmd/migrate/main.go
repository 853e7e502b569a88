package main

import (
	"database/sql"
	"fmt"
	"io/fs"
	"os"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"outreach/internal/config"
	"outreach/migrations"
)

// ANSI color codes for terminal output
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

// Pattern: 001_name.sql, rollbacks are 001_name.down.sql
var migrationPattern = regexp.MustCompile(`^(\d{3})_(.+)\.sql$`)

const downSuffix = ".down"

// Migration represents a database migration
type Migration struct {
	Version   int
	Name      string
	FilePath  string
	Applied   bool
	AppliedAt *time.Time
}

func main() {
	// Load .env file (ignore error if not present)
	_ = godotenv.Load()

	command := "help"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}

	switch command {
	case "up", "down", "status", "reset", "seed":
	default:
		printUsage()
		if command != "help" {
			os.Exit(1)
		}
		os.Exit(0)
	}

	printInfo("=== Outreach Migration Runner ===\n")

	cfg, err := config.Load()
	if err != nil {
		printError(fmt.Sprintf("Failed to load configuration: %v", err))
		os.Exit(1)
	}

	printInfo("Connecting to database...")
	db, err := sql.Open("postgres", cfg.GetDatabaseDSN())
	if err != nil {
		printError(fmt.Sprintf("Failed to open database connection: %v", err))
		os.Exit(1)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		printError(fmt.Sprintf("Failed to ping database: %v", err))
		os.Exit(1)
	}
	printSuccess("✓ Connected to database\n")

	if err := createMigrationTable(db); err != nil {
		printError(fmt.Sprintf("Failed to create migration table: %v", err))
		os.Exit(1)
	}

	var runErr error
	switch command {
	case "up":
		runErr = runUp(db, migrations.FS)
	case "down":
		runErr = runDown(db, migrations.FS)
	case "status":
		runErr = showMigrationStatus(db, migrations.FS)
	case "reset":
		runErr = runReset(db, migrations.FS)
	case "seed":
		runErr = runSeedMigrations(db, migrations.FS)
	}
	if runErr != nil {
		printError(fmt.Sprintf("%s failed: %v", command, runErr))
		os.Exit(1)
	}

	printInfo("\n✨ Operation completed successfully!")
}

// createMigrationTable creates the schema_migrations tracking table
func createMigrationTable(db *sql.DB) error {
	query := `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INT PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);
	`

	if _, err := db.Exec(query); err != nil {
		return fmt.Errorf("failed to create schema_migrations table: %w", err)
	}

	return nil
}

// getAppliedMigrations retrieves all applied migrations from database
func getAppliedMigrations(db *sql.DB) (map[int]Migration, error) {
	rows, err := db.Query(`SELECT version, name, applied_at FROM schema_migrations ORDER BY version`)
	if err != nil {
		return nil, fmt.Errorf("failed to query applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int]Migration)
	for rows.Next() {
		var m Migration
		if err := rows.Scan(&m.Version, &m.Name, &m.AppliedAt); err != nil {
			return nil, fmt.Errorf("failed to scan migration row: %w", err)
		}
		m.Applied = true
		applied[m.Version] = m
	}

	return applied, rows.Err()
}

// getMigrationFiles lists the forward migrations in dir, sorted by version
func getMigrationFiles(fsys fs.FS, dir string) ([]Migration, error) {
	files, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", dir, err)
	}

	var found []Migration
	for _, file := range files {
		if file.IsDir() {
			continue
		}

		matches := migrationPattern.FindStringSubmatch(file.Name())
		if len(matches) != 3 || strings.HasSuffix(matches[2], downSuffix) {
			continue
		}

		version, err := strconv.Atoi(matches[1])
		if err != nil {
			continue
		}

		found = append(found, Migration{
			Version:  version,
			Name:     matches[2],
			FilePath: path.Join(dir, file.Name()),
		})
	}

	sort.Slice(found, func(i, j int) bool {
		return found[i].Version < found[j].Version
	})

	return found, nil
}

// downFile names the rollback script of a migration
func downFile(m Migration) string {
	return fmt.Sprintf("%03d_%s%s.sql", m.Version, m.Name, downSuffix)
}

// pendingMigrations returns the files not yet recorded in applied
func pendingMigrations(files []Migration, applied map[int]Migration) []Migration {
	var pending []Migration
	for _, m := range files {
		if _, ok := applied[m.Version]; !ok {
			pending = append(pending, m)
		}
	}
	return pending
}

// runUp applies all pending migrations
func runUp(db *sql.DB, fsys fs.FS) error {
	printInfo("Running pending migrations...\n")

	applied, err := getAppliedMigrations(db)
	if err != nil {
		return err
	}

	files, err := getMigrationFiles(fsys, ".")
	if err != nil {
		return err
	}

	pending := pendingMigrations(files, applied)
	if len(pending) == 0 {
		printSuccess("✓ All migrations are up to date")
		return nil
	}

	for _, m := range pending {
		if err := runMigration(db, fsys, m); err != nil {
			return fmt.Errorf("failed to apply migration %03d_%s: %w", m.Version, m.Name, err)
		}
	}

	printSuccess(fmt.Sprintf("\n✓ Successfully applied %d migration(s)", len(pending)))
	return nil
}

// runMigration executes a single migration file and records it
func runMigration(db *sql.DB, fsys fs.FS, m Migration) error {
	printInfo(fmt.Sprintf("Applying migration %03d_%s...", m.Version, m.Name))

	content, err := fs.ReadFile(fsys, m.FilePath)
	if err != nil {
		return fmt.Errorf("failed to read migration file: %w", err)
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(string(content)); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}

	if _, err := tx.Exec("INSERT INTO schema_migrations (version, name) VALUES ($1, $2)", m.Version, m.Name); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	printSuccess(fmt.Sprintf("  ✓ Migration %03d applied successfully", m.Version))
	return nil
}

// runDown rolls back the last applied migration
func runDown(db *sql.DB, fsys fs.FS) error {
	printInfo("Rolling back last migration...\n")

	applied, err := getAppliedMigrations(db)
	if err != nil {
		return err
	}

	if len(applied) == 0 {
		printWarning("No migrations to rollback")
		return nil
	}

	last := applied[descendingVersions(applied)[0]]
	if err := rollbackMigration(db, fsys, last); err != nil {
		return fmt.Errorf("failed to rollback migration %03d_%s: %w", last.Version, last.Name, err)
	}

	printSuccess(fmt.Sprintf("✓ Successfully rolled back migration %03d_%s", last.Version, last.Name))
	return nil
}

// descendingVersions returns applied versions, newest first
func descendingVersions(applied map[int]Migration) []int {
	versions := make([]int, 0, len(applied))
	for version := range applied {
		versions = append(versions, version)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(versions)))
	return versions
}

// rollbackMigration runs the migration's down script and forgets it
func rollbackMigration(db *sql.DB, fsys fs.FS, m Migration) error {
	dropSQL, err := fs.ReadFile(fsys, downFile(m))
	if err != nil {
		return fmt.Errorf("no rollback defined for migration %03d: %w", m.Version, err)
	}

	printInfo(fmt.Sprintf("Rolling back migration %03d...", m.Version))

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(string(dropSQL)); err != nil {
		return fmt.Errorf("failed to execute rollback SQL: %w", err)
	}

	if _, err := tx.Exec("DELETE FROM schema_migrations WHERE version = $1", m.Version); err != nil {
		return fmt.Errorf("failed to remove migration record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	printSuccess(fmt.Sprintf("  ✓ Migration %03d rolled back", m.Version))
	return nil
}

// runReset rolls back all migrations and reapplies them
func runReset(db *sql.DB, fsys fs.FS) error {
	printWarning("Resetting database (rollback all + reapply all)...\n")

	applied, err := getAppliedMigrations(db)
	if err != nil {
		return err
	}

	if len(applied) > 0 {
		printInfo("Rolling back all migrations...")
		for _, version := range descendingVersions(applied) {
			if err := rollbackMigration(db, fsys, applied[version]); err != nil {
				return err
			}
		}
		printSuccess("\n✓ All migrations rolled back\n")
	}

	printInfo("Reapplying all migrations...")
	return runUp(db, fsys)
}

// showMigrationStatus displays the current migration status
func showMigrationStatus(db *sql.DB, fsys fs.FS) error {
	printInfo("Migration Status:\n")

	applied, err := getAppliedMigrations(db)
	if err != nil {
		return err
	}

	files, err := getMigrationFiles(fsys, ".")
	if err != nil {
		return err
	}

	fmt.Printf("%s%-10s %-40s %-12s %-20s%s\n",
		colorBold, "VERSION", "NAME", "STATUS", "APPLIED AT", colorReset)
	fmt.Println(strings.Repeat("-", 85))

	appliedCount := 0
	for _, m := range files {
		status, statusColor, appliedAt := "pending", colorYellow, "-"

		if a, ok := applied[m.Version]; ok {
			appliedCount++
			status, statusColor = "applied", colorGreen
			if a.AppliedAt != nil {
				appliedAt = a.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}

		fmt.Printf("%-10s %-40s %s%-12s%s %-20s\n",
			fmt.Sprintf("%03d", m.Version), m.Name, statusColor, status, colorReset, appliedAt)
	}

	fmt.Println(strings.Repeat("-", 85))
	printInfo(fmt.Sprintf("\nSummary: %d/%d migrations applied", appliedCount, len(files)))

	return nil
}

// runSeedMigrations executes seed data files; they are idempotent and untracked
func runSeedMigrations(db *sql.DB, fsys fs.FS) error {
	printInfo("Running seed migrations...\n")

	seeds, err := getMigrationFiles(fsys, "seed")
	if err != nil {
		return err
	}

	if len(seeds) == 0 {
		printWarning("No seed files found in migrations/seed/")
		return nil
	}

	for _, m := range seeds {
		printInfo(fmt.Sprintf("Running seed %03d_%s...", m.Version, m.Name))

		content, err := fs.ReadFile(fsys, m.FilePath)
		if err != nil {
			return fmt.Errorf("failed to read seed file: %w", err)
		}

		if _, err := db.Exec(string(content)); err != nil {
			return fmt.Errorf("failed to execute seed SQL: %w", err)
		}

		printSuccess(fmt.Sprintf("  ✓ Seed %03d applied successfully", m.Version))
	}

	printSuccess(fmt.Sprintf("\n✓ Successfully ran %d seed migration(s)", len(seeds)))
	return nil
}

// Helper functions for colored output

func printSuccess(msg string) {
	fmt.Printf("%s%s%s\n", colorGreen, msg, colorReset)
}

func printError(msg string) {
	fmt.Fprintf(os.Stderr, "%s%s%s\n", colorRed, msg, colorReset)
}

func printInfo(msg string) {
	fmt.Printf("%s%s%s\n", colorCyan, msg, colorReset)
}

func printWarning(msg string) {
	fmt.Printf("%s%s%s\n", colorYellow, msg, colorReset)
}

func printUsage() {
	printInfo("=== Outreach Migration Runner ===\n")
	fmt.Println("Usage: go run ./cmd/migrate [command]")
	fmt.Println("\nCommands:")
	fmt.Println("  up       - Apply all pending migrations")
	fmt.Println("  down     - Rollback the last applied migration")
	fmt.Println("  status   - Show current migration status")
	fmt.Println("  reset    - Rollback all migrations and reapply them")
	fmt.Println("  seed     - Run seed data migrations only")
	fmt.Println("  help     - Show this help message")
	fmt.Println("\nMigration Files (embedded at build time):")
	fmt.Println("  Schema:    migrations/NNN_name.sql")
	fmt.Println("  Rollback:  migrations/NNN_name.down.sql")
	fmt.Println("  Seeds:     migrations/seed/NNN_name.sql")
}
