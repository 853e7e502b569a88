package main

import (
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/lib/pq"

	"outreach/internal/config"
)

// ANSI color codes for terminal output
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
)

const (
	seedUserPrefix = "seed_user_"
	seedGroupName  = "Seed Prospects"
	seedTaskName   = "Seed Outreach"
)

// Command-line flags
var (
	usersCount = flag.Int("users", 12, "Number of users to create")
	withTask   = flag.Bool("task", true, "Create a pending message task targeting the seed group")
	clearData  = flag.Bool("clear", false, "Clear existing seed data before inserting")
	showHelp   = flag.Bool("help", false, "Show usage information")
)

type seedTemplate struct {
	name      string
	content   string
	variables []string
	isDefault bool
}

var seedTemplates = []seedTemplate{
	{
		name:      "Seed Welcome",
		content:   `Hi {display_name}! Loved your posts from {city}.\nWe have {offer} for creators like you.`,
		variables: []string{"display_name", "city", "offer"},
		isDefault: true,
	},
	{
		name:      "Seed Follow Up",
		content:   "Hey {username}, just checking in about {offer}. Any questions?",
		variables: []string{"username", "offer"},
	},
}

func main() {
	flag.Parse()

	if *showHelp {
		printUsage()
		os.Exit(0)
	}

	// Load .env file (ignore error if not present)
	_ = godotenv.Load()

	printInfo("=== Outreach Database Seeder ===\n")

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

	if *clearData {
		if err := clearSeedData(db); err != nil {
			printError(fmt.Sprintf("Failed to clear seed data: %v", err))
			os.Exit(1)
		}
	}

	if err := run(db); err != nil {
		printError(err.Error())
		os.Exit(1)
	}

	printInfo("\nSeeding completed successfully!")
}

func run(db *sql.DB) error {
	userIDs, created, err := seedUsers(db, *usersCount)
	if err != nil {
		return fmt.Errorf("failed to seed users: %w", err)
	}

	groupID, err := seedGroup(db, userIDs)
	if err != nil {
		return fmt.Errorf("failed to seed group: %w", err)
	}

	templateIDs, err := seedMessageTemplates(db)
	if err != nil {
		return fmt.Errorf("failed to seed templates: %w", err)
	}

	tasksCreated := 0
	if *withTask && len(templateIDs) > 0 {
		tasksCreated, err = seedTask(db, templateIDs[0], groupID, len(userIDs))
		if err != nil {
			return fmt.Errorf("failed to seed task: %w", err)
		}
	}

	printInfo("\n=== Seeding Summary ===")
	printSuccess(fmt.Sprintf("✓ Users created: %d", created))
	printSuccess(fmt.Sprintf("✓ Group %q holds %d member(s)", seedGroupName, len(userIDs)))
	printSuccess(fmt.Sprintf("✓ Templates available: %d", len(templateIDs)))
	printSuccess(fmt.Sprintf("✓ Tasks created: %d", tasksCreated))
	return nil
}

// clearSeedData removes existing seed data
func clearSeedData(db *sql.DB) error {
	printWarning("Clearing existing seed data...")

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Messages go with their task through ON DELETE CASCADE
	if _, err := tx.Exec("DELETE FROM message_tasks WHERE name = $1", seedTaskName); err != nil {
		return fmt.Errorf("failed to delete tasks: %w", err)
	}

	names := make([]string, len(seedTemplates))
	for i, t := range seedTemplates {
		names[i] = t.name
	}
	if _, err := tx.Exec("DELETE FROM message_templates WHERE name = ANY($1)", pq.Array(names)); err != nil {
		return fmt.Errorf("failed to delete templates: %w", err)
	}

	if _, err := tx.Exec("DELETE FROM user_groups WHERE name = $1", seedGroupName); err != nil {
		return fmt.Errorf("failed to delete group: %w", err)
	}

	if _, err := tx.Exec("DELETE FROM users WHERE username LIKE $1", seedUserPrefix+"%"); err != nil {
		return fmt.Errorf("failed to delete users: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	printSuccess("✓ Seed data cleared\n")
	return nil
}

// seedUsers inserts users and returns the ids of every seed user, old or new
func seedUsers(db *sql.DB, count int) ([]int64, int, error) {
	printInfo(fmt.Sprintf("Seeding %d users...", count))

	displayNames := []string{"Amina Otieno", "Brian Mwangi", "Chloe Njeri", "David Kiprop", "Esther Wambui", "Felix Ouma", "Grace Achieng", "Hassan Ali", "Irene Chebet", "Joseph Kamau"}
	cities := []string{"Nairobi", "Mombasa", "Kisumu", "Eldoret", "Nakuru", "Thika"}
	niches := []string{"travel", "food", "fitness", "fashion", "tech", "music"}

	ids := make([]int64, 0, count)
	created := 0
	for i := 1; i <= count; i++ {
		username := fmt.Sprintf("%s%03d", seedUserPrefix, i)

		// Every fifth user has no display name
		var displayName *string
		if i%5 != 0 {
			displayName = stringPtr(displayNames[i%len(displayNames)])
		}

		profile := map[string]interface{}{
			"niche":     niches[i%len(niches)],
			"followers": 1000 * i,
		}
		if i%4 != 0 {
			profile["city"] = cities[i%len(cities)]
		}
		profileJSON, err := json.Marshal(profile)
		if err != nil {
			return ids, created, err
		}

		// Inserted rows report created; existing rows still return their id
		query := `
			WITH inserted AS (
				INSERT INTO users (platform, username, display_name, profile_data)
				VALUES ('instagram', $1, $2, $3)
				ON CONFLICT (platform, username) DO NOTHING
				RETURNING id
			)
			SELECT id, TRUE FROM inserted
			UNION ALL
			SELECT id, FALSE FROM users WHERE platform = 'instagram' AND username = $1
			LIMIT 1
		`

		var (
			id       int64
			inserted bool
		)
		if err := db.QueryRow(query, username, displayName, string(profileJSON)).Scan(&id, &inserted); err != nil {
			return ids, created, fmt.Errorf("failed to insert user %s: %w", username, err)
		}

		ids = append(ids, id)
		if inserted {
			created++
		}
	}

	printSuccess(fmt.Sprintf("✓ Seeded %d users (skipped %d existing)", created, count-created))
	return ids, created, nil
}

// seedGroup upserts the seed group and adds every seed user to it
func seedGroup(db *sql.DB, userIDs []int64) (int64, error) {
	printInfo(fmt.Sprintf("Seeding group %q...", seedGroupName))

	var groupID int64
	err := db.QueryRow(`
		INSERT INTO user_groups (name, description)
		VALUES ($1, 'Users created by the seeder')
		ON CONFLICT (name) DO UPDATE SET description = EXCLUDED.description
		RETURNING id
	`, seedGroupName).Scan(&groupID)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert group: %w", err)
	}

	added := 0
	for _, userID := range userIDs {
		result, err := db.Exec(`
			INSERT INTO user_group_members (group_id, user_id)
			VALUES ($1, $2)
			ON CONFLICT (group_id, user_id) DO NOTHING
		`, groupID, userID)
		if err != nil {
			return groupID, fmt.Errorf("failed to add user %d: %w", userID, err)
		}

		if rows, _ := result.RowsAffected(); rows > 0 {
			added++
		}
	}

	printSuccess(fmt.Sprintf("✓ Added %d member(s) to group %d", added, groupID))
	return groupID, nil
}

// seedMessageTemplates inserts templates missing by name and returns all seed template ids
func seedMessageTemplates(db *sql.DB) ([]int64, error) {
	printInfo(fmt.Sprintf("Seeding %d templates...", len(seedTemplates)))

	ids := make([]int64, 0, len(seedTemplates))
	for _, t := range seedTemplates {
		_, err := db.Exec(`
			INSERT INTO message_templates (name, content, platform, variables, is_default)
			SELECT $1, $2, 'instagram', $3, $4
			WHERE NOT EXISTS (SELECT 1 FROM message_templates WHERE name = $1)
		`, t.name, t.content, pq.Array(t.variables), t.isDefault)
		if err != nil {
			return ids, fmt.Errorf("failed to insert template %s: %w", t.name, err)
		}

		var id int64
		if err := db.QueryRow("SELECT id FROM message_templates WHERE name = $1 ORDER BY id LIMIT 1", t.name).Scan(&id); err != nil {
			return ids, fmt.Errorf("failed to read template %s: %w", t.name, err)
		}
		ids = append(ids, id)
	}

	printSuccess(fmt.Sprintf("✓ Seeded templates %v", ids))
	return ids, nil
}

// seedTask creates one pending task aimed at the seed group unless it exists
func seedTask(db *sql.DB, templateID, groupID int64, totalUsers int) (int, error) {
	printInfo(fmt.Sprintf("Seeding task %q...", seedTaskName))

	result, err := db.Exec(`
		INSERT INTO message_tasks (name, description, template_id, group_ids, total_users, settings, variables)
		SELECT $1, 'Pending task created by the seeder', $2, $3, $4, $5, $6
		WHERE NOT EXISTS (SELECT 1 FROM message_tasks WHERE name = $1)
	`, seedTaskName, templateID, pq.Array([]int64{groupID}), totalUsers,
		`{"interval": 30, "daily_limit": 200}`, `{"offer": "a free collab kit"}`)
	if err != nil {
		return 0, err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		printWarning("Task already exists, skipped")
	}
	return int(rows), nil
}

// Helper functions

// stringPtr returns a pointer to a string
func stringPtr(s string) *string {
	return &s
}

// printSuccess prints a success message in green
func printSuccess(msg string) {
	fmt.Printf("%s%s%s\n", colorGreen, msg, colorReset)
}

// printError prints an error message in red
func printError(msg string) {
	fmt.Fprintf(os.Stderr, "%s%s%s\n", colorRed, msg, colorReset)
}

// printInfo prints an info message in cyan
func printInfo(msg string) {
	fmt.Printf("%s%s%s\n", colorCyan, msg, colorReset)
}

// printWarning prints a warning message in yellow
func printWarning(msg string) {
	fmt.Printf("%s%s%s\n", colorYellow, msg, colorReset)
}

// printUsage displays usage information
func printUsage() {
	printInfo("=== Outreach Database Seeder ===\n")
	fmt.Println("Usage: go run ./cmd/seed [flags]")
	fmt.Println("\nFlags:")
	flag.PrintDefaults()
	fmt.Println("\nExamples:")
	fmt.Println("  go run ./cmd/seed")
	fmt.Println("  go run ./cmd/seed -users=40")
	fmt.Println("  go run ./cmd/seed -clear -task=false")
	fmt.Println("\nNotes:")
	fmt.Println("  - Users are created as instagram accounts named seed_user_NNN")
	fmt.Println("  - The seeder is idempotent; running it again won't create duplicates")
	fmt.Println("  - Use -clear to remove existing seed data before inserting new data")
}
