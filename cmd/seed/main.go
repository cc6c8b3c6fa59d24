package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"

	"github.com/acgh213/repairdesk/internal/auth"
	"github.com/acgh213/repairdesk/internal/db"
	"github.com/acgh213/repairdesk/internal/session"
	"github.com/acgh213/repairdesk/internal/store"
)

func main() {
	_ = godotenv.Load()

	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		log.Fatal("DATABASE_URL is required")
	}
	driver := os.Getenv("DATABASE_DRIVER")
	if driver == "" {
		driver = "postgres"
	}
	username := os.Getenv("SEED_ADMIN_USERNAME")
	if username == "" {
		username = "admin"
	}

	password := os.Getenv("SEED_ADMIN_PASSWORD")
	generated := password == ""
	if generated {
		token, err := session.GenerateToken()
		if err != nil {
			log.Fatalf("failed to generate password: %v", err)
		}
		password = token[:20]
	} else if len(password) < 12 {
		log.Fatal("SEED_ADMIN_PASSWORD must be at least 12 characters")
	}

	ctx := context.Background()

	stores, err := db.OpenStores(ctx, driver, databaseURL)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer stores.Close()

	if _, err := stores.Users.GetByUsername(ctx, username); err == nil {
		fmt.Printf("User %q already exists. Skipping seed.\n", username)
		return
	} else if !errors.Is(err, store.ErrNotFound) {
		log.Fatalf("failed to query users: %v", err)
	}

	passwordHash, err := auth.HashPassword(password)
	if err != nil {
		log.Fatalf("failed to hash password: %v", err)
	}

	u := &store.User{
		Username:     username,
		Email:        os.Getenv("SEED_ADMIN_EMAIL"),
		Name:         "Administrator",
		PasswordHash: passwordHash,
		Role:         store.RoleAdmin,
	}
	if err := stores.Users.Create(ctx, u); err != nil {
		log.Fatalf("failed to create user: %v", err)
	}
	fmt.Printf("Created admin user: %s (%s)\n", u.ID, u.Username)

	fmt.Println("\n=== Seed Complete ===")
	fmt.Println("Login with:")
	fmt.Printf("  Username: %s\n", username)
	if generated {
		fmt.Printf("  Password: %s\n", password)
		fmt.Println("\nThis password is shown once. Store it now.")
	}
}
