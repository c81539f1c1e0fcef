// Seed inserts development sample data: one user per role and two machines.
// Idempotent: skips everything if the admin user already exists.
package main

import (
	"context"
	"log"
	"os"
	"time"

	"fleet-control-plane/backend/internal/config"
	"fleet-control-plane/backend/internal/db"
	machinedomain "fleet-control-plane/backend/internal/machine/domain"
	machinerepo "fleet-control-plane/backend/internal/machine/repository"
	"fleet-control-plane/backend/internal/security"
	userdomain "fleet-control-plane/backend/internal/user/domain"
	userrepo "fleet-control-plane/backend/internal/user/repository"
)

const devPassword = "password123"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL is not set; create a .env from .env.example or set DATABASE_URL")
	}

	conn, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer conn.Close()

	ctx := context.Background()
	users := userrepo.NewPostgresRepository(conn)
	machines := machinerepo.NewPostgresRepository(conn)

	existing, err := users.GetByUsername(ctx, "admin")
	if err != nil {
		log.Fatalf("seed check: %v", err)
	}
	if existing != nil {
		log.Println("seed already applied (admin exists), skipping")
		os.Exit(0)
	}

	hasher := security.NewHasher(cfg.BcryptCost)
	passwordHash, err := hasher.Hash([]byte(devPassword))
	if err != nil {
		log.Fatalf("hash password: %v", err)
	}

	now := time.Now().UTC()
	seedUsers := []userdomain.User{
		{ID: "dev-admin-001", Username: "admin", DisplayName: "Dev Admin", Role: userdomain.RoleAdmin},
		{ID: "dev-operator-001", Username: "operator", DisplayName: "Dev Operator", Role: userdomain.RoleOperator},
		{ID: "dev-viewer-001", Username: "viewer", DisplayName: "Dev Viewer", Role: userdomain.RoleViewer},
	}
	for _, u := range seedUsers {
		u.PasswordHash = passwordHash
		u.Active = true
		u.CreatedAt = now
		if err := users.Create(ctx, &u); err != nil {
			log.Fatalf("create user %s: %v", u.Username, err)
		}
	}

	seedMachines := []machinedomain.Machine{
		{ID: "M1", Name: "Mill 1", Model: "VMC-850", Location: "hall A", CreatedAt: now},
		{ID: "M2", Name: "Lathe 2", Model: "TL-220", Location: "hall B", CreatedAt: now},
	}
	for _, m := range seedMachines {
		if err := machines.Create(ctx, &m); err != nil {
			log.Fatalf("create machine %s: %v", m.ID, err)
		}
	}

	log.Printf("seeded %d users (password %q) and %d machines", len(seedUsers), devPassword, len(seedMachines))
}
