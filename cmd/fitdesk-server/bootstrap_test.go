package main

import (
    "context"
    "testing"

    "github.com/fitdesk/fitdesk-server/internal/config"
    "github.com/fitdesk/fitdesk-server/internal/models"
    "github.com/fitdesk/fitdesk-server/internal/storage"
    "github.com/fitdesk/fitdesk-server/pkg/crypto"
)

func TestBootstrapAdmin(t *testing.T) {
    ctx := context.Background()
    store := storage.NewMemoryStore()
    cfg := config.AdminConfig{Email: "owner@club.ma", Password: "s3cret-pass"}

    if err := bootstrapAdmin(ctx, store, cfg); err != nil {
        t.Fatal(err)
    }
    u, err := store.GetUserByEmail(ctx, cfg.Email)
    if err != nil {
        t.Fatal(err)
    }
    if u.Role != models.UserRoleAdmin || !u.IsActive || !crypto.VerifyPassword(cfg.Password, u.PasswordHash) {
        t.Errorf("admin = %+v", u)
    }

    // second start leaves the account alone
    if err := bootstrapAdmin(ctx, store, config.AdminConfig{Email: cfg.Email, Password: "other"}); err != nil {
        t.Fatal(err)
    }
    u, _ = store.GetUserByEmail(ctx, cfg.Email)
    if !crypto.VerifyPassword(cfg.Password, u.PasswordHash) {
        t.Error("existing admin password was replaced")
    }
}

func TestSeedTerminals(t *testing.T) {
    ctx := context.Background()
    store := storage.NewMemoryStore()
    seed := []config.TerminalSeed{
        {Name: "entrance", Host: "10.0.0.10", Port: 4370},
        {Name: "studio", Host: "10.0.0.11", Port: 4370, CommKey: 1234},
    }

    if err := seedTerminals(ctx, store, seed); err != nil {
        t.Fatal(err)
    }
    if err := seedTerminals(ctx, store, seed); err != nil {
        t.Fatal(err)
    }

    terminals, err := store.ListTerminals(ctx, false)
    if err != nil {
        t.Fatal(err)
    }
    if len(terminals) != 2 {
        t.Fatalf("got %d terminals, want 2", len(terminals))
    }
}
