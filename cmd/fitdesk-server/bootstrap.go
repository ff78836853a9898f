package main

import (
    "context"
    "errors"
    "fmt"

    "github.com/rs/zerolog/log"

    "github.com/fitdesk/fitdesk-server/internal/config"
    "github.com/fitdesk/fitdesk-server/internal/models"
    "github.com/fitdesk/fitdesk-server/internal/storage"
    "github.com/fitdesk/fitdesk-server/pkg/crypto"
)

// seedTerminals writes the configured terminals when the store has none
func seedTerminals(ctx context.Context, store storage.TerminalStore, seed []config.TerminalSeed) error {
    if len(seed) == 0 {
        return nil
    }

    existing, err := store.ListTerminals(ctx, false)
    if err != nil {
        return fmt.Errorf("list terminals: %w", err)
    }
    if len(existing) > 0 {
        return nil
    }

    for _, s := range seed {
        t := &models.Terminal{
            Name:    s.Name,
            Host:    s.Host,
            Port:    s.Port,
            CommKey: s.CommKey,
            Enabled: true,
        }
        if err := store.CreateTerminal(ctx, t); err != nil {
            return fmt.Errorf("create terminal %s: %w", s.Name, err)
        }
        log.Info().Str("terminal", t.Name).Str("addr", t.Address()).Msg("终端已从配置导入")
    }
    return nil
}

// bootstrapAdmin creates the configured admin account if it does not exist.
// Without a configured password one is generated and logged once.
func bootstrapAdmin(ctx context.Context, store storage.UserStore, cfg config.AdminConfig) error {
    _, err := store.GetUserByEmail(ctx, cfg.Email)
    if err == nil {
        return nil
    }
    if !errors.Is(err, storage.ErrNotFound) {
        return fmt.Errorf("get admin: %w", err)
    }

    password := cfg.Password
    generated := password == ""
    if generated {
        password, err = crypto.GenerateRandomString(18)
        if err != nil {
            return fmt.Errorf("generate password: %w", err)
        }
    }

    hash, err := crypto.HashPassword(password)
    if err != nil {
        return fmt.Errorf("hash password: %w", err)
    }

    user := &models.User{
        Email:        cfg.Email,
        FullName:     "Administrator",
        PasswordHash: hash,
        Role:         models.UserRoleAdmin,
        IsActive:     true,
    }
    if err := store.CreateUser(ctx, user); err != nil {
        return fmt.Errorf("create admin: %w", err)
    }

    ev := log.Warn().Str("email", user.Email)
    if generated {
        ev = ev.Str("password", password)
    }
    ev.Msg("Admin account created, change the password after first login")
    return nil
}
