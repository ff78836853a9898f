package main

import (
    "context"
    "flag"
    "os"
    "os/signal"
    "syscall"

    "github.com/google/uuid"
    "github.com/redis/go-redis/v9"
    "github.com/rs/zerolog"
    "github.com/rs/zerolog/log"

    "github.com/fitdesk/fitdesk-server/internal/attendance"
    "github.com/fitdesk/fitdesk-server/internal/config"
    "github.com/fitdesk/fitdesk-server/internal/events"
    "github.com/fitdesk/fitdesk-server/internal/lock"
    "github.com/fitdesk/fitdesk-server/internal/scheduler"
    "github.com/fitdesk/fitdesk-server/internal/storage"
    "github.com/fitdesk/fitdesk-server/internal/terminal"
)

// terminal-sync 独立运行的考勤同步进程，适合部署在俱乐部本地网络
func main() {
    var (
        configFile string
        once       bool
        terminalID string
    )
    flag.StringVar(&configFile, "config", "config/fitdesk-server.yml", "Configuration file path")
    flag.BoolVar(&once, "once", false, "Sync once and exit")
    flag.StringVar(&terminalID, "terminal", "", "Only sync this terminal id (implies -once)")
    flag.Parse()

    log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
    zerolog.SetGlobalLevel(zerolog.InfoLevel)

    cfg, err := config.Load(configFile)
    if err != nil {
        log.Fatal().Err(err).Msg("Failed to load configuration")
    }
    if level, err := zerolog.ParseLevel(cfg.Log.Level); err == nil {
        zerolog.SetGlobalLevel(level)
    }

    loc, err := cfg.Location()
    if err != nil {
        log.Fatal().Err(err).Msg("Invalid timezone")
    }

    ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
    defer cancel()

    if cfg.Database.Driver == "memory" {
        log.Fatal().Msg("terminal-sync needs a shared database, memory driver is not supported")
    }
    store, err := storage.NewPostgresStore(cfg.Database.DSN, storage.PoolOptions{
        MaxOpenConns:    cfg.Database.MaxOpenConns,
        MaxIdleConns:    cfg.Database.MaxIdleConns,
        ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
    })
    if err != nil {
        log.Fatal().Err(err).Msg("Failed to connect to database")
    }
    defer store.Close()

    opts := attendance.Options{
        Window:    cfg.Terminals.CheckInWindow,
        LockTTL:   cfg.Redis.LockTTL,
        Publisher: events.Nop{},
    }

    // 与主服务共用 Redis 锁，避免同一终端被同时连接
    if cfg.Redis.Addr != "" {
        rdb := redis.NewClient(&redis.Options{
            Addr:     cfg.Redis.Addr,
            Password: cfg.Redis.Password,
            DB:       cfg.Redis.DB,
        })
        defer rdb.Close()
        opts.Locker = lock.NewRedisLocker(rdb)
    }

    if cfg.NATS.URL != "" {
        nc, err := events.Connect(events.ConnectOptions{
            URL:               cfg.NATS.URL,
            Name:              cfg.NATS.ClientID + "-sync",
            Username:          cfg.NATS.Username,
            Password:          cfg.NATS.Password,
            MaxReconnects:     cfg.NATS.MaxReconnects,
            ReconnectInterval: cfg.NATS.ReconnectInterval,
        })
        if err != nil {
            log.Warn().Err(err).Msg("Failed to connect to NATS, events will not be published")
        } else {
            defer nc.Close()
            opts.Publisher = events.NewNATSPublisher(nc)
        }
    }

    syncer := attendance.NewSyncer(store, attendance.SessionFactory(terminal.Options{
        ConnectTimeout: cfg.Terminals.ConnectTimeout,
        CommandTimeout: cfg.Terminals.CommandTimeout,
        IdleTimeout:    cfg.Terminals.IdleTimeout,
        UserRecordSize: cfg.Terminals.UserRecordSize,
        Location:       loc,
    }), opts)

    if terminalID != "" {
        id, err := uuid.Parse(terminalID)
        if err != nil {
            log.Fatal().Err(err).Msg("Invalid terminal id")
        }
        t, err := store.GetTerminal(ctx, id)
        if err != nil {
            log.Fatal().Err(err).Msg("Failed to load terminal")
        }
        res, err := syncer.SyncTerminal(ctx, t)
        logResult(res)
        if err != nil {
            log.Fatal().Err(err).Msg("Sync failed")
        }
        return
    }

    if once {
        results, err := syncer.SyncAll(ctx)
        for _, res := range results {
            logResult(res)
        }
        if err != nil {
            log.Fatal().Err(err).Msg("Sync failed")
        }
        return
    }

    sched := scheduler.New(syncer, nil, nil, scheduler.Options{
        SyncSpec: cfg.Terminals.SyncSpec,
        Location: loc,
    })
    if err := sched.Register(); err != nil {
        log.Fatal().Err(err).Msg("Failed to register sync job")
    }

    log.Info().Str("spec", cfg.Terminals.SyncSpec).Msg("Terminal sync running")
    if err := sched.Start(ctx); err != nil {
        log.Error().Err(err).Msg("Scheduler stopped")
    }
    log.Info().Msg("Terminal sync stopped")
}

func logResult(res *attendance.Result) {
    if res == nil {
        return
    }
    log.Info().
        Str("terminalID", res.TerminalID.String()).
        Int("punches", res.Punches).
        Int("checkIns", res.CheckIns).
        Int("duplicates", res.Duplicates).
        Int("unknown", res.Unknown).
        Bool("truncated", res.Truncated).
        Str("error", res.Error).
        Msg("同步完成")
}
