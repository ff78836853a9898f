package main

import (
    "context"
    "errors"
    "flag"
    "fmt"
    "net/http"
    "os"
    "os/signal"
    "strings"
    "sync"
    "syscall"

    "github.com/nats-io/nats.go"
    "github.com/redis/go-redis/v9"
    "github.com/rs/zerolog"
    "github.com/rs/zerolog/log"

    "github.com/fitdesk/fitdesk-server/internal/api"
    "github.com/fitdesk/fitdesk-server/internal/attendance"
    "github.com/fitdesk/fitdesk-server/internal/auth"
    "github.com/fitdesk/fitdesk-server/internal/campaign"
    "github.com/fitdesk/fitdesk-server/internal/config"
    "github.com/fitdesk/fitdesk-server/internal/events"
    "github.com/fitdesk/fitdesk-server/internal/integration"
    "github.com/fitdesk/fitdesk-server/internal/lock"
    "github.com/fitdesk/fitdesk-server/internal/messenger"
    "github.com/fitdesk/fitdesk-server/internal/models"
    "github.com/fitdesk/fitdesk-server/internal/scheduler"
    "github.com/fitdesk/fitdesk-server/internal/server"
    "github.com/fitdesk/fitdesk-server/internal/storage"
    "github.com/fitdesk/fitdesk-server/internal/terminal"
)

func main() {
    // Command line flags
    var (
        configFile string
        validate   bool
        showConfig bool
    )
    flag.StringVar(&configFile, "config", "config/fitdesk-server.yml", "Configuration file path")
    flag.BoolVar(&validate, "validate", false, "Validate configuration and exit")
    flag.BoolVar(&showConfig, "show-config", false, "Print configuration summary")
    flag.Parse()

    // Setup logging
    log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
    zerolog.SetGlobalLevel(zerolog.InfoLevel)

    // Load configuration
    cfg, err := config.Load(configFile)
    if err != nil {
        log.Fatal().Err(err).Msg("Failed to load configuration")
    }

    if showConfig || validate {
        cfg.PrintConfigSummary()
    }
    if validate {
        fmt.Println("Configuration is valid")
        return
    }

    setupLogging(cfg)

    loc, err := cfg.Location()
    if err != nil {
        log.Fatal().Err(err).Msg("Invalid timezone")
    }

    // Create context
    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()

    store, err := openStore(ctx, cfg)
    if err != nil {
        log.Fatal().Err(err).Msg("Failed to open store")
    }
    defer store.Close()

    // Optional: NATS for event publishing and remote commands
    var (
        nc        *nats.Conn
        publisher events.Publisher = events.Nop{}
    )
    if cfg.NATS.URL != "" {
        nc, err = events.Connect(events.ConnectOptions{
            URL:               cfg.NATS.URL,
            Name:              cfg.NATS.ClientID,
            Username:          cfg.NATS.Username,
            Password:          cfg.NATS.Password,
            MaxReconnects:     cfg.NATS.MaxReconnects,
            ReconnectInterval: cfg.NATS.ReconnectInterval,
        })
        if err != nil {
            log.Warn().Err(err).Msg("Failed to connect to NATS, continuing without NATS support")
        } else {
            defer nc.Close()
            publisher = events.NewNATSPublisher(nc)
            log.Info().Str("url", cfg.NATS.URL).Msg("Connected to NATS")
        }
    } else {
        log.Info().Msg("NATS not configured, running in standalone mode")
    }

    // Terminal locks: Redis when several instances share the terminals
    var locker lock.Locker = lock.NewMemoryLocker()
    if cfg.Redis.Addr != "" {
        rdb := redis.NewClient(&redis.Options{
            Addr:     cfg.Redis.Addr,
            Password: cfg.Redis.Password,
            DB:       cfg.Redis.DB,
        })
        defer rdb.Close()
        if err := rdb.Ping(ctx).Err(); err != nil {
            log.Warn().Err(err).Msg("Redis unreachable, using in-process terminal locks")
        } else {
            locker = lock.NewRedisLocker(rdb)
            log.Info().Str("addr", cfg.Redis.Addr).Msg("Using Redis terminal locks")
        }
    }

    gw := newMessenger(cfg)

    engine := campaign.NewEngine(store,
        campaign.NewResolver(store, cfg.Campaigns.ReminderDays, loc),
        gw,
        campaign.Options{
            PacingDelay: cfg.Campaigns.PacingDelay,
            Publisher:   publisher,
        })

    syncer := attendance.NewSyncer(store,
        attendance.SessionFactory(terminal.Options{
            ConnectTimeout: cfg.Terminals.ConnectTimeout,
            CommandTimeout: cfg.Terminals.CommandTimeout,
            IdleTimeout:    cfg.Terminals.IdleTimeout,
            UserRecordSize: cfg.Terminals.UserRecordSize,
            StartCapture:   cfg.Terminals.StartCapture,
            Location:       loc,
        }),
        attendance.Options{
            Window:    cfg.Terminals.CheckInWindow,
            LockTTL:   cfg.Redis.LockTTL,
            Locker:    locker,
            Publisher: publisher,
        })

    // 上次进程退出时遗留的 RUNNING 活动
    if n, err := engine.ReconcileStale(ctx, cfg.Campaigns.StaleAfter); err != nil {
        log.Error().Err(err).Msg("Failed to reconcile stale campaigns")
    } else if n > 0 {
        log.Warn().Int("count", n).Msg("Stale campaigns cancelled")
    }

    if err := seedTerminals(ctx, store, cfg.Terminals.Seed); err != nil {
        log.Fatal().Err(err).Msg("Failed to seed terminals")
    }
    if err := bootstrapAdmin(ctx, store, cfg.Admin); err != nil {
        log.Fatal().Err(err).Msg("Failed to create admin account")
    }

    sched := scheduler.New(syncer, engine, store, scheduler.Options{
        SyncSpec:     cfg.Terminals.SyncSpec,
        ScheduleSpec: cfg.Campaigns.ScheduleSpec,
        Reminder: scheduler.ReminderOptions{
            Enabled:  cfg.Campaigns.Reminder.Enabled,
            Spec:     cfg.Campaigns.Reminder.Spec,
            Channel:  models.Channel(strings.ToUpper(cfg.Campaigns.Reminder.Channel)),
            Template: cfg.Campaigns.Reminder.Template,
        },
        Location: loc,
    })
    if err := sched.Register(); err != nil {
        log.Fatal().Err(err).Msg("Failed to register scheduled jobs")
    }

    apiServer := api.NewRESTServer(cfg, api.Services{
        Store:      store,
        Auth:       auth.NewJWTManager(&cfg.JWT, store),
        Campaigns:  engine,
        Attendance: syncer,
        Messenger:  gw,
    })

    // WaitGroup for services
    var wg sync.WaitGroup

    // Start API server
    wg.Add(1)
    go func() {
        defer wg.Done()
        addr := fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port)
        if err := apiServer.ListenAndServe(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
            log.Fatal().Err(err).Msg("REST API server failed")
        }
    }()

    wg.Add(1)
    go func() {
        defer wg.Done()
        if err := sched.Start(ctx); err != nil {
            log.Error().Err(err).Msg("Scheduler stopped")
        }
    }()

    if nc != nil {
        subscriber := server.NewNATSSubscriber(nc, store, syncer, engine)
        wg.Add(1)
        go func() {
            defer wg.Done()
            log.Info().Msg("Starting NATS subscriber")
            if err := subscriber.Start(ctx); err != nil {
                log.Error().Err(err).Msg("NATS subscriber stopped")
            }
        }()

        if fwd := newForwarder(nc, store, cfg); fwd != nil {
            wg.Add(1)
            go func() {
                defer wg.Done()
                log.Info().Msg("Starting event forwarder")
                if err := fwd.Start(ctx); err != nil {
                    log.Error().Err(err).Msg("Event forwarder stopped")
                }
            }()
        }
    }

    // Wait for signal
    sigChan := make(chan os.Signal, 1)
    signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

    sig := <-sigChan
    log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down")

    // Cancel context
    cancel()

    // Shutdown API server
    if err := apiServer.Shutdown(context.Background()); err != nil {
        log.Error().Err(err).Msg("Failed to shutdown API server gracefully")
    }

    // 等待正在发送的活动收尾
    engine.Stop()

    // Wait for all services
    wg.Wait()

    log.Info().Msg("FitDesk server stopped")
}

func setupLogging(cfg *config.Config) {
    level, err := zerolog.ParseLevel(cfg.Log.Level)
    if err != nil {
        level = zerolog.InfoLevel
    }
    zerolog.SetGlobalLevel(level)

    if cfg.Log.Format == "json" {
        log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
    }
}

func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
    if cfg.Database.Driver == "memory" {
        log.Warn().Msg("Using in-memory store, data is lost on exit")
        return storage.NewMemoryStore(), nil
    }

    pg, err := storage.NewPostgresStore(cfg.Database.DSN, storage.PoolOptions{
        MaxOpenConns:    cfg.Database.MaxOpenConns,
        MaxIdleConns:    cfg.Database.MaxIdleConns,
        ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
    })
    if err != nil {
        return nil, err
    }
    if cfg.Database.AutoMigrate {
        if err := pg.Migrate(ctx); err != nil {
            pg.Close()
            return nil, fmt.Errorf("migrate: %w", err)
        }
    }
    log.Info().Msg("Connected to database")
    return pg, nil
}

func newMessenger(cfg *config.Config) *messenger.Gateway {
    m := cfg.Messaging
    return messenger.New(messenger.Options{
        DefaultCountryCode:    m.DefaultCountryCode,
        Timeout:               m.Timeout,
        SMSEndpoint:           m.SMS.Endpoint,
        SMSAPIKey:             m.SMS.APIKey,
        SMSSender:             m.SMS.Sender,
        WhatsAppBaseURL:       m.WhatsApp.BaseURL,
        WhatsAppPhoneNumberID: m.WhatsApp.PhoneNumberID,
        WhatsAppAccessToken:   m.WhatsApp.AccessToken,
        SMTPHost:              m.Email.Host,
        SMTPPort:              m.Email.Port,
        SMTPUsername:          m.Email.Username,
        SMTPPassword:          m.Email.Password,
        EmailFrom:             m.Email.From,
        EmailName:             m.Email.FromName,
        EmailSubject:          m.Email.Subject,
    })
}

// newForwarder returns nil when neither a webhook nor an MQTT broker is set
func newForwarder(nc *nats.Conn, store storage.EventStore, cfg *config.Config) *integration.ForwarderService {
    var (
        httpCfg *integration.HTTPConfig
        mqttCfg *integration.MQTTConfig
    )
    if wh := cfg.Integration.Webhook; wh.URL != "" {
        httpCfg = &integration.HTTPConfig{Endpoint: wh.URL, Headers: wh.Headers, Timeout: wh.Timeout}
    }
    if mq := cfg.Integration.MQTT; mq.Broker != "" {
        mqttCfg = &integration.MQTTConfig{
            BrokerURL: mq.Broker,
            ClientID:  mq.ClientID,
            Username:  mq.Username,
            Password:  mq.Password,
            Topic:     mq.Topic,
            QoS:       mq.QoS,
        }
    }
    if httpCfg == nil && mqttCfg == nil {
        return nil
    }
    return integration.NewForwarderService(nc, store, httpCfg, mqttCfg)
}
