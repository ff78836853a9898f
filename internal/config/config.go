package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	API         APIConfig         `yaml:"api"`
	Database    DatabaseConfig    `yaml:"database"`
	Redis       RedisConfig       `yaml:"redis"`
	NATS        NATSConfig        `yaml:"nats"`
	JWT         JWTConfig         `yaml:"jwt"`
	Admin       AdminConfig       `yaml:"admin"`
	Log         LogConfig         `yaml:"log"`
	Terminals   TerminalsConfig   `yaml:"terminals"`
	Campaigns   CampaignsConfig   `yaml:"campaigns"`
	Messaging   MessagingConfig   `yaml:"messaging"`
	Integration IntegrationConfig `yaml:"integration"`
}

// ServerConfig represents server configuration
type ServerConfig struct {
	Name     string `yaml:"name"`
	Version  string `yaml:"version"`
	Timezone string `yaml:"timezone"`
}

// APIConfig represents API configuration
type APIConfig struct {
	Host        string   `yaml:"host"`
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// DatabaseConfig represents database configuration
type DatabaseConfig struct {
	// Driver 取值 postgres | memory
	Driver          string        `yaml:"driver"`
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
}

// RedisConfig represents Redis configuration
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	LockTTL  time.Duration `yaml:"lock_ttl"`
}

// NATSConfig represents NATS configuration
type NATSConfig struct {
	URL               string        `yaml:"url"`
	ClientID          string        `yaml:"client_id"`
	Username          string        `yaml:"username"`
	Password          string        `yaml:"password"`
	MaxReconnects     int           `yaml:"max_reconnects"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
}

// JWTConfig represents JWT configuration
type JWTConfig struct {
	Secret          string        `yaml:"secret"`
	AccessTokenTTL  time.Duration `yaml:"access_token_ttl"`
	RefreshTokenTTL time.Duration `yaml:"refresh_token_ttl"`
}

// AdminConfig is the staff account created at startup when missing.
// An empty password makes the server generate one and log it once.
type AdminConfig struct {
	Email    string `yaml:"email"`
	Password string `yaml:"password"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TerminalsConfig 指纹终端相关配置
type TerminalsConfig struct {
	DefaultPort    int           `yaml:"default_port"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	CommandTimeout time.Duration `yaml:"command_timeout"`
	// IdleTimeout 多包读取时的静默窗口
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	UserRecordSize int           `yaml:"user_record_size"`
	StartCapture   bool          `yaml:"start_capture"`
	SyncSpec       string        `yaml:"sync_spec"`
	CheckInWindow  time.Duration `yaml:"checkin_window"`
	// Seed 启动时写入存储的终端（仅在存储为空时）
	Seed []TerminalSeed `yaml:"seed"`
}

// TerminalSeed describes a terminal declared in the config file
type TerminalSeed struct {
	Name    string `yaml:"name"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	CommKey uint32 `yaml:"comm_key"`
}

// CampaignsConfig 营销活动配置
type CampaignsConfig struct {
	PacingDelay  time.Duration `yaml:"pacing_delay"`
	ReminderDays []int         `yaml:"reminder_days"`
	StaleAfter   time.Duration `yaml:"stale_after"`
	ScheduleSpec string        `yaml:"schedule_spec"`
	Reminder     ReminderConfig `yaml:"reminder"`
}

// ReminderConfig is the daily expiring-subscription reminder job
type ReminderConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Spec     string `yaml:"spec"`
	Channel  string `yaml:"channel"`
	Template string `yaml:"template"`
}

// MessagingConfig holds the provider settings. A provider with an empty
// endpoint/host is not configured and its channel is rejected.
type MessagingConfig struct {
	DefaultCountryCode string         `yaml:"default_country_code"`
	Timeout            time.Duration  `yaml:"timeout"`
	SMS                SMSConfig      `yaml:"sms"`
	WhatsApp           WhatsAppConfig `yaml:"whatsapp"`
	Email              EmailConfig    `yaml:"email"`
}

// SMSConfig is an HTTP SMS gateway
type SMSConfig struct {
	Endpoint string `yaml:"endpoint"`
	APIKey   string `yaml:"api_key"`
	Sender   string `yaml:"sender"`
}

// WhatsAppConfig is the WhatsApp Cloud API
type WhatsAppConfig struct {
	BaseURL       string `yaml:"base_url"`
	PhoneNumberID string `yaml:"phone_number_id"`
	AccessToken   string `yaml:"access_token"`
}

// EmailConfig is an SMTP relay
type EmailConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
	FromName string `yaml:"from_name"`
	Subject  string `yaml:"subject"`
}

// IntegrationConfig 事件转发配置
type IntegrationConfig struct {
	Webhook WebhookConfig `yaml:"webhook"`
	MQTT    MQTTConfig    `yaml:"mqtt"`
}

// WebhookConfig represents an HTTP integration
type WebhookConfig struct {
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
	Timeout time.Duration     `yaml:"timeout"`
}

// MQTTConfig represents an MQTT integration
type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Topic    string `yaml:"topic"`
	QoS      byte   `yaml:"qos"`
}

// Load reads the YAML file, applies .env and environment overrides and
// fills in defaults.
func Load(filename string) (*Config, error) {
	// .env 不存在时忽略
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Msg("Failed to load .env file")
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	return Parse(data)
}

// Parse builds a Config from YAML bytes.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		c.Database.DSN = dsn
	}

	if driver := os.Getenv("DATABASE_DRIVER"); driver != "" {
		c.Database.Driver = driver
	}

	if redisAddr := os.Getenv("REDIS_ADDR"); redisAddr != "" {
		c.Redis.Addr = redisAddr
	}

	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		c.NATS.URL = natsURL
	}

	if jwtSecret := os.Getenv("JWT_SECRET"); jwtSecret != "" {
		c.JWT.Secret = jwtSecret
	}

	if pwd := os.Getenv("ADMIN_PASSWORD"); pwd != "" {
		c.Admin.Password = pwd
	}

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		c.Log.Level = logLevel
	}

	if port := os.Getenv("API_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.API.Port = p
		}
	}

	// 短信/WhatsApp/邮件密钥只从环境变量读取更安全
	if key := os.Getenv("SMS_API_KEY"); key != "" {
		c.Messaging.SMS.APIKey = key
	}

	if token := os.Getenv("WHATSAPP_ACCESS_TOKEN"); token != "" {
		c.Messaging.WhatsApp.AccessToken = token
	}

	if pwd := os.Getenv("SMTP_PASSWORD"); pwd != "" {
		c.Messaging.Email.Password = pwd
	}

	if hook := os.Getenv("WEBHOOK_URL"); hook != "" {
		c.Integration.Webhook.URL = hook
	}

	if broker := os.Getenv("MQTT_BROKER"); broker != "" {
		c.Integration.MQTT.Broker = broker
	}
}

func (c *Config) setDefaults() {
	if c.Server.Name == "" {
		c.Server.Name = "fitdesk"
	}
	if c.Server.Timezone == "" {
		c.Server.Timezone = "Local"
	}

	if c.API.Host == "" {
		c.API.Host = "0.0.0.0"
	}
	if c.API.Port == 0 {
		c.API.Port = 8080
	}
	if len(c.API.CORSOrigins) == 0 {
		c.API.CORSOrigins = []string{"*"}
	}

	if c.Database.Driver == "" {
		c.Database.Driver = "postgres"
	}

	if c.Redis.LockTTL == 0 {
		c.Redis.LockTTL = 2 * time.Minute
	}

	if c.NATS.ClientID == "" {
		c.NATS.ClientID = "fitdesk"
	}
	if c.NATS.MaxReconnects == 0 {
		c.NATS.MaxReconnects = 10
	}
	if c.NATS.ReconnectInterval == 0 {
		c.NATS.ReconnectInterval = 2 * time.Second
	}

	if c.JWT.AccessTokenTTL == 0 {
		c.JWT.AccessTokenTTL = 15 * time.Minute
	}
	if c.JWT.RefreshTokenTTL == 0 {
		c.JWT.RefreshTokenTTL = 7 * 24 * time.Hour
	}

	if c.Admin.Email == "" {
		c.Admin.Email = "admin@fitdesk.local"
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}

	c.setTerminalDefaults()
	c.setCampaignDefaults()

	if c.Messaging.Timeout == 0 {
		c.Messaging.Timeout = 15 * time.Second
	}
	if c.Messaging.WhatsApp.BaseURL == "" {
		c.Messaging.WhatsApp.BaseURL = "https://graph.facebook.com/v19.0"
	}
	if c.Messaging.Email.Port == 0 {
		c.Messaging.Email.Port = 587
	}

	if c.Integration.Webhook.Timeout == 0 {
		c.Integration.Webhook.Timeout = 10 * time.Second
	}
	if c.Integration.MQTT.Topic == "" {
		c.Integration.MQTT.Topic = "fitdesk/events"
	}
	if c.Integration.MQTT.ClientID == "" {
		c.Integration.MQTT.ClientID = "fitdesk-forwarder"
	}
}

func (c *Config) setTerminalDefaults() {
	t := &c.Terminals
	if t.DefaultPort == 0 {
		t.DefaultPort = 4370
	}
	if t.ConnectTimeout == 0 {
		t.ConnectTimeout = 5 * time.Second
	}
	if t.CommandTimeout == 0 {
		t.CommandTimeout = 30 * time.Second
	}
	if t.IdleTimeout == 0 {
		t.IdleTimeout = 2 * time.Second
	}
	if t.UserRecordSize == 0 {
		t.UserRecordSize = 72
	}
	if t.SyncSpec == "" {
		t.SyncSpec = "@every 5m"
	}
	if t.CheckInWindow == 0 {
		t.CheckInWindow = 60 * time.Second
	}
	for i := range t.Seed {
		if t.Seed[i].Port == 0 {
			t.Seed[i].Port = t.DefaultPort
		}
	}
}

func (c *Config) setCampaignDefaults() {
	cp := &c.Campaigns
	if cp.PacingDelay == 0 {
		cp.PacingDelay = 500 * time.Millisecond
	}
	if len(cp.ReminderDays) == 0 {
		cp.ReminderDays = []int{7, 3, 1}
	}
	if cp.StaleAfter == 0 {
		cp.StaleAfter = 6 * time.Hour
	}
	if cp.ScheduleSpec == "" {
		cp.ScheduleSpec = "@every 1m"
	}
	if cp.Reminder.Spec == "" {
		cp.Reminder.Spec = "0 10 * * *"
	}
	if cp.Reminder.Channel == "" {
		cp.Reminder.Channel = "SMS"
	}
	if cp.Reminder.Template == "" {
		cp.Reminder.Template = "Hi {name}, your {packageName} membership expires in {days} days."
	}
}

// Validate checks values that have no sensible default
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	case "memory":
	default:
		return fmt.Errorf("invalid database driver: %s", c.Database.Driver)
	}

	if c.JWT.Secret == "" {
		return fmt.Errorf("jwt.secret is required")
	}

	if c.API.Port <= 0 || c.API.Port > 65535 {
		return fmt.Errorf("invalid api port: %d", c.API.Port)
	}

	switch c.Terminals.UserRecordSize {
	case 28, 72:
	default:
		return fmt.Errorf("terminals.user_record_size must be 28 or 72, got %d", c.Terminals.UserRecordSize)
	}

	if c.Terminals.IdleTimeout > c.Terminals.CommandTimeout {
		return fmt.Errorf("terminals.idle_timeout (%s) exceeds command_timeout (%s)",
			c.Terminals.IdleTimeout, c.Terminals.CommandTimeout)
	}

	for _, d := range c.Campaigns.ReminderDays {
		if d <= 0 {
			return fmt.Errorf("campaigns.reminder_days must be positive, got %d", d)
		}
	}

	switch strings.ToUpper(c.Campaigns.Reminder.Channel) {
	case "SMS", "WHATSAPP", "EMAIL":
	default:
		return fmt.Errorf("invalid reminder channel: %s", c.Campaigns.Reminder.Channel)
	}

	if c.Integration.MQTT.QoS > 2 {
		return fmt.Errorf("invalid mqtt qos: %d", c.Integration.MQTT.QoS)
	}

	if _, err := c.Location(); err != nil {
		return err
	}

	return nil
}

// Location returns the club's timezone, used to interpret terminal clocks
// and calendar days.
func (c *Config) Location() (*time.Location, error) {
	if c.Server.Timezone == "" || c.Server.Timezone == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Server.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", c.Server.Timezone, err)
	}
	return loc, nil
}

// PrintConfigSummary 打印配置摘要
func (c *Config) PrintConfigSummary() {
	fmt.Printf("=== FitDesk Server Configuration ===\n")
	fmt.Printf("Server: %s v%s (tz %s)\n", c.Server.Name, c.Server.Version, c.Server.Timezone)
	fmt.Printf("API: %s:%d\n", c.API.Host, c.API.Port)
	fmt.Printf("Database: %s\n", c.Database.Driver)

	fmt.Printf("Terminals:\n")
	fmt.Printf("  Connect/Command/Idle Timeout: %s / %s / %s\n",
		c.Terminals.ConnectTimeout, c.Terminals.CommandTimeout, c.Terminals.IdleTimeout)
	fmt.Printf("  Sync: %s, Check-in Window: ±%s\n", c.Terminals.SyncSpec, c.Terminals.CheckInWindow)
	for _, t := range c.Terminals.Seed {
		fmt.Printf("    %s: %s:%d\n", t.Name, t.Host, t.Port)
	}

	fmt.Printf("Campaigns:\n")
	fmt.Printf("  Pacing Delay: %s\n", c.Campaigns.PacingDelay)
	fmt.Printf("  Reminder Days: %v\n", c.Campaigns.ReminderDays)
	fmt.Printf("  Stale After: %s\n", c.Campaigns.StaleAfter)

	fmt.Printf("Messaging:\n")
	fmt.Printf("  SMS: %s\n", configured(c.Messaging.SMS.Endpoint != ""))
	fmt.Printf("  WhatsApp: %s\n", configured(c.Messaging.WhatsApp.PhoneNumberID != ""))
	fmt.Printf("  Email: %s\n", configured(c.Messaging.Email.Host != ""))

	fmt.Printf("Integration:\n")
	fmt.Printf("  Redis Lock: %s\n", configured(c.Redis.Addr != ""))
	fmt.Printf("  NATS: %s\n", configured(c.NATS.URL != ""))
	fmt.Printf("  Webhook: %s\n", configured(c.Integration.Webhook.URL != ""))
	fmt.Printf("  MQTT: %s\n", configured(c.Integration.MQTT.Broker != ""))
	fmt.Printf("=====================================\n")
}

func configured(ok bool) string {
	if ok {
		return "configured"
	}
	return "disabled"
}
