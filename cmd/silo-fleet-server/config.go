package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/EternisAI/silo-fleet/internal/api/http"
	"github.com/EternisAI/silo-fleet/internal/db"
	"github.com/EternisAI/silo-fleet/internal/events"
	"github.com/EternisAI/silo-fleet/internal/logging"
	"github.com/EternisAI/silo-fleet/internal/fleet"
	grpctls "github.com/EternisAI/silo-fleet/internal/grpc/tls"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Log    logging.Config
	Http   http.Config
	Grpc   GrpcConfig
	Fleet  fleet.Config
	DB     db.Config
	Events EventsConfig
}

type GrpcConfig struct {
	Port int            `mapstructure:"port"`
	TLS  grpctls.Config `mapstructure:"tls"`
}

type EventsConfig struct {
	NATS  events.NATSConfig  `mapstructure:"nats"`
	Redis events.RedisConfig `mapstructure:"redis"`
}

var config Config

func setDefaults() {
	defaults := fleet.DefaultConfig()
	viper.SetDefault("log.level", logging.LevelInfo)
	viper.SetDefault("log.format", logging.FormatText)
	viper.SetDefault("http.port", 8080)
	viper.SetDefault("http.jwt_ttl", "24h")
	viper.SetDefault("grpc.port", 9090)
	viper.SetDefault("fleet.server_id", defaults.ServerID)
	viper.SetDefault("fleet.heartbeat_timeout", defaults.HeartbeatTimeout)
	viper.SetDefault("fleet.offline_timeout", defaults.OfflineTimeout)
	viper.SetDefault("fleet.sweep_interval", defaults.SweepInterval)
	viper.SetDefault("fleet.delivery_cap", defaults.DeliveryCap)
	viper.SetDefault("fleet.max_pending", defaults.MaxPending)
	viper.SetDefault("fleet.max_messages_per_contact", defaults.MaxMessagesPerContact)
	viper.SetDefault("fleet.dedupe_ttl", defaults.DedupeTTL)
	viper.SetDefault("fleet.dedupe_size", defaults.DedupeSize)
}

func InitConfig() {
	_ = godotenv.Load()

	viper.SetConfigName("application")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./cmd/silo-fleet-server")
	viper.SetConfigType("yaml")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	setDefaults()

	// Secrets are usually injected by the environment rather than the file
	_ = viper.BindEnv("http.admin_api_key", "ADMIN_API_KEY")
	_ = viper.BindEnv("http.admin_api_key_hash", "ADMIN_API_KEY_HASH")
	_ = viper.BindEnv("http.jwt_secret", "JWT_SECRET")
	_ = viper.BindEnv("db.url", "DATABASE_URL")

	if err := viper.ReadInConfig(); err != nil {
		panic(err)
	}

	if err := viper.Unmarshal(&config); err != nil {
		panic(err)
	}

	logging.Init(config.Log)

	if config.Log.Debug() {
		redacted := config
		redacted.Http.AdminAPIKey = redact(redacted.Http.AdminAPIKey)
		redacted.Http.JWTSecret = redact(redacted.Http.JWTSecret)
		redacted.Events.Redis.Password = redact(redacted.Events.Redis.Password)
		redacted.Events.NATS.Token = redact(redacted.Events.NATS.Token)
		configJSON, err := json.MarshalIndent(redacted, "", "  ")
		if err == nil {
			fmt.Println("Config loaded:")
			fmt.Println(string(configJSON))
		}
	}
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "***"
}
