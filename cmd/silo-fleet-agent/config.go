package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	grpcclient "github.com/EternisAI/silo-fleet/internal/grpc/client"
	"github.com/EternisAI/silo-fleet/internal/logging"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Log   logging.Config
	Http  HttpConfig
	Fleet grpcclient.Config
	Usage UsageConfig
}

type HttpConfig struct {
	// Port of the local status endpoint; 0 disables it.
	Port uint `mapstructure:"port"`
}

type UsageConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	DiskPath string        `mapstructure:"disk_path"`
}

var config Config

// configPath is where the server-assigned client id gets written back.
var configPath string

func InitConfig() {
	_ = godotenv.Load()

	viper.SetConfigName("application")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./cmd/silo-fleet-agent")
	viper.SetConfigType("yaml")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("log.level", logging.LevelInfo)
	viper.SetDefault("log.format", logging.FormatText)
	viper.SetDefault("fleet.heartbeat_interval", "15s")
	viper.SetDefault("usage.interval", "1m")
	_ = viper.BindEnv("fleet.enrollment_token", "FLEET_ENROLLMENT_TOKEN")

	if err := viper.ReadInConfig(); err != nil {
		panic(err)
	}
	configPath = viper.ConfigFileUsed()

	if err := viper.Unmarshal(&config); err != nil {
		panic(err)
	}
	config.Fleet.AgentVersion = AppVersion

	logging.Init(config.Log)

	if config.Log.Debug() {
		redacted := config
		if redacted.Fleet.EnrollmentToken != "" {
			redacted.Fleet.EnrollmentToken = "***"
		}
		configJSON, err := json.MarshalIndent(redacted, "", "  ")
		if err == nil {
			fmt.Println("Config loaded:")
			fmt.Println(string(configJSON))
		}
	}
}
