package http

import "time"

type Config struct {
	Port            uint          `mapstructure:"port"`
	AdminAPIKey     string        `mapstructure:"admin_api_key"`
	AdminAPIKeyHash string        `mapstructure:"admin_api_key_hash"`
	JWTSecret       string        `mapstructure:"jwt_secret"`
	JWTTTL          time.Duration `mapstructure:"jwt_ttl"`
}
