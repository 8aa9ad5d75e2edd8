package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/deskplane/deskplane/internal/api/http"
	"github.com/deskplane/deskplane/internal/db"
)

type Config struct {
	Log       LogConfig
	Http      http.Config
	Db        db.Config
	Auth      AuthConfig
	Dispatch  DispatchConfig
	Heartbeat HeartbeatConfig
	Sessions  SessionsConfig
}

type AuthConfig struct {
	JwtSecret    string        `mapstructure:"jwt_secret"`
	UserTokenTTL time.Duration `mapstructure:"user_token_ttl"`
	// ConnTokenSecret falls back to JwtSecret when empty.
	ConnTokenSecret string        `mapstructure:"conn_token_secret"`
	ConnTokenTTL    time.Duration `mapstructure:"conn_token_ttl"`
}

type DispatchConfig struct {
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	AckTimeout    time.Duration `mapstructure:"ack_timeout"`
	MaxRetries    int           `mapstructure:"max_retries"`
}

type HeartbeatConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	AgentTimeout  time.Duration `mapstructure:"agent_timeout"`
	ViewerTimeout time.Duration `mapstructure:"viewer_timeout"`
	RouteTTL      time.Duration `mapstructure:"route_ttl"`
}

type SessionsConfig struct {
	// IdleHibernate hibernates a running session once its last viewer
	// disconnects.
	IdleHibernate bool `mapstructure:"idle_hibernate"`
}

var config Config

func InitConfig() {
	var err error

	_ = godotenv.Load()

	viper.SetConfigName("application")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./cmd/deskplane-server")
	viper.SetConfigType("yaml")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	_ = viper.BindEnv("db.url", "DATABASE_URL")
	_ = viper.BindEnv("auth.jwt_secret", "JWT_SECRET")
	_ = viper.BindEnv("http.internal_api_key", "INTERNAL_API_KEY")

	if err := viper.ReadInConfig(); err != nil {
		panic(err)
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		panic(err)
	}

	if config.Auth.ConnTokenSecret == "" {
		config.Auth.ConnTokenSecret = config.Auth.JwtSecret
	}

	initLogger(config.Log.Level)

	if strings.ToUpper(config.Log.Level) == LOG_LEVEL_DEBUG {
		configJSON, err := json.MarshalIndent(config, "", "  ")
		if err == nil {
			fmt.Println("Config loaded:")
			fmt.Println(string(configJSON))
		}
	}
}
