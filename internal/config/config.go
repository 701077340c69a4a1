// Package config loads runtime settings through viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/cardbot/internal/drops"
	"github.com/spf13/viper"
)

const (
	envPrefix                 = "CARDBOT"
	defaultHTTPAddress        = "0.0.0.0:8080"
	defaultDatabaseDSN        = "cardbot.db"
	defaultPoolMin            = 1
	defaultPoolMax            = 10
	defaultLogLevel           = "info"
	defaultRedisPrefix        = "cardbot:drops"
	defaultClaimKeyword       = "catch"
	defaultCooldownWindow     = 24 * time.Hour
	defaultStageTTL           = 30 * time.Minute
	defaultStageSweep         = 5 * time.Minute
	defaultUploadCooldown     = 5 * time.Second
	defaultTokenTTL           = 24 * time.Hour
	defaultTokenIssuer        = "cardbot-api"
	defaultTokenAudience      = "cardbot-bridge"
	defaultDropCreditAttempts = 3
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress    string
	AllowedOrigins []string
	LogLevel       string

	DatabaseDSN string
	PoolMin     int
	PoolMax     int

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string

	DropThreshold      int64
	DropTTL            time.Duration
	DropCreditAttempts int
	ClaimKeyword       string
	ClaimCooldown      bool

	CooldownWindow time.Duration
	StageTTL       time.Duration
	StageSweep     time.Duration
	UploadCooldown time.Duration
	RarityFile     string
	OwnerID        int64

	SigningSecret string
	TokenIssuer   string
	TokenAudience string
	TokenTTL      time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", []string{})
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("database.dsn", defaultDatabaseDSN)
	configViper.SetDefault("database.pool_min", defaultPoolMin)
	configViper.SetDefault("database.pool_max", defaultPoolMax)
	configViper.SetDefault("redis.addr", "")
	configViper.SetDefault("redis.db", 0)
	configViper.SetDefault("redis.prefix", defaultRedisPrefix)
	configViper.SetDefault("drop.threshold", drops.DefaultThreshold)
	configViper.SetDefault("drop.ttl", time.Duration(0))
	configViper.SetDefault("drop.credit_attempts", defaultDropCreditAttempts)
	configViper.SetDefault("drop.claim_keyword", defaultClaimKeyword)
	configViper.SetDefault("drop.enforce_cooldown", false)
	configViper.SetDefault("cooldown.window", defaultCooldownWindow)
	configViper.SetDefault("stages.ttl", defaultStageTTL)
	configViper.SetDefault("stages.sweep_interval", defaultStageSweep)
	configViper.SetDefault("upload.cooldown", defaultUploadCooldown)
	configViper.SetDefault("rarity.file", "")
	configViper.SetDefault("owner_id", 0)
	configViper.SetDefault("auth.issuer", defaultTokenIssuer)
	configViper.SetDefault("auth.audience", defaultTokenAudience)
	configViper.SetDefault("auth.token_ttl", defaultTokenTTL)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:        configViper.GetString("http.address"),
		AllowedOrigins:     configViper.GetStringSlice("http.allowed_origins"),
		LogLevel:           configViper.GetString("log.level"),
		DatabaseDSN:        configViper.GetString("database.dsn"),
		PoolMin:            configViper.GetInt("database.pool_min"),
		PoolMax:            configViper.GetInt("database.pool_max"),
		RedisAddr:          configViper.GetString("redis.addr"),
		RedisPassword:      configViper.GetString("redis.password"),
		RedisDB:            configViper.GetInt("redis.db"),
		RedisPrefix:        configViper.GetString("redis.prefix"),
		DropThreshold:      configViper.GetInt64("drop.threshold"),
		DropTTL:            configViper.GetDuration("drop.ttl"),
		DropCreditAttempts: configViper.GetInt("drop.credit_attempts"),
		ClaimKeyword:       configViper.GetString("drop.claim_keyword"),
		ClaimCooldown:      configViper.GetBool("drop.enforce_cooldown"),
		CooldownWindow:     configViper.GetDuration("cooldown.window"),
		StageTTL:           configViper.GetDuration("stages.ttl"),
		StageSweep:         configViper.GetDuration("stages.sweep_interval"),
		UploadCooldown:     configViper.GetDuration("upload.cooldown"),
		RarityFile:         configViper.GetString("rarity.file"),
		OwnerID:            configViper.GetInt64("owner_id"),
		SigningSecret:      configViper.GetString("auth.signing_secret"),
		TokenIssuer:        configViper.GetString("auth.issuer"),
		TokenAudience:      configViper.GetString("auth.audience"),
		TokenTTL:           configViper.GetDuration("auth.token_ttl"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabaseDSN) == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.PoolMin < 0 || c.PoolMax < 1 || c.PoolMin > c.PoolMax {
		return fmt.Errorf("database pool sizes invalid: min %d, max %d", c.PoolMin, c.PoolMax)
	}
	if c.DropThreshold < drops.MinThreshold || c.DropThreshold > drops.MaxThreshold {
		return fmt.Errorf("drop.threshold must be within [%d, %d]", drops.MinThreshold, drops.MaxThreshold)
	}
	if c.DropTTL < 0 {
		return fmt.Errorf("drop.ttl must not be negative")
	}
	if strings.TrimSpace(c.ClaimKeyword) == "" || strings.ContainsAny(c.ClaimKeyword, " \t/") {
		return fmt.Errorf("drop.claim_keyword must be a single word")
	}
	if c.CooldownWindow <= 0 {
		return fmt.Errorf("cooldown.window must be positive")
	}
	if c.StageTTL <= 0 || c.StageSweep <= 0 {
		return fmt.Errorf("stages.ttl and stages.sweep_interval must be positive")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl must be positive")
	}
	return nil
}
