package config

import (
	"fmt"
	"log/slog"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type ServerConfig struct {
	Addr      string        `yaml:"addr"`
	LogLevel  string        `yaml:"log_level"`
	JWTSecret string        `yaml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"token_ttl"`

	Store       string `yaml:"store"`
	DataFile    string `yaml:"data_file"`
	DatabaseURL string `yaml:"database_url"`
	DBMaxConns  int    `yaml:"db_max_conns"`
	DBMinConns  int    `yaml:"db_min_conns"`

	TickEvery           time.Duration `yaml:"tick_every"`
	PersistEvery        int           `yaml:"persist_every"`
	CollaboratorTimeout time.Duration `yaml:"collaborator_timeout"`

	SandboxMemoryMB int           `yaml:"sandbox_memory_mb"`
	RunTimeout      time.Duration `yaml:"run_timeout"`
	LoadTimeout     time.Duration `yaml:"load_timeout"`
	OutputLimit     int           `yaml:"output_limit"`

	MaxInvest      int64 `yaml:"max_invest"`
	PassiveIncome  int64 `yaml:"passive_income"`
	PassiveCeiling int64 `yaml:"passive_ceiling"`
	PlayerHistory  int   `yaml:"player_history"`
	GlobalHistory  int   `yaml:"global_history"`
	StartingGold   int64 `yaml:"starting_gold"`
	ScriptMaxLen   int   `yaml:"script_max_len"`
	SocketsPerUser int   `yaml:"sockets_per_user"`

	RateBins string `yaml:"rate_bins"`
	Seed     *int64 `yaml:"seed"`
}

type CLIConfig struct {
	APIBaseURL string
}

func Defaults() ServerConfig {
	return ServerConfig{
		Addr:                ":8080",
		LogLevel:            "info",
		TokenTTL:            7 * 24 * time.Hour,
		Store:               "file",
		DataFile:            "data/game-data.json",
		DBMaxConns:          8,
		DBMinConns:          1,
		TickEvery:           time.Second,
		PersistEvery:        60,
		CollaboratorTimeout: 2 * time.Second,
		SandboxMemoryMB:     32,
		RunTimeout:          20 * time.Millisecond,
		LoadTimeout:         500 * time.Millisecond,
		OutputLimit:         100_000,
		PassiveIncome:       10,
		PassiveCeiling:      1000,
		PlayerHistory:       100,
		GlobalHistory:       100,
		StartingGold:        100,
		ScriptMaxLen:        100_000,
		SocketsPerUser:      5,
	}
}

// LoadServer reads defaults, then the YAML file named by GOLDRUN_CONFIG, then
// environment overrides.
func LoadServer() (ServerConfig, error) {
	cfg := Defaults()
	if path := strings.TrimSpace(os.Getenv("GOLDRUN_CONFIG")); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return cfg, err
		}
	}
	applyEnv(&cfg)
	return cfg, cfg.Validate()
}

func loadFile(path string, cfg *ServerConfig) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *ServerConfig) {
	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		if !strings.HasPrefix(port, ":") {
			port = ":" + port
		}
		cfg.Addr = port
	} else {
		cfg.Addr = envDefault("GOLDRUN_ADDR", cfg.Addr)
	}
	cfg.LogLevel = envDefault("GOLDRUN_LOG_LEVEL", cfg.LogLevel)
	cfg.JWTSecret = envDefault("GOLDRUN_JWT_SECRET", cfg.JWTSecret)
	cfg.TokenTTL = envDurationDefault("GOLDRUN_TOKEN_TTL", cfg.TokenTTL)

	cfg.Store = strings.ToLower(envDefault("GOLDRUN_STORE", cfg.Store))
	cfg.DataFile = envDefault("GOLDRUN_DATA_FILE", cfg.DataFile)
	cfg.DatabaseURL = envDefault("DATABASE_URL", cfg.DatabaseURL)
	cfg.DBMaxConns = envIntDefault("GOLDRUN_DB_MAX_CONNS", cfg.DBMaxConns)
	cfg.DBMinConns = envIntDefault("GOLDRUN_DB_MIN_CONNS", cfg.DBMinConns)

	cfg.TickEvery = envDurationDefault("GOLDRUN_TICK_EVERY", cfg.TickEvery)
	cfg.PersistEvery = envIntDefault("GOLDRUN_PERSIST_EVERY", cfg.PersistEvery)
	cfg.CollaboratorTimeout = envDurationDefault("GOLDRUN_COLLABORATOR_TIMEOUT", cfg.CollaboratorTimeout)

	cfg.SandboxMemoryMB = envIntDefault("GOLDRUN_SANDBOX_MEMORY_MB", cfg.SandboxMemoryMB)
	cfg.RunTimeout = envDurationDefault("GOLDRUN_RUN_TIMEOUT", cfg.RunTimeout)
	cfg.LoadTimeout = envDurationDefault("GOLDRUN_LOAD_TIMEOUT", cfg.LoadTimeout)
	cfg.OutputLimit = envIntDefault("GOLDRUN_OUTPUT_LIMIT", cfg.OutputLimit)

	cfg.MaxInvest = envInt64Default("GOLDRUN_MAX_INVEST", cfg.MaxInvest)
	cfg.PassiveIncome = envInt64Default("GOLDRUN_PASSIVE_INCOME", cfg.PassiveIncome)
	cfg.PassiveCeiling = envInt64Default("GOLDRUN_PASSIVE_CEILING", cfg.PassiveCeiling)
	cfg.PlayerHistory = envIntDefault("GOLDRUN_PLAYER_HISTORY", cfg.PlayerHistory)
	cfg.GlobalHistory = envIntDefault("GOLDRUN_GLOBAL_HISTORY", cfg.GlobalHistory)
	cfg.StartingGold = envInt64Default("GOLDRUN_STARTING_GOLD", cfg.StartingGold)
	cfg.ScriptMaxLen = envIntDefault("GOLDRUN_SCRIPT_MAX_LEN", cfg.ScriptMaxLen)
	cfg.SocketsPerUser = envIntDefault("GOLDRUN_SOCKETS_PER_USER", cfg.SocketsPerUser)

	cfg.RateBins = envDefault("GOLDRUN_RATE_BINS", cfg.RateBins)
	if v := strings.TrimSpace(os.Getenv("GOLDRUN_SEED")); v != "" {
		if seed, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Seed = &seed
		}
	}
}

func (c ServerConfig) Validate() error {
	switch c.Store {
	case "file":
		if strings.TrimSpace(c.DataFile) == "" {
			return fmt.Errorf("GOLDRUN_DATA_FILE is required for the file store")
		}
	case "postgres":
		if strings.TrimSpace(c.DatabaseURL) == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres store")
		}
		if c.DBMaxConns < 1 || c.DBMinConns < 0 || c.DBMinConns > c.DBMaxConns || c.DBMaxConns > math.MaxInt32 {
			return fmt.Errorf("db pool sizes are invalid: min %d, max %d", c.DBMinConns, c.DBMaxConns)
		}
	default:
		return fmt.Errorf("GOLDRUN_STORE must be file or postgres, got %q", c.Store)
	}
	if c.TickEvery <= 0 {
		return fmt.Errorf("tick interval must be > 0")
	}
	if c.RunTimeout <= 0 || c.LoadTimeout <= 0 {
		return fmt.Errorf("sandbox timeouts must be > 0")
	}
	if c.SandboxMemoryMB < 0 || c.OutputLimit <= 0 {
		return fmt.Errorf("sandbox limits are invalid")
	}
	if c.PlayerHistory <= 0 || c.GlobalHistory <= 0 {
		return fmt.Errorf("history caps must be > 0")
	}
	if c.MaxInvest < 0 || c.PassiveIncome < 0 || c.StartingGold < 0 {
		return fmt.Errorf("gold settings must not be negative")
	}
	return nil
}

// RequireSecret is checked by the server only; admin tools run without one.
func (c ServerConfig) RequireSecret() error {
	if strings.TrimSpace(c.JWTSecret) == "" {
		return fmt.Errorf("GOLDRUN_JWT_SECRET is required")
	}
	return nil
}

func (c ServerConfig) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}

func LoadCLIFromEnv() CLIConfig {
	return CLIConfig{
		APIBaseURL: strings.TrimRight(envDefault("GOLDRUN_API_BASE_URL", "http://localhost:8080"), "/"),
	}
}

func envDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func envDurationDefault(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func envIntDefault(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envInt64Default(key string, fallback int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}
