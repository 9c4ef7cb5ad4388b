package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Port        string `envconfig:"PORT" default:"8080"`
	DatabaseURL string `envconfig:"DATABASE_URL"`

	JWTSecret     string `envconfig:"JWT_SECRET" default:"prompt-duel-dev-secret"`
	TokenTTLHours int    `envconfig:"TOKEN_TTL_HOURS" default:"720"`
	AdminToken    string `envconfig:"ADMIN_TOKEN"`

	ChallengeTTLHours int `envconfig:"CHALLENGE_TTL_HOURS" default:"72"`

	OpenAIAPIKey         string `envconfig:"OPENAI_API_KEY"`
	OpenAIEmbeddingModel string `envconfig:"OPENAI_EMBEDDING_MODEL" default:"text-embedding-3-small"`
	ScoreTimeoutSeconds  int    `envconfig:"SCORE_TIMEOUT_SECONDS" default:"30"`
	ScoreCacheSize       int    `envconfig:"SCORE_CACHE_SIZE" default:"1024"`

	DBMaxOpenConns           int `envconfig:"DB_MAX_OPEN_CONNS" default:"10"`
	DBMaxIdleConns           int `envconfig:"DB_MAX_IDLE_CONNS" default:"10"`
	DBConnMaxLifetimeSeconds int `envconfig:"DB_CONN_MAX_LIFETIME_SECONDS" default:"300"`
	DBConnMaxIdleTimeSeconds int `envconfig:"DB_CONN_MAX_IDLE_SECONDS" default:"60"`
}

func Default() Config {
	cfg := Config{}
	_ = envconfig.Process("", &cfg)
	return cfg
}

func Load() (Config, error) {
	cfg := Config{}
	if err := envconfig.Process("", &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) ChallengeTTL() time.Duration {
	return time.Duration(c.ChallengeTTLHours) * time.Hour
}

func (c Config) TokenTTL() time.Duration {
	return time.Duration(c.TokenTTLHours) * time.Hour
}

func (c Config) ScoreTimeout() time.Duration {
	return time.Duration(c.ScoreTimeoutSeconds) * time.Second
}
