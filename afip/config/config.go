// Package config loads runtime settings from environment variables.
package config

import (
	"time"

	"github.com/Netflix/go-env"
	"github.com/go-faster/errors"
	"github.com/sirupsen/logrus"
)

type Config struct {
	// ticket lifecycle
	RenewalBuffer  time.Duration `env:"AFIP_RENEWAL_BUFFER,default=10m"`
	CacheTTL       time.Duration `env:"AFIP_CACHE_TTL,default=5m"`
	TicketValidity time.Duration `env:"AFIP_TICKET_VALIDITY,default=12h"`
	GenerationSkew time.Duration `env:"AFIP_GENERATION_SKEW,default=10m"`

	// transport
	HTTPTimeout   time.Duration `env:"AFIP_HTTP_TIMEOUT,default=30s"`
	LoginAttempts int           `env:"AFIP_LOGIN_ATTEMPTS,default=3"`
	LoginBackoff  time.Duration `env:"AFIP_LOGIN_BACKOFF,default=1s"`

	// sweep
	SweepConcurrency     int     `env:"AFIP_SWEEP_CONCURRENCY,default=4"`
	SweepLoginsPerSecond float64 `env:"AFIP_SWEEP_LOGINS_PER_SECOND,default=2"`

	// storage, all optional
	TenantsFile string `env:"AFIP_TENANTS_FILE"`
	DatabaseURL string `env:"DATABASE_URL"`
	RedisAddr   string `env:"REDIS_ADDR"`

	LogLevel string `env:"LOG_LEVEL,default=info"`
}

// Load reads the configuration from the process environment and validates it.
func Load() (*Config, error) {
	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal environment variables")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.RenewalBuffer < 0 {
		return errors.New("AFIP_RENEWAL_BUFFER must not be negative")
	}
	if c.CacheTTL < 0 {
		return errors.New("AFIP_CACHE_TTL must not be negative")
	}
	if c.TicketValidity <= c.RenewalBuffer {
		return errors.Errorf("AFIP_TICKET_VALIDITY (%s) must exceed AFIP_RENEWAL_BUFFER (%s)",
			c.TicketValidity, c.RenewalBuffer)
	}
	if c.GenerationSkew < 0 {
		return errors.New("AFIP_GENERATION_SKEW must not be negative")
	}
	if c.HTTPTimeout <= 0 {
		return errors.New("AFIP_HTTP_TIMEOUT must be positive")
	}
	if c.LoginAttempts < 1 {
		return errors.Errorf("AFIP_LOGIN_ATTEMPTS must be at least 1, got %d", c.LoginAttempts)
	}
	if c.LoginBackoff <= 0 {
		return errors.New("AFIP_LOGIN_BACKOFF must be positive")
	}
	if c.SweepConcurrency < 1 {
		return errors.Errorf("AFIP_SWEEP_CONCURRENCY must be at least 1, got %d", c.SweepConcurrency)
	}
	if c.SweepLoginsPerSecond <= 0 {
		return errors.New("AFIP_SWEEP_LOGINS_PER_SECOND must be positive")
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return errors.Wrap(err, "LOG_LEVEL")
	}
	return nil
}

// Level returns the parsed LOG_LEVEL. Validate has already rejected bad values.
func (c *Config) Level() logrus.Level {
	l, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return l
}
