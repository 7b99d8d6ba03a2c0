package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dennisdiepolder/monti/router/internal/config"
	"github.com/dennisdiepolder/monti/router/internal/storage"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

type commandContext struct {
	envFlag *string

	configOnce sync.Once
	config     *config.Config
	configErr  error

	loggerOnce sync.Once
	logger     zerolog.Logger
}

func newCommandContext(envFlag *string) *commandContext {
	return &commandContext{envFlag: envFlag}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		if c.envFlag != nil {
			if path := strings.TrimSpace(*c.envFlag); path != "" {
				if err := godotenv.Load(path); err != nil {
					c.configErr = fmt.Errorf("load %s: %w", path, err)
					return
				}
			}
		}
		c.config, c.configErr = config.Load()
	})
	return c.config, c.configErr
}

// log returns the process logger configured from LOG_FORMAT and LOG_LEVEL
func (c *commandContext) log() zerolog.Logger {
	c.loggerOnce.Do(func() {
		cfg, _ := c.ensureConfig()
		format, levelName := "console", "info"
		if cfg != nil {
			format, levelName = cfg.LogFormat, cfg.LogLevel
		}
		c.logger = newLogger(format, levelName)
	})
	return c.logger
}

func newLogger(format, levelName string) zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	var logger zerolog.Logger
	if format == "json" {
		logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	}

	level, err := zerolog.ParseLevel(levelName)
	if err != nil || levelName == "" {
		logger.Warn().Str("level", levelName).Msg("invalid log level, using info")
		level = zerolog.InfoLevel
	}
	return logger.Level(level)
}

// openStore opens and migrates the relational store
func (c *commandContext) openStore(ctx context.Context) (*storage.SQLStore, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseURL, c.log())
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}
