package app

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/shrimpsizemoose/trekker/logger"

	"github.com/nbblackbox/gradepipe/internal/scoring"
)

type Config struct {
	Server struct {
		Port       string `toml:"port"`
		EnableAuth bool   `toml:"enable_auth"`
	} `toml:"server"`

	Auth struct {
		RedisURL         string `toml:"redis_url"`
		TokenHeader      string `toml:"token_header"`
		TokenKeyTemplate string `toml:"token_key_template"`
	} `toml:"auth"`

	API struct {
		EmailHeader string `toml:"email_header"`
	} `toml:"api"`

	Database struct {
		DSN           string `toml:"dsn"`
		MigrationsDir string `toml:"migrations_dir"`
	} `toml:"database"`

	Wakeup struct {
		RedisURL string `toml:"redis_url"`
	} `toml:"wakeup"`

	Worker struct {
		ID               string `toml:"id"`
		CourseDir        string `toml:"course_dir"`
		EngineCommand    string `toml:"engine_command"`
		SyntheticStudent string `toml:"synthetic_student"`
		PollSeconds      int    `toml:"poll_seconds"`
	} `toml:"worker"`

	Limits struct {
		CooldownSeconds int `toml:"cooldown_seconds"`
		DailyMax        int `toml:"daily_max"`
	} `toml:"limits"`

	Notify struct {
		SMTPAddr         string `toml:"smtp_addr"`
		From             string `toml:"from"`
		Subject          string `toml:"subject"`
		ResultLinkPrefix string `toml:"result_link_prefix"`
		SweepSeconds     int    `toml:"sweep_seconds"`
		BatchSize        int    `toml:"batch_size"`
		TelegramToken    string `toml:"telegram_token"`
		TelegramChatID   int64  `toml:"telegram_chat_id"`
	} `toml:"notify"`

	Display struct {
		Thresholds scoring.Thresholds `toml:"thresholds"`
	} `toml:"display"`

	Export struct {
		SpreadsheetID   string `toml:"spreadsheet_id"`
		CredentialsPath string `toml:"credentials_path"`
		Range           string `toml:"range"`
		IntervalMinutes int    `toml:"interval_minutes"`
	} `toml:"export"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := toml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf(
			"error reading config file %s\n> Error: %w\n> Content:\n%s",
			path,
			err,
			string(data),
		)
	}

	if config.Server.Port == "" {
		return nil, fmt.Errorf("Server port is not specified in config, use a value like :9999")
	}
	if config.API.EmailHeader == "" {
		config.API.EmailHeader = "X-Student-Email"
	}
	if config.Auth.TokenHeader == "" {
		config.Auth.TokenHeader = "Authorization"
	}
	if config.Worker.SyntheticStudent == "" {
		config.Worker.SyntheticStudent = "0"
	}
	if config.Worker.PollSeconds <= 0 {
		config.Worker.PollSeconds = 10
	}
	if config.Limits.CooldownSeconds <= 0 {
		config.Limits.CooldownSeconds = 120
	}
	if config.Limits.DailyMax <= 0 {
		config.Limits.DailyMax = 10
	}
	if config.Notify.SweepSeconds <= 0 {
		config.Notify.SweepSeconds = 30
	}
	if config.Notify.BatchSize <= 0 {
		config.Notify.BatchSize = 50
	}
	if config.Display.Thresholds.Red == 0 && config.Display.Thresholds.Yellow == 0 {
		config.Display.Thresholds = scoring.Thresholds{Red: 0.4, Yellow: 0.8}
	}

	logger.Debug.Printf("Loaded limits config: %+v", config.Limits)

	return &config, nil
}

func (c *Config) Cooldown() time.Duration {
	return time.Duration(c.Limits.CooldownSeconds) * time.Second
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Worker.PollSeconds) * time.Second
}

func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Notify.SweepSeconds) * time.Second
}
