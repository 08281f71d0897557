// Package config loads process configuration from environment variables,
// generalizing the teacher's nested-struct-per-concern Config shape from a
// JSON file to environment variables via viper.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config is the fully resolved process configuration.
type Config struct {
	AccountService struct {
		APIKey           string // account-service API key (steam_level, friends)
		APIBaseURL       string
		CommunityBaseURL string
	}
	Downstream struct {
		APIKey string
		URL    string
	}
	Ingress struct {
		APIKey string
		Port   int
	}
	RemoteExistenceURLPrefix string

	Data struct {
		Dir string // directory holding profiles_queue.json and config_proxies.json
	}

	Worker struct {
		TickDelay         time.Duration
		EmptyQueueDelay   time.Duration
		SweepInterval     time.Duration
		SmokeTestInterval time.Duration
		SmokeTestURL      string
	}

	SimulateErrors bool
	Env            string
}

// requiredEnvVars lists the variables that must be present for the process
// to start.
var requiredEnvVars = []string{
	"ACCOUNT_SERVICE_API_KEY",
	"DOWNSTREAM_API_KEY",
	"INGRESS_API_KEY",
	"DOWNSTREAM_WRITE_URL",
	"REMOTE_EXISTENCE_URL_PREFIX",
	"HTTP_SERVER_PORT",
}

// Load binds environment variables and validates the required set, returning
// an error if any is unset.
func Load() (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("")
	v.AutomaticEnv()

	v.SetDefault("ACCOUNT_SERVICE_API_BASE_URL", "https://api.steampowered.com")
	v.SetDefault("ACCOUNT_SERVICE_COMMUNITY_BASE_URL", "https://steamcommunity.com")
	v.SetDefault("DATA_DIR", ".")
	v.SetDefault("WORKER_TICK_DELAY_MS", 350)
	v.SetDefault("WORKER_EMPTY_QUEUE_DELAY_MS", 5000)
	v.SetDefault("WORKER_SWEEP_INTERVAL_S", 60)
	v.SetDefault("WORKER_SMOKE_TEST_INTERVAL_MIN", 15)
	v.SetDefault("ENV", "production")

	for _, key := range requiredEnvVars {
		_ = v.BindEnv(key)
	}

	var missing []string
	for _, key := range requiredEnvVars {
		if v.GetString(key) == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return Config{}, fmt.Errorf("config: required environment variables unset: %v", missing)
	}

	var c Config
	c.AccountService.APIKey = v.GetString("ACCOUNT_SERVICE_API_KEY")
	c.AccountService.APIBaseURL = v.GetString("ACCOUNT_SERVICE_API_BASE_URL")
	c.AccountService.CommunityBaseURL = v.GetString("ACCOUNT_SERVICE_COMMUNITY_BASE_URL")
	c.Downstream.APIKey = v.GetString("DOWNSTREAM_API_KEY")
	c.Downstream.URL = v.GetString("DOWNSTREAM_WRITE_URL")
	c.Ingress.APIKey = v.GetString("INGRESS_API_KEY")
	c.Ingress.Port = v.GetInt("HTTP_SERVER_PORT")
	c.RemoteExistenceURLPrefix = v.GetString("REMOTE_EXISTENCE_URL_PREFIX")
	c.Data.Dir = v.GetString("DATA_DIR")

	c.Worker.TickDelay = time.Duration(v.GetInt("WORKER_TICK_DELAY_MS")) * time.Millisecond
	c.Worker.EmptyQueueDelay = time.Duration(v.GetInt("WORKER_EMPTY_QUEUE_DELAY_MS")) * time.Millisecond
	c.Worker.SweepInterval = time.Duration(v.GetInt("WORKER_SWEEP_INTERVAL_S")) * time.Second
	c.Worker.SmokeTestInterval = time.Duration(v.GetInt("WORKER_SMOKE_TEST_INTERVAL_MIN")) * time.Minute
	c.Worker.SmokeTestURL = v.GetString("WORKER_SMOKE_TEST_URL")

	c.SimulateErrors = v.GetBool("SIMULATE_ERRORS")
	c.Env = v.GetString("ENV")

	return c, nil
}
