// Package config loads the tool's JSON configuration with the usual
// precedence: command-line flags over environment variables over the
// config file over defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
)

const (
	defaultIntervalMinutes  = 5
	minIntervalMinutes      = 1
	maxIntervalMinutes      = 30
	defaultWindowDays       = 30
	defaultBlockTitleFormat = "Busy ({source_name})"
)

// GoogleCredentials is the structure of a Google OAuth credentials JSON
// file as downloaded from the Cloud Console.
type GoogleCredentials struct {
	Installed struct {
		ClientID     string `json:"client_id"`
		ClientSecret string `json:"client_secret"`
	} `json:"installed"`
	Web struct {
		ClientID     string `json:"client_id"`
		ClientSecret string `json:"client_secret"`
	} `json:"web"`
}

// LoadGoogleCredentials reads OAuth client credentials, accepting either
// the "installed" (desktop) or "web" section.
func LoadGoogleCredentials(path string) (clientID, clientSecret string, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", "", fmt.Errorf("failed to read credentials file: %w", err)
	}

	var creds GoogleCredentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return "", "", fmt.Errorf("failed to parse credentials file: %w", err)
	}

	if creds.Installed.ClientID != "" {
		return creds.Installed.ClientID, creds.Installed.ClientSecret, nil
	}
	if creds.Web.ClientID != "" {
		return creds.Web.ClientID, creds.Web.ClientSecret, nil
	}
	return "", "", fmt.Errorf("no client_id found in credentials file (expected 'installed' or 'web' section)")
}

// Account is one calendar account participating in the mirror.
type Account struct {
	Name string `json:"name"` // namespace for this account's calendar IDs
	Type string `json:"type"` // "google" or "caldav"

	// Google accounts
	TokenPath string `json:"token_path,omitempty"`

	// CalDAV accounts
	ServerURL string `json:"server_url,omitempty"`
	Username  string `json:"username,omitempty"`
	Password  string `json:"password,omitempty"` // app-specific password
}

// Config is the tool's full configuration.
type Config struct {
	GoogleCredentialsPath string    `json:"google_credentials_path,omitempty"`
	Accounts              []Account `json:"accounts"`

	// EnabledCalendars is the set of namespaced calendar IDs
	// ("account:calendarID") participating in sync. IDs that no longer
	// exist are dropped silently at sync time, never treated as errors.
	EnabledCalendars []string `json:"enabled_calendars"`

	SyncIntervalMinutes   int    `json:"sync_interval_minutes,omitempty"` // clamped to 1..30
	SyncWindowDays        int    `json:"sync_window_days,omitempty"`      // lookahead horizon
	SyncAllDayEvents      bool   `json:"sync_all_day_events,omitempty"`
	SyncRecurringAsSeries bool   `json:"sync_recurring_as_series,omitempty"`
	BlockTitleFormat      string `json:"block_title_format,omitempty"` // "{source_name}" is substituted
}

// LoadConfigFromFile loads configuration from a JSON file.
func LoadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return &config, nil
}

// LoadConfig loads configuration with the following precedence (highest
// to lowest): command-line flags, environment variables, config file,
// defaults. Returns an error if any required value is missing or
// invalid.
func LoadConfig(configFile, googleCredentialsPathFlag string) (*Config, error) {
	var config Config

	if configFile != "" {
		fileConfig, err := LoadConfigFromFile(configFile)
		if err != nil {
			return nil, err
		}
		config = *fileConfig
	}

	if v := os.Getenv("GOOGLE_CREDENTIALS_PATH"); v != "" {
		config.GoogleCredentialsPath = v
	}
	if v := os.Getenv("SYNC_INTERVAL_MINUTES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid SYNC_INTERVAL_MINUTES value: %w", err)
		}
		config.SyncIntervalMinutes = n
	}
	if v := os.Getenv("SYNC_WINDOW_DAYS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid SYNC_WINDOW_DAYS value: %w", err)
		}
		config.SyncWindowDays = n
	}

	if googleCredentialsPathFlag != "" {
		config.GoogleCredentialsPath = googleCredentialsPathFlag
	}

	if err := config.validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) validate() error {
	if len(c.Accounts) == 0 {
		return fmt.Errorf("accounts array must be provided in config file. At least one account is required")
	}

	needsGoogle := false
	seen := map[string]bool{}
	for i := range c.Accounts {
		acct := &c.Accounts[i]

		if acct.Name == "" {
			return fmt.Errorf("account[%d]: name is required", i)
		}
		// Account names become calendar ID namespaces and end up inside
		// marker text, so they must stay clear of the marker syntax.
		if strings.ContainsAny(acct.Name, ":|[]") {
			return fmt.Errorf("account[%d] (name: %s): name must not contain ':', '|', '[' or ']'", i, acct.Name)
		}
		if seen[acct.Name] {
			return fmt.Errorf("account[%d]: duplicate account name %q", i, acct.Name)
		}
		seen[acct.Name] = true

		switch acct.Type {
		case "google":
			needsGoogle = true
			if acct.TokenPath == "" {
				return fmt.Errorf("account[%d] (name: %s): token_path must be provided for Google accounts", i, acct.Name)
			}
		case "caldav":
			if acct.ServerURL == "" {
				return fmt.Errorf("account[%d] (name: %s): server_url must be provided for CalDAV accounts", i, acct.Name)
			}
			if acct.Username == "" {
				return fmt.Errorf("account[%d] (name: %s): username must be provided for CalDAV accounts", i, acct.Name)
			}
			if acct.Password == "" {
				return fmt.Errorf("account[%d] (name: %s): password must be provided for CalDAV accounts", i, acct.Name)
			}
		default:
			return fmt.Errorf("account[%d].type must be 'google' or 'caldav', got '%s'", i, acct.Type)
		}
	}

	if needsGoogle && c.GoogleCredentialsPath == "" {
		return fmt.Errorf("google_credentials_path must be provided via --google-credentials-path flag, GOOGLE_CREDENTIALS_PATH environment variable, or config file")
	}

	// Clamp rather than reject: an out-of-range interval is a tuning
	// mistake, not a reason to refuse to run.
	if c.SyncIntervalMinutes == 0 {
		c.SyncIntervalMinutes = defaultIntervalMinutes
	}
	if c.SyncIntervalMinutes < minIntervalMinutes {
		c.SyncIntervalMinutes = minIntervalMinutes
	}
	if c.SyncIntervalMinutes > maxIntervalMinutes {
		c.SyncIntervalMinutes = maxIntervalMinutes
	}

	if c.SyncWindowDays <= 0 {
		c.SyncWindowDays = defaultWindowDays
	}
	if c.BlockTitleFormat == "" {
		c.BlockTitleFormat = defaultBlockTitleFormat
	}
	return nil
}
