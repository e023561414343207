package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultCalendarID            = "primary"
	DefaultTimeZone              = "America/New_York"
	DefaultListenAddr            = ":3000"
	DefaultRecurrenceHorizonDays = 90
)

// GoogleCredentials represents the structure of Google OAuth credentials JSON file.
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

// LoadGoogleCredentials loads Google OAuth credentials from a JSON file.
func LoadGoogleCredentials(path string) (clientID, clientSecret string, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", "", fmt.Errorf("failed to read credentials file: %w", err)
	}

	var creds GoogleCredentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return "", "", fmt.Errorf("failed to parse credentials file: %w", err)
	}

	// Try "installed" first (for desktop apps), then "web"
	if creds.Installed.ClientID != "" {
		return creds.Installed.ClientID, creds.Installed.ClientSecret, nil
	}
	if creds.Web.ClientID != "" {
		return creds.Web.ClientID, creds.Web.ClientSecret, nil
	}

	return "", "", fmt.Errorf("no client_id found in credentials file (expected 'installed' or 'web' section)")
}

// GroupMe holds the optional group chat notification settings.
type GroupMe struct {
	AccessToken string `json:"access_token,omitempty" yaml:"access_token,omitempty"`
	GroupID     string `json:"group_id,omitempty" yaml:"group_id,omitempty"` // Group announced to after a sync
}

// Config holds the configuration for the shift sync tool.
type Config struct {
	GoogleCredentialsPath string `json:"google_credentials_path,omitempty" yaml:"google_credentials_path,omitempty"`
	TokenPath             string `json:"token_path,omitempty" yaml:"token_path,omitempty"` // OAuth token of the calendar owner

	FeedURL     string   `json:"feed_url,omitempty" yaml:"feed_url,omitempty"`         // SocialSchedules iCal feed
	CalendarID  string   `json:"calendar_id,omitempty" yaml:"calendar_id,omitempty"`   // Destination calendar (default: primary)
	TimeZone    string   `json:"time_zone,omitempty" yaml:"time_zone,omitempty"`       // Zone written on created events
	NotifySelf  bool     `json:"notify_self,omitempty" yaml:"notify_self,omitempty"`   // Let Google notify the owner on create
	SelectedIDs []string `json:"selected_ids,omitempty" yaml:"selected_ids,omitempty"` // Restrict the sync to these shift IDs

	ListenAddr string `json:"listen_addr,omitempty" yaml:"listen_addr,omitempty"`
	Schedule   string `json:"schedule,omitempty" yaml:"schedule,omitempty"` // Cron expression for repeated syncs

	RecurrenceHorizonDays int `json:"recurrence_horizon_days,omitempty" yaml:"recurrence_horizon_days,omitempty"`

	GroupMe GroupMe `json:"groupme,omitempty" yaml:"groupme,omitempty"`
}

// Flags carries the command-line values that override everything else.
// Empty values leave the lower layers untouched.
type Flags struct {
	GoogleCredentialsPath string
	TokenPath             string
	FeedURL               string
	CalendarID            string
	TimeZone              string
	NotifySelf            *bool // nil when the flag was not given
	ListenAddr            string
	Schedule              string
}

// LoadConfigFromFile loads configuration from a JSON or YAML file. The format
// is picked from the extension; anything other than .yaml/.yml is read as JSON.
func LoadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &config)
	default:
		err = json.Unmarshal(data, &config)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return &config, nil
}

// LoadConfig loads configuration with the following precedence (highest to lowest):
// 1. Command-line flags
// 2. Environment variables
// 3. Config file
// 4. Defaults
// Required values depend on the mode and are checked by the Validate methods.
func LoadConfig(configFile string, flags Flags) (*Config, error) {
	var config Config

	// Step 1: Load from config file if provided
	if configFile != "" {
		fileConfig, err := LoadConfigFromFile(configFile)
		if err != nil {
			return nil, err
		}
		config = *fileConfig
	}

	// Step 2: Override with environment variables
	envStrings := []struct {
		name string
		dst  *string
	}{
		{"GOOGLE_CREDENTIALS_PATH", &config.GoogleCredentialsPath},
		{"TOKEN_PATH", &config.TokenPath},
		{"ICAL_URL", &config.FeedURL},
		{"CALENDAR_ID", &config.CalendarID},
		{"TIME_ZONE", &config.TimeZone},
		{"LISTEN_ADDR", &config.ListenAddr},
		{"SYNC_SCHEDULE", &config.Schedule},
		{"GROUPME_ACCESS_TOKEN", &config.GroupMe.AccessToken},
		{"GROUPME_DEFAULT_GROUP_ID", &config.GroupMe.GroupID},
	}
	for _, env := range envStrings {
		if value := os.Getenv(env.name); value != "" {
			*env.dst = value
		}
	}

	if notifySelf := os.Getenv("NOTIFY_SELF"); notifySelf != "" {
		if notifySelfBool, err := strconv.ParseBool(notifySelf); err != nil {
			return nil, fmt.Errorf("invalid NOTIFY_SELF value: %w", err)
		} else {
			config.NotifySelf = notifySelfBool
		}
	}

	if horizon := os.Getenv("RECURRENCE_HORIZON_DAYS"); horizon != "" {
		var err error
		if config.RecurrenceHorizonDays, err = parseInt(horizon); err != nil {
			return nil, fmt.Errorf("invalid RECURRENCE_HORIZON_DAYS value: %w", err)
		}
	}

	// Step 3: Override with command-line flags (highest priority)
	flagStrings := []struct {
		value string
		dst   *string
	}{
		{flags.GoogleCredentialsPath, &config.GoogleCredentialsPath},
		{flags.TokenPath, &config.TokenPath},
		{flags.FeedURL, &config.FeedURL},
		{flags.CalendarID, &config.CalendarID},
		{flags.TimeZone, &config.TimeZone},
		{flags.ListenAddr, &config.ListenAddr},
		{flags.Schedule, &config.Schedule},
	}
	for _, flag := range flagStrings {
		if flag.value != "" {
			*flag.dst = flag.value
		}
	}
	if flags.NotifySelf != nil {
		config.NotifySelf = *flags.NotifySelf
	}

	// Step 4: Apply defaults
	// An empty list in a file means "not restricted", same as leaving it out.
	if len(config.SelectedIDs) == 0 {
		config.SelectedIDs = nil
	}
	if config.CalendarID == "" {
		config.CalendarID = DefaultCalendarID
	}
	if config.TimeZone == "" {
		config.TimeZone = DefaultTimeZone
	}
	if config.ListenAddr == "" {
		config.ListenAddr = DefaultListenAddr
	}
	if config.RecurrenceHorizonDays == 0 {
		config.RecurrenceHorizonDays = DefaultRecurrenceHorizonDays
	}

	if config.RecurrenceHorizonDays < 0 {
		return nil, fmt.Errorf("recurrence_horizon_days must not be negative, got %d", config.RecurrenceHorizonDays)
	}
	if _, err := time.LoadLocation(config.TimeZone); err != nil {
		return nil, fmt.Errorf("invalid time_zone %q: %w", config.TimeZone, err)
	}

	return &config, nil
}

// ValidateForFeed checks the values needed to read the feed.
func (c *Config) ValidateForFeed() error {
	if c.FeedURL == "" {
		return fmt.Errorf("feed_url must be provided via --ical-url flag, ICAL_URL environment variable, or config file")
	}
	return nil
}

// ValidateForSync checks the values needed for a sync from the command line.
func (c *Config) ValidateForSync() error {
	if err := c.ValidateForFeed(); err != nil {
		return err
	}
	if c.GoogleCredentialsPath == "" {
		return fmt.Errorf("google_credentials_path must be provided via --google-credentials-path flag, GOOGLE_CREDENTIALS_PATH environment variable, or config file")
	}
	if c.TokenPath == "" {
		return fmt.Errorf("token_path must be provided via --token-path flag, TOKEN_PATH environment variable, or config file")
	}
	return nil
}

// ValidateForServe checks the values needed to run the HTTP API.
func (c *Config) ValidateForServe() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr must be provided via --listen flag, LISTEN_ADDR environment variable, or config file")
	}
	return nil
}

// RecurrenceHorizon returns the configured expansion horizon.
func (c *Config) RecurrenceHorizon() time.Duration {
	return time.Duration(c.RecurrenceHorizonDays) * 24 * time.Hour
}

// NotificationsEnabled reports whether a GroupMe announcement can be sent.
func (c *Config) NotificationsEnabled() bool {
	return c.GroupMe.AccessToken != "" && c.GroupMe.GroupID != ""
}

// parseInt parses a string to an integer.
func parseInt(s string) (int, error) {
	var result int
	_, err := fmt.Sscanf(s, "%d", &result)
	return result, err
}
