package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/api/drive/v3"
)

const (
	providerGoogleDrive = "gdrive"
	providerOneDrive    = "onedrive"
)

// Config holds everything a backup run needs to know. Flags default to the environment.
type Config struct {
	Provider         string
	CredentialsFile  string
	TokenFile        string
	OneDriveClientID string
	FolderName       string
	Paths            []string
	Scopes           []string
	AuthPort         string
	IncludeHidden    bool
	MetricsPort      string
	Every            time.Duration
	LogLevel         string
	LogFile          bool

	// first malformed environment value, reported by finalize
	envErr error
}

func configFromEnv() *Config {
	every, envErr := envDuration("DAEMON_INTERVAL")
	return &Config{
		Provider:         envOr("STORAGE_PROVIDER", providerGoogleDrive),
		CredentialsFile:  envOr("GOOGLE_CREDENTIALS_FILE", "credentials.json"),
		OneDriveClientID: os.Getenv("ONEDRIVE_CLIENT_ID"),
		FolderName:       envOr("BACKUP_FOLDER_NAME", "BackupFolder"),
		Paths:            envList("BACKUP_PATHS", []string{"backup_test"}),
		Scopes:           envList("GOOGLE_SCOPES", []string{drive.DriveScope}),
		AuthPort:         envOr("HTTP_PORT", "0"),
		IncludeHidden:    envBool("BACKUP_INCLUDE_HIDDEN"),
		MetricsPort:      os.Getenv("METRICS_HTTP_PORT"),
		Every:            every,
		LogLevel:         envOr("LOG_LEVEL", "info"),
		LogFile:          envBool("ENABLE_FILE_LOGGING"),
		envErr:           envErr,
	}
}

func (c *Config) bindFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringVar(&c.Provider, "provider", c.Provider, "Storage provider, gdrive or onedrive (or set STORAGE_PROVIDER)")
	flags.StringVar(&c.CredentialsFile, "credentials", c.CredentialsFile, "Google OAuth client secrets file (or set GOOGLE_CREDENTIALS_FILE)")
	flags.StringVar(&c.TokenFile, "token", c.TokenFile, "Cached OAuth token file (default depends on provider)")
	flags.StringVar(&c.OneDriveClientID, "onedrive-client-id", c.OneDriveClientID, "OneDrive application ID (or set ONEDRIVE_CLIENT_ID)")
	flags.StringVarP(&c.FolderName, "folder", "f", c.FolderName, "Name of the remote folder to store backups in (or set BACKUP_FOLDER_NAME)")
	flags.StringSliceVar(&c.Scopes, "scope", c.Scopes, "Google OAuth scopes (or set GOOGLE_SCOPES)")
	flags.StringVar(&c.AuthPort, "auth-port", c.AuthPort, "Local port for the OAuth redirect, 0 picks a free one (or set HTTP_PORT)")
	flags.BoolVar(&c.IncludeHidden, "include-hidden", c.IncludeHidden, "Also back up files and directories starting with a dot")
	flags.StringVar(&c.MetricsPort, "metrics-port", c.MetricsPort, "Expose Prometheus metrics on this port (or set METRICS_HTTP_PORT)")
	flags.DurationVar(&c.Every, "every", c.Every, "Repeat the backup at this interval instead of running once (or set DAEMON_INTERVAL)")
	flags.StringVar(&c.LogLevel, "log-level", c.LogLevel, "debug, info, warn or error (or set LOG_LEVEL)")
	flags.BoolVar(&c.LogFile, "log-file", c.LogFile, "Also write logs to a timestamped file (or set ENABLE_FILE_LOGGING=1)")
}

// finalize applies positional paths and provider dependent defaults, then validates
func (c *Config) finalize(args []string) error {
	if c.envErr != nil {
		return c.envErr
	}
	if len(args) > 0 {
		c.Paths = args
	}

	c.Provider = strings.ToLower(c.Provider)
	if c.TokenFile == "" {
		switch c.Provider {
		case providerOneDrive:
			c.TokenFile = envOr("ONEDRIVE_TOKEN_FILE", "onedrive_token.json")
		default:
			c.TokenFile = envOr("GOOGLE_TOKEN_FILE", "token.json")
		}
	}

	switch c.Provider {
	case providerGoogleDrive, providerOneDrive:
	default:
		return fmt.Errorf("unknown storage provider: %s. Valid options are 'gdrive' or 'onedrive'", c.Provider)
	}

	if c.FolderName == "" {
		return fmt.Errorf("backup folder name cannot be empty")
	}
	if len(c.Paths) == 0 {
		return fmt.Errorf("no paths specified for backup")
	}
	if c.Every < 0 {
		return fmt.Errorf("interval cannot be negative: %s", c.Every)
	}
	return nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}

	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envBool(key string) bool {
	v, err := strconv.ParseBool(os.Getenv(key))
	return err == nil && v
}

// envDuration parses key as a Go duration or a bare number of seconds
func envDuration(key string) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return 0, nil
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d, nil
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return 0, fmt.Errorf("invalid %s %q: expected a duration like 90s or 1h, or a number of seconds", key, v)
}
