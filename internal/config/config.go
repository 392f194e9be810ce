// Package config assembles notes-sync settings from defaults, a YAML file,
// a .env file and NOTES_SYNC_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/mrshanahan/notes-sync/internal/netstate"
	"github.com/mrshanahan/notes-sync/internal/offline"
	"github.com/mrshanahan/notes-sync/internal/syncer"
)

const EnvPrefix = "NOTES_SYNC_"

var (
	NotesConfigDirectory    string = path.Join(os.Getenv("HOME"), ".notes")
	DefaultConfigFileName   string = "sync.yaml"
	DefaultDatabaseName     string = "notes-sync.sqlite"
	DefaultTokenFileName    string = "token.json"
	DefaultProbeInterval           = 10 * time.Second
	DefaultAuthClientID     string = "notes-sync"
	DefaultAuthRedirectURL  string = "http://127.0.0.1:4444/auth/callback"
	DefaultReminderInterval        = time.Minute
)

var ErrInvalidConfig = errors.New("invalid configuration")

type Config struct {
	APIURL        string   `yaml:"api_url"`
	DBPath        string   `yaml:"db_path"`
	SyncInterval  Duration `yaml:"sync_interval"`
	ProbeInterval Duration `yaml:"probe_interval"`
	Notifications bool     `yaml:"notifications"`
	CacheName     string   `yaml:"cache_name"`
	Manifest      []string `yaml:"manifest"`
	// ProxyAddr is where the offline proxy listens. Empty disables it.
	ProxyAddr string `yaml:"proxy_addr"`
	Auth      Auth   `yaml:"auth"`
}

type Auth struct {
	ProviderURL string `yaml:"provider_url"`
	ClientID    string `yaml:"client_id"`
	RedirectURL string `yaml:"redirect_url"`
	TokenFile   string `yaml:"token_file"`
	Disabled    bool   `yaml:"disabled"`
}

// Duration reads Go duration strings such as "30s" from YAML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

func Default() *Config {
	return &Config{
		DBPath:        path.Join(NotesConfigDirectory, DefaultDatabaseName),
		SyncInterval:  Duration{syncer.DefaultInterval},
		ProbeInterval: Duration{DefaultProbeInterval},
		Notifications: true,
		CacheName:     offline.DefaultCacheName,
		Manifest:      append([]string(nil), offline.DefaultManifest...),
		Auth: Auth{
			ClientID:    DefaultAuthClientID,
			RedirectURL: DefaultAuthRedirectURL,
			TokenFile:   path.Join(NotesConfigDirectory, DefaultTokenFileName),
		},
	}
}

type Loader struct {
	// File is the YAML config path. Empty means the default location, which
	// may be absent; an explicit path must exist.
	File string
	// EnvFile is an optional dotenv file. Empty means ".env" in the working
	// directory, if present.
	EnvFile string
	// Lookup reads the process environment. Defaults to os.LookupEnv.
	Lookup func(string) (string, bool)
	Logger *slog.Logger
}

func (l Loader) Load() (*Config, error) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	lookup := l.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}

	cfg := Default()

	file := l.File
	explicit := file != ""
	if !explicit {
		file = path.Join(NotesConfigDirectory, DefaultConfigFileName)
	}
	data, err := os.ReadFile(file)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrInvalidConfig, file, err)
		}
		logger.Debug("loaded config file", "path", file)
	case errors.Is(err, os.ErrNotExist) && !explicit:
		logger.Debug("no config file; using defaults", "path", file)
	default:
		return nil, fmt.Errorf("read config file: %w", err)
	}

	envFile := l.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	dotenv, err := godotenv.Read(envFile)
	if err != nil {
		if l.EnvFile != "" || !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read env file: %w", err)
		}
		dotenv = map[string]string{}
	}
	env := func(name string) (string, bool) {
		if v, ok := lookup(EnvPrefix + name); ok {
			return v, true
		}
		v, ok := dotenv[EnvPrefix+name]
		return v, ok
	}
	if err := cfg.applyEnv(env); err != nil {
		return nil, err
	}

	if err := cfg.validate(logger); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(env func(string) (string, bool)) error {
	strs := map[string]*string{
		"API_URL":           &c.APIURL,
		"DB_PATH":           &c.DBPath,
		"CACHE_NAME":        &c.CacheName,
		"PROXY_ADDR":        &c.ProxyAddr,
		"AUTH_PROVIDER_URL": &c.Auth.ProviderURL,
		"AUTH_CLIENT_ID":    &c.Auth.ClientID,
		"AUTH_REDIRECT_URL": &c.Auth.RedirectURL,
		"AUTH_TOKEN_FILE":   &c.Auth.TokenFile,
	}
	for name, dst := range strs {
		if v, ok := env(name); ok {
			*dst = strings.TrimSpace(v)
		}
	}

	durations := map[string]*Duration{
		"SYNC_INTERVAL":  &c.SyncInterval,
		"PROBE_INTERVAL": &c.ProbeInterval,
	}
	for name, dst := range durations {
		if v, ok := env(name); ok {
			d, err := time.ParseDuration(strings.TrimSpace(v))
			if err != nil {
				return fmt.Errorf("%w: %s%s: %w", ErrInvalidConfig, EnvPrefix, name, err)
			}
			dst.Duration = d
		}
	}

	bools := map[string]*bool{
		"NOTIFICATIONS": &c.Notifications,
		"DISABLE_AUTH":  &c.Auth.Disabled,
	}
	for name, dst := range bools {
		if v, ok := env(name); ok {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				return fmt.Errorf("%w: %s%s: %w", ErrInvalidConfig, EnvPrefix, name, err)
			}
			*dst = b
		}
	}

	if v, ok := env("MANIFEST"); ok {
		c.Manifest = nil
		for _, entry := range strings.Split(v, ",") {
			if entry = strings.TrimSpace(entry); entry != "" {
				c.Manifest = append(c.Manifest, entry)
			}
		}
	}
	return nil
}

func (c *Config) validate(logger *slog.Logger) error {
	if c.APIURL == "" {
		return fmt.Errorf("%w: api_url is required (%sAPI_URL)", ErrInvalidConfig, EnvPrefix)
	}
	u, err := url.Parse(c.APIURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%w: api_url %q must be an absolute URL", ErrInvalidConfig, c.APIURL)
	}
	c.APIURL = strings.TrimSuffix(c.APIURL, "/")

	if c.SyncInterval.Duration < syncer.MinInterval {
		logger.Warn("sync_interval below floor; clamping",
			"requested", c.SyncInterval.Duration,
			"floor", syncer.MinInterval)
		c.SyncInterval.Duration = syncer.MinInterval
	}
	if c.ProbeInterval.Duration < netstate.MinProbeInterval {
		logger.Warn("probe_interval below floor; clamping",
			"requested", c.ProbeInterval.Duration,
			"floor", netstate.MinProbeInterval)
		c.ProbeInterval.Duration = netstate.MinProbeInterval
	}
	if c.CacheName == "" {
		c.CacheName = offline.DefaultCacheName
	}
	if c.DBPath == "" {
		return fmt.Errorf("%w: db_path is required", ErrInvalidConfig)
	}
	if !c.Auth.Disabled && c.Auth.TokenFile == "" {
		return fmt.Errorf("%w: auth.token_file is required unless auth is disabled", ErrInvalidConfig)
	}
	return nil
}

// Help describes the environment variables, for the CLI's long help.
func Help() string {
	return fmt.Sprintf(`CONFIGURATION:
	Settings are read from %s (or --config), then .env, then the environment.

ENVIRONMENT VARIABLES:
	%[2]sAPI_URL:           (required) Base URL of the notes API
	%[2]sDB_PATH:           (optional) Local queue and asset cache database (default: %[3]s)
	%[2]sSYNC_INTERVAL:     (optional) Time between sync batches (default: %[4]s, minimum: %[5]s)
	%[2]sPROBE_INTERVAL:    (optional) Time between connectivity probes (default: %[6]s)
	%[2]sNOTIFICATIONS:     (optional) Show reminder notifications; false only logs them (default: true)
	%[2]sCACHE_NAME:        (optional) Offline asset cache generation (default: %[7]s)
	%[2]sMANIFEST:          (optional) Comma-separated asset URLs to cache
	%[2]sPROXY_ADDR:        (optional) Listen address of the offline proxy (default: disabled)
	%[2]sAUTH_PROVIDER_URL: (optional) Base URL of the authorization server
	%[2]sAUTH_CLIENT_ID:    (optional) OAuth client id (default: %[8]s)
	%[2]sAUTH_REDIRECT_URL: (optional) Login callback URL (default: %[9]s)
	%[2]sAUTH_TOKEN_FILE:   (optional) Where the login is stored
	%[2]sDISABLE_AUTH:      (optional) Send requests without credentials
`,
		path.Join(NotesConfigDirectory, DefaultConfigFileName),
		EnvPrefix,
		path.Join(NotesConfigDirectory, DefaultDatabaseName),
		syncer.DefaultInterval,
		syncer.MinInterval,
		DefaultProbeInterval,
		offline.DefaultCacheName,
		DefaultAuthClientID,
		DefaultAuthRedirectURL)
}
