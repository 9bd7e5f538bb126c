// Package config loads the process's startup configuration from a TOML
// file overlaid with environment variables, via viper.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/spf13/viper"
)

// Server holds the HTTP/WS bind settings.
type Server struct {
	Host     string
	Port     int
	Password string
}

// Resolver holds settings for the external URI-resolution collaborator.
type Resolver struct {
	Enabled    bool
	Timeout    time.Duration
	YTDLPPath  string
	FFMPEGPath string
}

// Sources holds the allow/block URL policy and Spotify credentials (for
// title-search resolution of spotify.com URLs).
type Sources struct {
	Allow                 []string
	Block                 []string
	SpotifyClientID       string
	SpotifyClientSecret   string
	compiledAllow         []*regexp.Regexp
	compiledBlock         []*regexp.Regexp
}

// Logging holds the logging setup.
type Logging struct {
	Level string
	JSON  bool
}

// Config is the fully resolved, effective startup configuration.
type Config struct {
	Server   Server
	Resolver Resolver
	Sources  Sources
	Logging  Logging
}

const (
	defaultConfigName = "resonix"
	altConfigName     = "Resonix"
)

// Load reads resonix.toml (or Resonix.toml) from the working directory if
// present, overlays recognized environment variables, compiles the
// allow/block regex lists, and resolves the Spotify-credential env-var
// indirection (a config value that names an existing env var resolves to
// that env var's value).
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("toml")
	v.AddConfigPath(".")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 7878)
	v.SetDefault("server.password", "")
	v.SetDefault("resolver.enabled", true)
	v.SetDefault("resolver.timeout_ms", 20000)
	v.SetDefault("resolver.ytdlp_path", "yt-dlp")
	v.SetDefault("resolver.ffmpeg_path", "ffmpeg")
	v.SetDefault("sources.allow", []string{})
	v.SetDefault("sources.block", []string{})
	v.SetDefault("sources.spotify_client_id", "")
	v.SetDefault("sources.spotify_client_secret", "")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.json", false)

	v.SetConfigName(defaultConfigName)
	err := v.ReadInConfig()
	if err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			v.SetConfigName(altConfigName)
			err = v.ReadInConfig()
		}
	}
	if err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	v.MustBindEnv("resolver.enabled", "RESONIX_RESOLVE")
	v.MustBindEnv("resolver.ytdlp_path", "YTDLP_PATH")
	v.MustBindEnv("resolver.ffmpeg_path", "FFMPEG_PATH")
	v.MustBindEnv("resolver.timeout_ms", "RESOLVE_TIMEOUT_MS")
	v.MustBindEnv("logging.json", "RESONIX_LOG_JSON")

	cfg := &Config{
		Server: Server{
			Host:     v.GetString("server.host"),
			Port:     v.GetInt("server.port"),
			Password: v.GetString("server.password"),
		},
		Resolver: Resolver{
			Enabled:    v.GetBool("resolver.enabled"),
			Timeout:    time.Duration(v.GetInt("resolver.timeout_ms")) * time.Millisecond,
			YTDLPPath:  v.GetString("resolver.ytdlp_path"),
			FFMPEGPath: v.GetString("resolver.ffmpeg_path"),
		},
		Sources: Sources{
			Allow:               v.GetStringSlice("sources.allow"),
			Block:               v.GetStringSlice("sources.block"),
			SpotifyClientID:     resolveIndirect(v.GetString("sources.spotify_client_id"), "SPOTIFY_CLIENT_ID"),
			SpotifyClientSecret: resolveIndirect(v.GetString("sources.spotify_client_secret"), "SPOTIFY_CLIENT_SECRET"),
		},
		Logging: Logging{
			Level: v.GetString("logging.level"),
			JSON:  v.GetBool("logging.json"),
		},
	}

	cfg.Sources.compiledAllow = compilePatterns(cfg.Sources.Allow)
	cfg.Sources.compiledBlock = compilePatterns(cfg.Sources.Block)

	return cfg, nil
}

// resolveIndirect implements the "a config value that names an existing
// env var resolves to that env var's value" indirection for credentials
// that should not be written in plaintext to a config file on disk. If
// literal is empty, fall back to reading envVar directly.
func resolveIndirect(literal, envVar string) string {
	if literal == "" {
		return os.Getenv(envVar)
	}
	if v, ok := os.LookupEnv(literal); ok {
		return v
	}
	return literal
}

func compilePatterns(patterns []string) []*regexp.Regexp {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			// Logging is not wired up yet at config-load time; an invalid
			// pattern is skipped, never fatal.
			continue
		}
		compiled = append(compiled, re)
	}
	return compiled
}

// URLAllowed reports whether uri passes the allow/block policy: blocked if
// it matches any block pattern; otherwise allowed if the allow list is
// empty or it matches any allow pattern.
func (s *Sources) URLAllowed(uri string) bool {
	for _, re := range s.compiledBlock {
		if re.MatchString(uri) {
			return false
		}
	}
	if len(s.compiledAllow) == 0 {
		return true
	}
	for _, re := range s.compiledAllow {
		if re.MatchString(uri) {
			return true
		}
	}
	return false
}

// DefaultTOML is the content written by --init-config.
const DefaultTOML = `[server]
host = "0.0.0.0"
port = 7878
password = ""

[resolver]
enabled = true
timeout_ms = 20000
ytdlp_path = "yt-dlp"
ffmpeg_path = "ffmpeg"

[sources]
allow = []
block = []
spotify_client_id = ""
spotify_client_secret = ""

[logging]
level = "info"
json = false
`

// ConfigFileCandidates returns the file names Load checks, in order.
func ConfigFileCandidates() []string {
	return []string{defaultConfigName + ".toml", altConfigName + ".toml"}
}

// InitConfigPath returns the canonical path --init-config writes to.
func InitConfigPath() string {
	return defaultConfigName + ".toml"
}
