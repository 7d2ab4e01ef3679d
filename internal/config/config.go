package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml"
)

// FramePlaceholder is replaced by the frame index in a source URL template.
const FramePlaceholder = "$Frame$"

// Source is a frame sequence served by an upstream origin.
type Source struct {
	ID   string
	Name string
	// URL is a template; FramePlaceholder is substituted per request.
	URL        string
	FrameCount int
	FPS        float64
}

// Playback tunes look-ahead buffering.
type Playback struct {
	Lookahead        int
	ChunkSize        int
	Workers          int
	FetchConcurrency int
	CacheFrames      int
	FetchInterval    time.Duration
	RequestTimeout   time.Duration
	// RateLimit caps upstream requests per second; 0 means unlimited.
	RateLimit float64
}

// Config holds the fully processed application configuration.
type Config struct {
	Name      string
	Listen    string
	LogLevel  string
	LogFormat string
	UserAgent string
	Playback  Playback
	Sources   []Source
}

// rawPlayback keeps durations as strings the way they are written in the file.
type rawPlayback struct {
	Lookahead        int     `toml:"lookahead"`
	ChunkSize        int     `toml:"chunk_size"`
	Workers          int     `toml:"workers"`
	FetchConcurrency int     `toml:"fetch_concurrency"`
	CacheFrames      int     `toml:"cache_frames"`
	FetchInterval    string  `toml:"fetch_interval"`
	RequestTimeout   string  `toml:"request_timeout"`
	RateLimit        float64 `toml:"rate_limit"`
}

type rawSource struct {
	ID         string  `toml:"id"`
	Name       string  `toml:"name"`
	URL        string  `toml:"url"`
	FrameCount int     `toml:"frame_count"`
	FPS        float64 `toml:"fps"`
}

// rawConfig is the intermediate structure that maps directly to the TOML file.
type rawConfig struct {
	Name      string      `toml:"name"`
	Listen    string      `toml:"listen"`
	LogLevel  string      `toml:"log_level"`
	LogFormat string      `toml:"log_format"`
	UserAgent string      `toml:"user_agent"`
	Playback  rawPlayback `toml:"playback"`
	Sources   []rawSource `toml:"sources"`
}

// Default returns the configuration used for any field the file leaves unset.
func Default() *Config {
	return &Config{
		Name:      "framebufd",
		Listen:    ":8080",
		LogLevel:  "info",
		LogFormat: "json",
		UserAgent: "framebufd/1.0",
		Playback: Playback{
			Lookahead:        120,
			ChunkSize:        24,
			Workers:          4,
			FetchConcurrency: 8,
			CacheFrames:      2048,
			FetchInterval:    500 * time.Millisecond,
			RequestTimeout:   5 * time.Second,
		},
	}
}

// LoadConfig reads and parses the configuration file at path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file at %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes TOML, fills defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	var raw rawConfig
	if err := toml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config TOML: %w", err)
	}

	cfg := Default()
	setString(&cfg.Name, raw.Name)
	setString(&cfg.Listen, raw.Listen)
	setString(&cfg.LogLevel, raw.LogLevel)
	setString(&cfg.LogFormat, raw.LogFormat)
	setString(&cfg.UserAgent, raw.UserAgent)

	pb := &cfg.Playback
	setInt(&pb.Lookahead, raw.Playback.Lookahead)
	setInt(&pb.ChunkSize, raw.Playback.ChunkSize)
	setInt(&pb.Workers, raw.Playback.Workers)
	setInt(&pb.FetchConcurrency, raw.Playback.FetchConcurrency)
	setInt(&pb.CacheFrames, raw.Playback.CacheFrames)
	if raw.Playback.RateLimit != 0 {
		pb.RateLimit = raw.Playback.RateLimit
	}

	var err error
	if pb.FetchInterval, err = parseDuration("fetch_interval", raw.Playback.FetchInterval, pb.FetchInterval); err != nil {
		return nil, err
	}
	if pb.RequestTimeout, err = parseDuration("request_timeout", raw.Playback.RequestTimeout, pb.RequestTimeout); err != nil {
		return nil, err
	}

	cfg.Sources = make([]Source, 0, len(raw.Sources))
	for _, rs := range raw.Sources {
		cfg.Sources = append(cfg.Sources, Source{
			ID:         rs.ID,
			Name:       rs.Name,
			URL:        rs.URL,
			FrameCount: rs.FrameCount,
			FPS:        rs.FPS,
		})
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the processed configuration for values the server cannot run with.
func (c *Config) Validate() error {
	pb := c.Playback
	switch {
	case pb.Lookahead <= 0:
		return fmt.Errorf("playback.lookahead must be positive, got %d", pb.Lookahead)
	case pb.ChunkSize <= 0:
		return fmt.Errorf("playback.chunk_size must be positive, got %d", pb.ChunkSize)
	case pb.Workers <= 0:
		return fmt.Errorf("playback.workers must be positive, got %d", pb.Workers)
	case pb.FetchConcurrency <= 0:
		return fmt.Errorf("playback.fetch_concurrency must be positive, got %d", pb.FetchConcurrency)
	case pb.CacheFrames <= 0:
		return fmt.Errorf("playback.cache_frames must be positive, got %d", pb.CacheFrames)
	case pb.CacheFrames < pb.Lookahead:
		return fmt.Errorf("playback.cache_frames (%d) must hold at least playback.lookahead (%d) frames", pb.CacheFrames, pb.Lookahead)
	case pb.FetchInterval <= 0:
		return fmt.Errorf("playback.fetch_interval must be positive, got %v", pb.FetchInterval)
	case pb.RateLimit < 0:
		return fmt.Errorf("playback.rate_limit must not be negative, got %v", pb.RateLimit)
	}

	seen := make(map[string]struct{}, len(c.Sources))
	for _, s := range c.Sources {
		if s.ID == "" {
			return fmt.Errorf("source with url '%s' has no id", s.URL)
		}
		if _, dup := seen[s.ID]; dup {
			return fmt.Errorf("duplicate source ID found in config: %s", s.ID)
		}
		seen[s.ID] = struct{}{}
		if !strings.Contains(s.URL, FramePlaceholder) {
			return fmt.Errorf("url for source '%s' must contain %s, got '%s'", s.ID, FramePlaceholder, s.URL)
		}
		if s.FrameCount <= 0 {
			return fmt.Errorf("frame_count for source '%s' must be positive, got %d", s.ID, s.FrameCount)
		}
	}
	return nil
}

// Source looks up a source by ID.
func (c *Config) Source(id string) (Source, bool) {
	for _, s := range c.Sources {
		if s.ID == id {
			return s, true
		}
	}
	return Source{}, false
}

// Encode renders c back into the TOML file format.
func (c *Config) Encode() ([]byte, error) {
	raw := rawConfig{
		Name:      c.Name,
		Listen:    c.Listen,
		LogLevel:  c.LogLevel,
		LogFormat: c.LogFormat,
		UserAgent: c.UserAgent,
		Playback: rawPlayback{
			Lookahead:        c.Playback.Lookahead,
			ChunkSize:        c.Playback.ChunkSize,
			Workers:          c.Playback.Workers,
			FetchConcurrency: c.Playback.FetchConcurrency,
			CacheFrames:      c.Playback.CacheFrames,
			FetchInterval:    c.Playback.FetchInterval.String(),
			RequestTimeout:   c.Playback.RequestTimeout.String(),
			RateLimit:        c.Playback.RateLimit,
		},
	}
	for _, s := range c.Sources {
		raw.Sources = append(raw.Sources, rawSource{
			ID:         s.ID,
			Name:       s.Name,
			URL:        s.URL,
			FrameCount: s.FrameCount,
			FPS:        s.FPS,
		})
	}
	return toml.Marshal(raw)
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func parseDuration(field, v string, fallback time.Duration) (time.Duration, error) {
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid playback.%s '%s': %w", field, v, err)
	}
	return d, nil
}
