// Package conf carries the daemon's runtime configuration. Values come
// from compiled defaults, overlaid by an optional YAML file, overlaid by
// PNGD_* environment variables (an .env file is honored when present).
package conf

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const DefaultPath = "pngd.yaml"

// Duration parses "90s"-style YAML scalars.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	td, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(td)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

type Config struct {
	Listen   string `yaml:"listen"`
	ImgDir   string `yaml:"imgdir"`
	CacheDir string `yaml:"cachedir"`

	// Decode limits, handed to the raster sink. Zero means unlimited.
	MaxWidth  int `yaml:"maxwidth"`
	MaxHeight int `yaml:"maxheight"`

	Workers  int      `yaml:"workers"`  // decode workers
	Encoders int      `yaml:"encoders"` // thumbnail encode workers
	Slots    int      `yaml:"slots"`    // decoded rasters kept in memory
	CacheTTL Duration `yaml:"cachettl"` // thumbnail dir lifetime

	LogFile string `yaml:"logfile"` // rotated; empty logs to stderr only
	Dev     bool   `yaml:"dev"`
}

func defaults() Config {
	return Config{
		Listen:    ":3003",
		ImgDir:    "img",
		CacheDir:  "cache",
		MaxWidth:  20000,
		MaxHeight: 20000,
		Workers:   2,
		Encoders:  7,
		Slots:     100,
		CacheTTL:  Duration(3 * time.Minute),
	}
}

// Load reads the configuration from path. A missing file is not an
// error, the defaults plus environment apply.
func Load(path string) (Config, error) {
	c := defaults()

	godotenv.Load()

	if buf, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(buf, &c); err != nil {
			return c, fmt.Errorf("conf: %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return c, err
	}

	envStr(&c.Listen, "PNGD_LISTEN")
	envStr(&c.ImgDir, "PNGD_IMGDIR")
	envStr(&c.CacheDir, "PNGD_CACHEDIR")
	envStr(&c.LogFile, "PNGD_LOGFILE")
	envInt(&c.MaxWidth, "PNGD_MAXWIDTH")
	envInt(&c.MaxHeight, "PNGD_MAXHEIGHT")
	envInt(&c.Workers, "PNGD_WORKERS")
	envInt(&c.Encoders, "PNGD_ENCODERS")
	envInt(&c.Slots, "PNGD_SLOTS")
	envBool(&c.Dev, "PNGD_DEV")
	if v := os.Getenv("PNGD_CACHETTL"); v != "" {
		ttl, err := time.ParseDuration(v)
		if err != nil {
			return c, fmt.Errorf("conf: PNGD_CACHETTL: %w", err)
		}
		c.CacheTTL = Duration(ttl)
	}

	if c.Workers < 1 || c.Encoders < 1 || c.Slots < 1 {
		return c, fmt.Errorf("conf: workers, encoders and slots must be positive")
	}
	return c, nil
}

func envStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
