// Package config resolves simpicd's process surface: built-in defaults, an
// optional .env file, environment variables and flags, in that order of
// increasing precedence — an explicit flag always wins, an env var beats
// both the .env file and the built-in default.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"

	"github.com/joho/godotenv"
)

// DefaultPort is the daemon's default listening port.
const DefaultPort = 20202

// Config holds everything the daemon or the warm subcommand needs to run.
type Config struct {
	Port        uint16
	RecycleBin  string
	CacheDir    string
	ForceDelete bool
	LogLevel    string
	NoColor     bool
	ScanWorkers int
}

// Default returns a Config populated with the daemon's built-in defaults,
// rooted under the user's home directory the same way a long-lived daemon
// with no explicit --cache-dir/--recycle-bin should behave.
func Default() Config {
	base := simpicHome()
	return Config{
		Port:        DefaultPort,
		RecycleBin:  filepath.Join(base, "recycle-bin"),
		CacheDir:    filepath.Join(base, "cache"),
		ForceDelete: false,
		LogLevel:    "info",
		NoColor:     false,
		ScanWorkers: runtime.NumCPU(),
	}
}

// LoadDotenv loads a .env file at path into os.Environ, if present. A
// missing file is not an error — it's the common case for a fresh
// install — but a malformed one is.
func LoadDotenv(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overlays every set SIMPICD_* environment variable onto cfg. The
// commands call it before binding flags, so the overlaid values become the
// flag defaults and a flag the operator actually typed still wins over the
// environment.
func ApplyEnv(cfg *Config) {
	if v, ok := os.LookupEnv("SIMPICD_PORT"); ok {
		if port, err := strconv.ParseUint(v, 10, 16); err == nil {
			cfg.Port = uint16(port)
		}
	}
	if v, ok := os.LookupEnv("SIMPICD_RECYCLE_BIN"); ok {
		cfg.RecycleBin = v
	}
	if v, ok := os.LookupEnv("SIMPICD_CACHE_DIR"); ok {
		cfg.CacheDir = v
	}
	if v, ok := os.LookupEnv("SIMPICD_FORCE_DELETE"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.ForceDelete = b
		}
	}
	if v, ok := os.LookupEnv("SIMPICD_LOG_LEVEL"); ok {
		cfg.LogLevel = v
	}
}

// EnsureDirs creates the cache and recycle-bin directories if they don't
// already exist, since a fresh install has neither.
func (c Config) EnsureDirs() error {
	for _, dir := range []string{c.CacheDir, c.RecycleBin} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// DotenvPath returns the .env file simpicd looks for: ~/.simpic/.env, the
// directory that holds the default cache directory, whatever c.CacheDir is
// set to. This adapts the spok/mutagen examples' "next to the project
// config" convention to a daemon with no project file of its own.
func (c Config) DotenvPath() string {
	return filepath.Join(simpicHome(), ".env")
}

func simpicHome() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".simpic")
}
