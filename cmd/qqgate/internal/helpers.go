package internal

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/tinyland-inc/qqgate/pkg/config"
	"github.com/tinyland-inc/qqgate/pkg/logger"
)

const Logo = "🐧"

var (
	version   = "dev"
	gitCommit string
	buildTime string
	goVersion string
)

// ConfigPath is set by the root --config flag.
var ConfigPath string

func GetConfigPath() string {
	if ConfigPath != "" {
		return config.ExpandHome(ConfigPath)
	}
	if p := os.Getenv("QQGATE_CONFIG"); p != "" {
		return config.ExpandHome(p)
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".qqgate", "config.json")
}

// LoadConfig loads and validates the config and applies its log level.
func LoadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(GetConfigPath())
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger.SetLevel(logger.ParseLevel(cfg.Log.Level))
	return cfg, nil
}

// FormatVersion returns the version string with optional git commit
func FormatVersion() string {
	v := version
	if gitCommit != "" {
		v += fmt.Sprintf(" (git: %s)", gitCommit)
	}
	return v
}

// FormatBuildInfo returns build time and go version info
func FormatBuildInfo() (string, string) {
	build := buildTime
	goVer := goVersion
	if goVer == "" {
		goVer = runtime.Version()
	}
	return build, goVer
}

func GetVersion() string {
	return version
}
