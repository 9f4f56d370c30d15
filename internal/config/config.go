// Package config loads the process configuration the way
// atlasdatatech-tiler/main.go's initConf loads conf.toml: viper reads a
// TOML file plus matching environment variables, with defaults for
// everything the file omits. Unknown keys are rejected outright so a
// typo'd config key fails fast instead of silently being ignored.
package config

import (
	"fmt"
	"os"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// MapServerConfig mirrors mapserver.Server's declarative shape so it
// can be unmarshaled straight out of TOML.
type MapServerConfig struct {
	ID          int    `mapstructure:"id"`
	URLBase     string `mapstructure:"url_base"`
	URLTemplate string `mapstructure:"url_template"`
	Proxy       string `mapstructure:"proxy"`
}

// Config is the full set of tunables for one run of the acquisition
// engine, the CLI, and the control-plane server.
type Config struct {
	StagingDir string `mapstructure:"staging_dir"`
	FinalRoot  string `mapstructure:"final_root"`
	BackupRoot string `mapstructure:"backup_root"`
	IndexPath  string `mapstructure:"index_path"`

	Workers           int     `mapstructure:"workers"`
	Overwrite         int     `mapstructure:"overwrite"`
	RetriesPerChunk   int     `mapstructure:"retries_per_chunk"`
	RadiusNM          float64 `mapstructure:"radius_nm"`
	BaseSizeID        int     `mapstructure:"base_size_id"`
	FloorSizeID       int     `mapstructure:"floor_size_id"`
	PreCoverageSizeID int     `mapstructure:"pre_coverage_size_id"`

	HTTPAddr       string `mapstructure:"http_addr"`
	FlightGearAddr string `mapstructure:"flightgear_addr"`

	LogLevel   string `mapstructure:"log_level"`
	LogFile    string `mapstructure:"log_file"`

	MapServers []MapServerConfig `mapstructure:"mapservers"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("staging_dir", "~/.photoscenery/staging")
	v.SetDefault("final_root", "~/.photoscenery/Orthophotos")
	v.SetDefault("backup_root", "~/.photoscenery/Orthophotos.bak")
	v.SetDefault("index_path", "~/.photoscenery/index.json")

	v.SetDefault("workers", 8)
	v.SetDefault("overwrite", 1)
	v.SetDefault("retries_per_chunk", 3)
	v.SetDefault("radius_nm", 30.0)
	v.SetDefault("base_size_id", 3)
	v.SetDefault("floor_size_id", 0)
	v.SetDefault("pre_coverage_size_id", 1)

	v.SetDefault("http_addr", "127.0.0.1:8000")
	v.SetDefault("flightgear_addr", "127.0.0.1:5500")

	v.SetDefault("log_level", "info")
	v.SetDefault("log_file", "")
}

// Load reads path (TOML) over the defaults above, with environment
// variables of the same key (upper-cased) taking precedence, the way
// initConf layers viper.AutomaticEnv over viper.SetDefault. Any key
// present in the file that doesn't map onto a Config field is an
// error rather than a silent no-op.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return nil, fmt.Errorf("config file %q does not exist", path)
		}
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %q: %w", path, err)
		}
	}
	v.AutomaticEnv()

	var cfg Config
	if err := v.UnmarshalExact(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := expandPaths(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func expandPaths(cfg *Config) error {
	for _, p := range []*string{&cfg.StagingDir, &cfg.FinalRoot, &cfg.BackupRoot, &cfg.IndexPath, &cfg.LogFile} {
		if *p == "" {
			continue
		}
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("expand path %q: %w", *p, err)
		}
		*p = expanded
	}
	return nil
}
