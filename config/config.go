package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"github.com/dhcgn/mbox-dedup/model"
)

// DefaultFolderPattern is the Thunderbird subfolder directory suffix.
const DefaultFolderPattern = "Inbox.sbd"

// Config captures every option of every command. Each component reads
// only its own section.
type Config struct {
	Location    string            `toml:"location"`
	Log         LogConfig         `toml:"log"`
	Filter      FilterConfig      `toml:"filter"`
	Dedup       DedupConfig       `toml:"dedup"`
	Plan        PlanConfig        `toml:"plan"`
	Combinatory CombinatoryConfig `toml:"combinatory"`
}

type LogConfig struct {
	Level    string `toml:"level"`
	Dir      string `toml:"dir"`
	Progress bool   `toml:"progress"`
}

// SlogLevel maps Level to a slog level.
func (c LogConfig) SlogLevel() (slog.Level, error) {
	switch c.Level {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid --log-level: %s", c.Level)
	}
}

// FilterConfig selects which discovered mailbox files take part.
type FilterConfig struct {
	Include []string `toml:"include"`
	Exclude []string `toml:"exclude"`
}

type DedupConfig struct {
	HashSource  string `toml:"hash_source"`
	HashStorage string `toml:"hash_storage"`
	OutputDir   string `toml:"output_dir"`
	Workers     int    `toml:"workers"`
	Verify      bool   `toml:"verify"`
}

type PlanConfig struct {
	FolderPattern string `toml:"folder_pattern"`
	OutputDir     string `toml:"output_dir"`
}

type CombinatoryConfig struct {
	FolderPattern   string `toml:"folder_pattern"`
	StorageLocation string `toml:"storage_location"`
	ManifestPath    string `toml:"manifest"`
	CopyBack        bool   `toml:"copy_back"`
	HashSource      string `toml:"hash_source"`
	Workers         int    `toml:"workers"`
}

// Default returns the configuration used when neither a file nor a flag
// sets a value.
func Default() Config {
	workers := runtime.NumCPU()
	return Config{
		Log: LogConfig{
			Level:    "info",
			Progress: true,
		},
		Dedup: DedupConfig{
			HashSource: string(model.HashSourceParsed),
			OutputDir:  ".",
			Workers:    workers,
			Verify:     true,
		},
		Plan: PlanConfig{
			FolderPattern: DefaultFolderPattern,
			OutputDir:     ".",
		},
		Combinatory: CombinatoryConfig{
			FolderPattern: DefaultFolderPattern,
			CopyBack:      true,
			HashSource:    string(model.HashSourceParsed),
			Workers:       workers,
		},
	}
}

// RegisterGlobalFlags attaches the flags shared by every command.
func RegisterGlobalFlags(cmd *cobra.Command) {
	def := Default()
	flags := cmd.PersistentFlags()
	flags.String("config", "", "Path to a TOML configuration file")
	flags.String("log-level", def.Log.Level, "Logging level: debug, info, warn, error")
	flags.String("log-dir", "", "Directory to additionally write log files to")
	flags.Bool("progress", def.Log.Progress, "Show a progress bar")
	flags.StringArray("include", nil, "Regex allow-list applied to mailbox file paths (mutually exclusive with --exclude)")
	flags.StringArray("exclude", nil, "Regex block-list applied to mailbox file paths (mutually exclusive with --include)")
}

// RegisterDedupFlags attaches the flags of the dedup command.
func RegisterDedupFlags(cmd *cobra.Command) {
	def := Default()
	flags := cmd.Flags()
	flags.String("hash-source", def.Dedup.HashSource, "Fingerprint deciding identity: disk or parsed")
	flags.String("hash-storage", "", "SQLite file for the hash index (default: in memory)")
	flags.String("output-dir", def.Dedup.OutputDir, "Directory for the deduplicated mbox and diverted records")
	flags.Int("workers", def.Dedup.Workers, "Number of files hashed concurrently")
	flags.Bool("verify", def.Dedup.Verify, "Re-read the output with an independent mbox reader")
}

// RegisterPlanFlags attaches the flags of the plan command.
func RegisterPlanFlags(cmd *cobra.Command) {
	def := Default()
	flags := cmd.Flags()
	flags.String("folder-pattern", def.Plan.FolderPattern, "Path fragment splitting the tree into partitions")
	flags.String("output-dir", def.Plan.OutputDir, "Directory for the plan document")
}

// RegisterLinkFlags attaches the flags of the link command.
func RegisterLinkFlags(cmd *cobra.Command) {
	def := Default()
	cmd.Flags().String("output-dir", def.Plan.OutputDir, "Directory to create the workspace under")
}

// RegisterCombinatoryFlags attaches the flags of the combinatory command.
func RegisterCombinatoryFlags(cmd *cobra.Command) {
	def := Default()
	flags := cmd.Flags()
	flags.String("folder-pattern", def.Combinatory.FolderPattern, "Path fragment splitting the tree into partitions")
	flags.String("storage-location", "", "Directory for temporary workspaces (default: system temp directory)")
	flags.String("manifest", "", "Path of the operation manifest")
	flags.Bool("copy-back", def.Combinatory.CopyBack, "Copy each result next to its source folder with a _Dedup suffix")
	flags.String("hash-source", def.Combinatory.HashSource, "Fingerprint deciding identity: disk or parsed")
	flags.Int("workers", def.Combinatory.Workers, "Number of partitions and files processed concurrently")
}

// LoadConfig merges defaults, the optional --config file and explicitly
// set flags, in that order. A first positional argument sets Location.
func LoadConfig(cmd *cobra.Command, args []string) (Config, error) {
	cfg := Default()

	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return Config{}, err
	}
	if path != "" {
		if err := LoadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	if err := applyFlags(cmd, &cfg); err != nil {
		return Config{}, err
	}
	if len(args) > 0 {
		cfg.Location = args[0]
	}
	if cfg.Location != "" {
		cfg.Location = filepath.Clean(cfg.Location)
	}

	cfg.Log.Level = strings.ToLower(cfg.Log.Level)
	if cfg.Log.Level == "warning" {
		cfg.Log.Level = "warn"
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFile decodes a TOML file over cfg. Unknown keys are rejected.
func LoadFile(path string, cfg *Config) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	decoder := toml.NewDecoder(file).DisallowUnknownFields()
	if err := decoder.Decode(cfg); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return fmt.Errorf("config %s: %s", path, strict.String())
		}
		return fmt.Errorf("config %s: %w", path, err)
	}
	return nil
}

func applyFlags(cmd *cobra.Command, cfg *Config) error {
	strs := []struct {
		name string
		dst  []*string
	}{
		{"log-level", []*string{&cfg.Log.Level}},
		{"log-dir", []*string{&cfg.Log.Dir}},
		{"hash-source", []*string{&cfg.Dedup.HashSource, &cfg.Combinatory.HashSource}},
		{"hash-storage", []*string{&cfg.Dedup.HashStorage}},
		{"output-dir", []*string{&cfg.Dedup.OutputDir, &cfg.Plan.OutputDir}},
		{"folder-pattern", []*string{&cfg.Plan.FolderPattern, &cfg.Combinatory.FolderPattern}},
		{"storage-location", []*string{&cfg.Combinatory.StorageLocation}},
		{"manifest", []*string{&cfg.Combinatory.ManifestPath}},
	}
	for _, s := range strs {
		if !changed(cmd, s.name) {
			continue
		}
		value, err := cmd.Flags().GetString(s.name)
		if err != nil {
			return err
		}
		for _, dst := range s.dst {
			*dst = value
		}
	}

	if changed(cmd, "workers") {
		workers, err := cmd.Flags().GetInt("workers")
		if err != nil {
			return err
		}
		cfg.Dedup.Workers = workers
		cfg.Combinatory.Workers = workers
	}
	if changed(cmd, "progress") {
		progress, err := cmd.Flags().GetBool("progress")
		if err != nil {
			return err
		}
		cfg.Log.Progress = progress
	}
	if changed(cmd, "verify") {
		verify, err := cmd.Flags().GetBool("verify")
		if err != nil {
			return err
		}
		cfg.Dedup.Verify = verify
	}
	if changed(cmd, "copy-back") {
		copyBack, err := cmd.Flags().GetBool("copy-back")
		if err != nil {
			return err
		}
		cfg.Combinatory.CopyBack = copyBack
	}
	if changed(cmd, "include") {
		include, err := cmd.Flags().GetStringArray("include")
		if err != nil {
			return err
		}
		cfg.Filter.Include = include
	}
	if changed(cmd, "exclude") {
		exclude, err := cmd.Flags().GetStringArray("exclude")
		if err != nil {
			return err
		}
		cfg.Filter.Exclude = exclude
	}
	return nil
}

func changed(cmd *cobra.Command, name string) bool {
	flag := cmd.Flags().Lookup(name)
	return flag != nil && flag.Changed
}

func validateConfig(cfg Config) error {
	if _, err := cfg.Log.SlogLevel(); err != nil {
		return err
	}

	if len(cfg.Filter.Include) > 0 && len(cfg.Filter.Exclude) > 0 {
		return fmt.Errorf("include and exclude filters are mutually exclusive")
	}

	if _, err := model.ParseHashSource(cfg.Dedup.HashSource); err != nil {
		return fmt.Errorf("invalid dedup hash source: %w", err)
	}
	if _, err := model.ParseHashSource(cfg.Combinatory.HashSource); err != nil {
		return fmt.Errorf("invalid combinatory hash source: %w", err)
	}

	if cfg.Dedup.Workers < 0 || cfg.Combinatory.Workers < 0 {
		return fmt.Errorf("--workers must not be negative")
	}
	if cfg.Combinatory.FolderPattern == "" {
		return fmt.Errorf("--folder-pattern must not be empty")
	}

	return nil
}
