package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	charmlog "github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/szuwgh/vectorbase"
)

// Config keys. Each maps to VECTORBASE_<KEY> with dots replaced by
// underscores.
const (
	keyDir               = "dir"
	keyName              = "name"
	keyDimension         = "dimension"
	keyDebug             = "debug"
	keyMemTableSize      = "memtable_size"
	keySyncMode          = "sync_mode"
	keyIOBackend         = "io_backend"
	keyCompression       = "compression"
	keyHNSWM             = "hnsw.m"
	keyHNSWEfConstruct   = "hnsw.ef_construction"
	keyHNSWEfSearch      = "hnsw.ef_search"
	keyHNSWMaxLevel      = "hnsw.max_level"
	keyHNSWSeed          = "hnsw.seed"
	keyCompactThresholds = "compaction.thresholds"
	keyCompactWidths     = "compaction.widths"
	keyCompactIOLimit    = "compaction.io_limit"
)

// config is the resolved CLI configuration.
type config struct {
	Dir          string
	Name         string
	Dimension    int
	Debug        bool
	MemTableSize int64
	SyncMode     string
	IOBackend    string
	Compression  string

	M              int
	EfConstruction int
	EfSearch       int
	MaxLevel       int
	Seed           int64

	Thresholds []int
	Widths     []int
	IOLimit    int
}

// initViper builds the configuration source.
//
// Precedence (highest to lowest):
//  1. CLI flags
//  2. Environment variables (VECTORBASE_DIR, VECTORBASE_HNSW_M, ...)
//  3. vectorbase.{toml,yaml,json} in the working directory or the collection dir
//  4. Defaults
func initViper(cmd *cobra.Command) (*viper.Viper, error) {
	v := viper.New()
	setViperDefaults(v)

	v.SetEnvPrefix("VECTORBASE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	flags := cmd.Flags()
	for key, flag := range map[string]string{keyDir: "dir", keyDebug: "debug", keyDimension: "dimension"} {
		if f := flags.Lookup(flag); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("binding flag %s: %w", flag, err)
			}
		}
	}

	configFile, _ := flags.GetString("config")
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("vectorbase")
		v.AddConfigPath(".")
		if dir := v.GetString(keyDir); dir != "" {
			v.AddConfigPath(dir)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine, defaults apply.
		if configFile != "" || !errors.As(err, &viper.ConfigFileNotFoundError{}) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}
	return v, nil
}

func setViperDefaults(v *viper.Viper) {
	v.SetDefault(keyDir, "./data")
	v.SetDefault(keyName, "")
	v.SetDefault(keyDimension, 0)
	v.SetDefault(keyDebug, false)
	v.SetDefault(keyMemTableSize, vectorbase.DefaultMemTableSize)
	v.SetDefault(keySyncMode, "always")
	v.SetDefault(keyIOBackend, "file")
	v.SetDefault(keyCompression, "lz4")
	v.SetDefault(keyHNSWM, 0)
	v.SetDefault(keyHNSWEfConstruct, 0)
	v.SetDefault(keyHNSWEfSearch, 0)
	v.SetDefault(keyHNSWMaxLevel, 0)
	v.SetDefault(keyHNSWSeed, 1)
	v.SetDefault(keyCompactThresholds, []int{})
	v.SetDefault(keyCompactWidths, []int{})
	v.SetDefault(keyCompactIOLimit, 0)
}

func loadConfig(v *viper.Viper) (*config, error) {
	cfg := &config{
		Dir:            v.GetString(keyDir),
		Name:           v.GetString(keyName),
		Dimension:      v.GetInt(keyDimension),
		Debug:          v.GetBool(keyDebug),
		MemTableSize:   v.GetInt64(keyMemTableSize),
		SyncMode:       v.GetString(keySyncMode),
		IOBackend:      v.GetString(keyIOBackend),
		Compression:    v.GetString(keyCompression),
		M:              v.GetInt(keyHNSWM),
		EfConstruction: v.GetInt(keyHNSWEfConstruct),
		EfSearch:       v.GetInt(keyHNSWEfSearch),
		MaxLevel:       v.GetInt(keyHNSWMaxLevel),
		Seed:           v.GetInt64(keyHNSWSeed),
		Thresholds:     v.GetIntSlice(keyCompactThresholds),
		Widths:         v.GetIntSlice(keyCompactWidths),
		IOLimit:        v.GetInt(keyCompactIOLimit),
	}
	if cfg.Dir == "" {
		return nil, errors.New("collection directory is required (--dir or VECTORBASE_DIR)")
	}
	if cfg.Dimension <= 0 {
		return nil, errors.New("vector dimension is required (--dimension or VECTORBASE_DIMENSION)")
	}
	return cfg, nil
}

// options maps the configuration onto collection options.
func (cfg *config) options(logger *vectorbase.Logger) ([]vectorbase.Option, error) {
	syncMode, err := vectorbase.ParseSyncMode(cfg.SyncMode)
	if err != nil {
		return nil, err
	}
	backend, err := vectorbase.ParseIOBackend(cfg.IOBackend)
	if err != nil {
		return nil, err
	}
	compression, err := vectorbase.ParseCompression(cfg.Compression)
	if err != nil {
		return nil, err
	}

	opts := []vectorbase.Option{
		vectorbase.WithLogger(logger),
		vectorbase.WithMemTableSize(cfg.MemTableSize),
		vectorbase.WithSyncMode(syncMode),
		vectorbase.WithIOBackend(backend),
		vectorbase.WithCompression(compression),
		vectorbase.WithHNSW(cfg.M, cfg.EfConstruction, cfg.EfSearch, cfg.MaxLevel),
		vectorbase.WithSeed(cfg.Seed),
		vectorbase.WithCompactionIOLimit(cfg.IOLimit),
	}
	if len(cfg.Thresholds) > 0 {
		opts = append(opts, vectorbase.WithCompactionThresholds(cfg.Thresholds...))
	}
	if len(cfg.Widths) > 0 {
		opts = append(opts, vectorbase.WithMergeWidths(cfg.Widths...))
	}
	return opts, nil
}

// newLogger renders collection logs through charmbracelet/log on stderr.
func newLogger(debug bool) *vectorbase.Logger {
	level := charmlog.InfoLevel
	if debug {
		level = charmlog.DebugLevel
	}
	handler := charmlog.NewWithOptions(os.Stderr, charmlog.Options{
		Level:           level,
		ReportTimestamp: true,
		TimeFormat:      time.TimeOnly,
		Prefix:          "vectorbase",
	})
	return vectorbase.NewLogger(handler)
}
