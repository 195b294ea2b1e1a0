// Package config provides the Config struct and loader for the
// minutesd.yaml service configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Default values for service configuration. These are the single source
// of truth; New() references them and no other code should duplicate
// them.
const (
	DefaultListenAddr = ":8080"
	DefaultDBPath     = "minutesd.sqlite"

	DefaultBlobBackend = "fs"
	DefaultBlobDir     = "blobs"
	DefaultArchiveDir  = "archives"

	DefaultWorkers         = 3
	DefaultMaxAttempts     = 3
	DefaultBaseDelaySec    = 1
	DefaultMaxDelaySec     = 30
	DefaultDeadLetterLimit = 1000

	DefaultMaxInFlightPerConn    = 10
	DefaultMemoryHighWater       = 0.98
	DefaultMemoryBudgetMB        = 512
	DefaultMaxConcurrentSessions = 2
	DefaultMaxSessionsPer24h     = 10
	DefaultChunksPerHour         = 150

	DefaultLateChunkGraceSec = 30

	DefaultTranscribeBaseURL    = "https://api.openai.com/v1"
	DefaultTranscribeModel      = "whisper-1"
	DefaultTranscribeTimeoutSec = 120

	DefaultSummaryBaseURL      = "https://api.openai.com/v1"
	DefaultSummaryModel        = "gpt-4o-mini"
	DefaultSummaryAttempts     = 3
	DefaultSummaryBaseDelaySec = 1
	DefaultSummaryMaxDelaySec  = 10

	DefaultFinalizePollSec  = 2
	DefaultFinalizeMaxPolls = 150
	DefaultDiarizeMinChunks = 5
)

// apiKeyEnv is the environment variable carrying the model API key.
const apiKeyEnv = "MINUTESD_API_KEY"

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Addr string `yaml:"addr,omitempty"`
}

// StoreConfig holds the SQLite settings.
type StoreConfig struct {
	Path string `yaml:"path,omitempty"`
}

// BlobConfig selects and configures the raw-audio backend. Options is
// backend-specific and decoded by the typed accessors below.
type BlobConfig struct {
	Backend string         `yaml:"backend,omitempty"`
	Options map[string]any `yaml:"options,omitempty"`
}

// FSOptions configures the filesystem blob backend.
type FSOptions struct {
	Dir string `mapstructure:"dir"`
}

// AzureOptions configures the Azure Blob Storage backend.
type AzureOptions struct {
	ServiceURL string `mapstructure:"service_url"`
	Container  string `mapstructure:"container"`
}

// FSOptions decodes the options map for the fs backend.
func (b BlobConfig) FSOptions() (FSOptions, error) {
	o := FSOptions{Dir: DefaultBlobDir}
	if err := mapstructure.Decode(b.Options, &o); err != nil {
		return o, fmt.Errorf("blob fs options: %w", err)
	}
	return o, nil
}

// AzureOptions decodes the options map for the azure backend.
func (b BlobConfig) AzureOptions() (AzureOptions, error) {
	var o AzureOptions
	if err := mapstructure.Decode(b.Options, &o); err != nil {
		return o, fmt.Errorf("blob azure options: %w", err)
	}
	if o.ServiceURL == "" || o.Container == "" {
		return o, errors.New("blob azure options: service_url and container are required")
	}
	return o, nil
}

// AdmissionConfig holds the gate thresholds.
type AdmissionConfig struct {
	MaxInFlightPerConn    int     `yaml:"max_in_flight_per_conn,omitempty"`
	MemoryHighWater       float64 `yaml:"memory_high_water,omitempty"`
	MemoryBudgetMB        int     `yaml:"memory_budget_mb,omitempty"`
	MaxConcurrentSessions int     `yaml:"max_concurrent_sessions,omitempty"`
	MaxSessionsPer24h     int     `yaml:"max_sessions_per_24h,omitempty"`
	ChunksPerHour         int     `yaml:"chunks_per_hour,omitempty"`
	LateChunkGraceSec     int     `yaml:"late_chunk_grace_sec,omitempty"`
}

// QueueConfig holds the transcription queue tuning.
type QueueConfig struct {
	Workers         int `yaml:"workers,omitempty"`
	MaxAttempts     int `yaml:"max_attempts,omitempty"`
	BaseDelaySec    int `yaml:"base_delay_sec,omitempty"`
	MaxDelaySec     int `yaml:"max_delay_sec,omitempty"`
	DeadLetterLimit int `yaml:"dead_letter_limit,omitempty"`
}

// TranscribeConfig holds the speech-to-text backend settings. The API
// key comes from the environment, never from the file.
type TranscribeConfig struct {
	BaseURL    string `yaml:"base_url,omitempty"`
	Model      string `yaml:"model,omitempty"`
	Language   string `yaml:"language,omitempty"`
	TimeoutSec int    `yaml:"timeout_sec,omitempty"`
	APIKey     string `yaml:"-"`
}

// SummaryConfig holds the summarization backend settings.
type SummaryConfig struct {
	BaseURL      string `yaml:"base_url,omitempty"`
	Model        string `yaml:"model,omitempty"`
	Attempts     int    `yaml:"attempts,omitempty"`
	BaseDelaySec int    `yaml:"base_delay_sec,omitempty"`
	MaxDelaySec  int    `yaml:"max_delay_sec,omitempty"`
	APIKey       string `yaml:"-"`
}

// FinalizeConfig bounds the finalization orchestrator.
type FinalizeConfig struct {
	PollIntervalSec  int `yaml:"poll_interval_sec,omitempty"`
	MaxPolls         int `yaml:"max_polls,omitempty"`
	DiarizeMinChunks int `yaml:"diarize_min_chunks,omitempty"`
}

// ArchiveConfig holds finished-session archive settings.
type ArchiveConfig struct {
	Enabled *bool  `yaml:"enabled,omitempty"`
	Dir     string `yaml:"dir,omitempty"`
}

// Config is the top-level configuration loaded from minutesd.yaml.
type Config struct {
	Server     ServerConfig     `yaml:"server,omitempty"`
	Store      StoreConfig      `yaml:"store,omitempty"`
	Blob       BlobConfig       `yaml:"blob,omitempty"`
	Admission  AdmissionConfig  `yaml:"admission,omitempty"`
	Queue      QueueConfig      `yaml:"queue,omitempty"`
	Transcribe TranscribeConfig `yaml:"transcribe,omitempty"`
	Summary    SummaryConfig    `yaml:"summary,omitempty"`
	Finalize   FinalizeConfig   `yaml:"finalize,omitempty"`
	Archive    ArchiveConfig    `yaml:"archive,omitempty"`
	TmpDir     string           `yaml:"tmp_dir,omitempty"`
}

// New returns a Config with all hard-coded defaults populated.
func New() *Config {
	return &Config{
		Server: ServerConfig{Addr: DefaultListenAddr},
		Store:  StoreConfig{Path: DefaultDBPath},
		Blob: BlobConfig{
			Backend: DefaultBlobBackend,
			Options: map[string]any{"dir": DefaultBlobDir},
		},
		Admission: AdmissionConfig{
			MaxInFlightPerConn:    DefaultMaxInFlightPerConn,
			MemoryHighWater:       DefaultMemoryHighWater,
			MemoryBudgetMB:        DefaultMemoryBudgetMB,
			MaxConcurrentSessions: DefaultMaxConcurrentSessions,
			MaxSessionsPer24h:     DefaultMaxSessionsPer24h,
			ChunksPerHour:         DefaultChunksPerHour,
			LateChunkGraceSec:     DefaultLateChunkGraceSec,
		},
		Queue: QueueConfig{
			Workers:         DefaultWorkers,
			MaxAttempts:     DefaultMaxAttempts,
			BaseDelaySec:    DefaultBaseDelaySec,
			MaxDelaySec:     DefaultMaxDelaySec,
			DeadLetterLimit: DefaultDeadLetterLimit,
		},
		Transcribe: TranscribeConfig{
			BaseURL:    DefaultTranscribeBaseURL,
			Model:      DefaultTranscribeModel,
			TimeoutSec: DefaultTranscribeTimeoutSec,
		},
		Summary: SummaryConfig{
			BaseURL:      DefaultSummaryBaseURL,
			Model:        DefaultSummaryModel,
			Attempts:     DefaultSummaryAttempts,
			BaseDelaySec: DefaultSummaryBaseDelaySec,
			MaxDelaySec:  DefaultSummaryMaxDelaySec,
		},
		Finalize: FinalizeConfig{
			PollIntervalSec:  DefaultFinalizePollSec,
			MaxPolls:         DefaultFinalizeMaxPolls,
			DiarizeMinChunks: DefaultDiarizeMinChunks,
		},
		Archive: ArchiveConfig{
			Enabled: boolPtr(true),
			Dir:     DefaultArchiveDir,
		},
	}
}

// Load reads the config file at path, overlays it onto defaults, and
// resolves secrets from the environment (after loading .env if one
// exists in the working directory). An empty path returns defaults.
func Load(path string) (*Config, error) {
	// Secrets live in the environment; .env is a development nicety.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	cfg := New()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config %q: %w", path, err)
		}
		var fileCfg Config
		if err := yaml.Unmarshal(data, &fileCfg); err != nil {
			return nil, fmt.Errorf("parsing config %q: %w", path, err)
		}
		merge(cfg, &fileCfg)
	}

	key := os.Getenv(apiKeyEnv)
	cfg.Transcribe.APIKey = key
	cfg.Summary.APIKey = key
	return cfg, nil
}

// merge overlays non-zero values from src onto dst.
func merge(dst, src *Config) {
	if src.Server.Addr != "" {
		dst.Server.Addr = src.Server.Addr
	}
	if src.Store.Path != "" {
		dst.Store.Path = src.Store.Path
	}
	if src.Blob.Backend != "" {
		dst.Blob.Backend = src.Blob.Backend
	}
	if src.Blob.Options != nil {
		dst.Blob.Options = src.Blob.Options
	}

	if src.Admission.MaxInFlightPerConn != 0 {
		dst.Admission.MaxInFlightPerConn = src.Admission.MaxInFlightPerConn
	}
	if src.Admission.MemoryHighWater != 0 {
		dst.Admission.MemoryHighWater = src.Admission.MemoryHighWater
	}
	if src.Admission.MemoryBudgetMB != 0 {
		dst.Admission.MemoryBudgetMB = src.Admission.MemoryBudgetMB
	}
	if src.Admission.MaxConcurrentSessions != 0 {
		dst.Admission.MaxConcurrentSessions = src.Admission.MaxConcurrentSessions
	}
	if src.Admission.MaxSessionsPer24h != 0 {
		dst.Admission.MaxSessionsPer24h = src.Admission.MaxSessionsPer24h
	}
	if src.Admission.ChunksPerHour != 0 {
		dst.Admission.ChunksPerHour = src.Admission.ChunksPerHour
	}
	if src.Admission.LateChunkGraceSec != 0 {
		dst.Admission.LateChunkGraceSec = src.Admission.LateChunkGraceSec
	}

	if src.Queue.Workers != 0 {
		dst.Queue.Workers = src.Queue.Workers
	}
	if src.Queue.MaxAttempts != 0 {
		dst.Queue.MaxAttempts = src.Queue.MaxAttempts
	}
	if src.Queue.BaseDelaySec != 0 {
		dst.Queue.BaseDelaySec = src.Queue.BaseDelaySec
	}
	if src.Queue.MaxDelaySec != 0 {
		dst.Queue.MaxDelaySec = src.Queue.MaxDelaySec
	}
	if src.Queue.DeadLetterLimit != 0 {
		dst.Queue.DeadLetterLimit = src.Queue.DeadLetterLimit
	}

	if src.Transcribe.BaseURL != "" {
		dst.Transcribe.BaseURL = src.Transcribe.BaseURL
	}
	if src.Transcribe.Model != "" {
		dst.Transcribe.Model = src.Transcribe.Model
	}
	if src.Transcribe.Language != "" {
		dst.Transcribe.Language = src.Transcribe.Language
	}
	if src.Transcribe.TimeoutSec != 0 {
		dst.Transcribe.TimeoutSec = src.Transcribe.TimeoutSec
	}

	if src.Summary.BaseURL != "" {
		dst.Summary.BaseURL = src.Summary.BaseURL
	}
	if src.Summary.Model != "" {
		dst.Summary.Model = src.Summary.Model
	}
	if src.Summary.Attempts != 0 {
		dst.Summary.Attempts = src.Summary.Attempts
	}
	if src.Summary.BaseDelaySec != 0 {
		dst.Summary.BaseDelaySec = src.Summary.BaseDelaySec
	}
	if src.Summary.MaxDelaySec != 0 {
		dst.Summary.MaxDelaySec = src.Summary.MaxDelaySec
	}

	if src.Finalize.PollIntervalSec != 0 {
		dst.Finalize.PollIntervalSec = src.Finalize.PollIntervalSec
	}
	if src.Finalize.MaxPolls != 0 {
		dst.Finalize.MaxPolls = src.Finalize.MaxPolls
	}
	if src.Finalize.DiarizeMinChunks != 0 {
		dst.Finalize.DiarizeMinChunks = src.Finalize.DiarizeMinChunks
	}

	if src.Archive.Enabled != nil {
		dst.Archive.Enabled = src.Archive.Enabled
	}
	if src.Archive.Dir != "" {
		dst.Archive.Dir = src.Archive.Dir
	}
	if src.TmpDir != "" {
		dst.TmpDir = src.TmpDir
	}
}

// Grace returns the late-chunk window as a duration.
func (c *Config) Grace() time.Duration {
	return time.Duration(c.Admission.LateChunkGraceSec) * time.Second
}

func boolPtr(b bool) *bool { return &b }
