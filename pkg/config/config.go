// Package config provides configuration management for faceid.
// It loads configuration from YAML files with sensible defaults and lets
// FACEID_* environment variables override individual values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v6"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultThreshold is the eigenface distance above which a face is unknown.
	DefaultThreshold = 2000.0
	// DefaultFaceSize is the canonical face edge length in pixels.
	DefaultFaceSize = 200
	// DefaultMaxMegapixels caps the decoded size of uploaded images.
	DefaultMaxMegapixels = 50.0
)

// Config holds all faceid configuration.
type Config struct {
	Recognition RecognitionConfig `yaml:"recognition"`
	Detection   DetectionConfig   `yaml:"detection"`
	Storage     StorageConfig     `yaml:"storage"`
	Server      ServerConfig      `yaml:"server"`
	Journal     JournalConfig     `yaml:"journal"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// RecognitionConfig holds eigenface model and decision settings.
type RecognitionConfig struct {
	Threshold     float64 `yaml:"threshold" env:"FACEID_THRESHOLD"`
	FaceWidth     int     `yaml:"face_width" env:"FACEID_FACE_WIDTH"`
	FaceHeight    int     `yaml:"face_height" env:"FACEID_FACE_HEIGHT"`
	Components    int     `yaml:"components" env:"FACEID_COMPONENTS"` // 0 keeps every component
	RequireFace   bool    `yaml:"require_face" env:"FACEID_REQUIRE_FACE"`
	MaxMegapixels float64 `yaml:"max_megapixels" env:"FACEID_MAX_MEGAPIXELS"`
}

// DetectionConfig holds face detector settings.
type DetectionConfig struct {
	Backend          string  `yaml:"backend" env:"FACEID_DETECTOR"` // "pigo" or "dlib"
	CascadePath      string  `yaml:"cascade_path" env:"FACEID_CASCADE_PATH"`
	ModelPath        string  `yaml:"model_path" env:"FACEID_MODEL_PATH"`
	MinFaceSize      int     `yaml:"min_face_size"`
	MaxFaceSize      int     `yaml:"max_face_size"`
	ShiftFactor      float64 `yaml:"shift_factor"`
	ScaleFactor      float64 `yaml:"scale_factor"`
	IoUThreshold     float64 `yaml:"iou_threshold"`
	QualityThreshold float64 `yaml:"quality_threshold"`
	CNN              bool    `yaml:"cnn" env:"FACEID_DETECTOR_CNN"`
}

// StorageConfig holds training corpus settings.
type StorageConfig struct {
	Backend           string   `yaml:"backend" env:"FACEID_STORAGE"` // "file" or "s3"
	DataDir           string   `yaml:"data_dir" env:"FACEID_DATA_DIR"`
	EncryptionEnabled bool     `yaml:"encryption_enabled" env:"FACEID_ENCRYPTION"`
	S3                S3Config `yaml:"s3"`
}

// S3Config holds the S3 corpus location.
type S3Config struct {
	Bucket   string `yaml:"bucket" env:"FACEID_S3_BUCKET"`
	Region   string `yaml:"region" env:"FACEID_S3_REGION"`
	Prefix   string `yaml:"prefix" env:"FACEID_S3_PREFIX"`
	Endpoint string `yaml:"endpoint" env:"FACEID_S3_ENDPOINT"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	BindAddress  string   `yaml:"bind_address" env:"FACEID_BIND_ADDRESS"`
	AllowOrigins []string `yaml:"allow_origins" env:"FACEID_ALLOW_ORIGINS" envSeparator:","`
	MaxUploadMB  int      `yaml:"max_upload_mb" env:"FACEID_MAX_UPLOAD_MB"`
	Debug        bool     `yaml:"debug" env:"FACEID_DEBUG"`
}

// JournalConfig holds attendance journal settings.
type JournalConfig struct {
	Enabled bool   `yaml:"enabled" env:"FACEID_JOURNAL"`
	Path    string `yaml:"path" env:"FACEID_JOURNAL_PATH"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level" env:"FACEID_LOG_LEVEL"`
	File  string `yaml:"file" env:"FACEID_LOG_FILE"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".local/share/faceid")
	return &Config{
		Recognition: RecognitionConfig{
			Threshold:     DefaultThreshold,
			FaceWidth:     DefaultFaceSize,
			FaceHeight:    DefaultFaceSize,
			MaxMegapixels: DefaultMaxMegapixels,
		},
		Detection: DetectionConfig{
			Backend:          "pigo",
			CascadePath:      filepath.Join(dataDir, "models", "facefinder"),
			ModelPath:        filepath.Join(dataDir, "models"),
			MinFaceSize:      20,
			MaxFaceSize:      1000,
			ShiftFactor:      0.1,
			ScaleFactor:      1.1,
			IoUThreshold:     0.2,
			QualityThreshold: 5.0,
		},
		Storage: StorageConfig{
			Backend: "file",
			DataDir: filepath.Join(dataDir, "TrainedImages"),
			S3: S3Config{
				Region: "us-east-1",
				Prefix: "TrainedImages",
			},
		},
		Server: ServerConfig{
			BindAddress:  "0.0.0.0:8080",
			AllowOrigins: []string{"*"},
			MaxUploadMB:  32,
		},
		Journal: JournalConfig{
			Enabled: true,
			Path:    filepath.Join(dataDir, "journal.db"),
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from the specified file and applies
// environment overrides on top of it. An empty path skips the file.
func Load(path string) (*Config, error) {
	config := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return config, err
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return config, err
		}
	}

	if err := ApplyEnv(config); err != nil {
		return config, err
	}
	return config, nil
}

// LoadDefault tries to load configuration from default locations.
func LoadDefault() (*Config, error) {
	if _, err := os.Stat("/etc/faceid/faceid.yaml"); err == nil {
		return Load("/etc/faceid/faceid.yaml")
	}

	homeDir, err := os.UserHomeDir()
	if err == nil {
		userConfig := filepath.Join(homeDir, ".config/faceid/faceid.yaml")
		if _, err := os.Stat(userConfig); err == nil {
			return Load(userConfig)
		}
	}

	return Load("")
}

// ApplyEnv overrides configuration values from FACEID_* variables.
// Unset variables leave the current value untouched.
func ApplyEnv(c *Config) error {
	if err := env.Parse(c); err != nil {
		return fmt.Errorf("failed to parse environment: %w", err)
	}
	return nil
}

// ExpandPath expands ~ and environment variables in a path.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(homeDir, path[2:])
		}
	}
	return os.ExpandEnv(path)
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Recognition.Threshold <= 0 {
		return fmt.Errorf("threshold must be positive, got %f", c.Recognition.Threshold)
	}
	if c.Recognition.FaceWidth <= 0 || c.Recognition.FaceHeight <= 0 {
		return fmt.Errorf("invalid face size: %dx%d", c.Recognition.FaceWidth, c.Recognition.FaceHeight)
	}
	if c.Recognition.MaxMegapixels <= 0 {
		return fmt.Errorf("max_megapixels must be positive, got %f", c.Recognition.MaxMegapixels)
	}
	if c.Recognition.Components < 0 {
		return fmt.Errorf("components must not be negative, got %d", c.Recognition.Components)
	}

	switch c.Detection.Backend {
	case "pigo", "dlib":
	default:
		return fmt.Errorf("invalid detector backend: %s (must be pigo or dlib)", c.Detection.Backend)
	}
	if c.Detection.MinFaceSize <= 0 || c.Detection.MaxFaceSize < c.Detection.MinFaceSize {
		return fmt.Errorf("invalid face size range: %d-%d", c.Detection.MinFaceSize, c.Detection.MaxFaceSize)
	}
	if c.Detection.ScaleFactor <= 1 {
		return fmt.Errorf("scale_factor must be greater than 1, got %f", c.Detection.ScaleFactor)
	}
	if c.Detection.ShiftFactor <= 0 || c.Detection.ShiftFactor >= 1 {
		return fmt.Errorf("shift_factor must be between 0 and 1, got %f", c.Detection.ShiftFactor)
	}

	switch c.Storage.Backend {
	case "file":
		if c.Storage.DataDir == "" {
			return fmt.Errorf("data_dir is required for file storage")
		}
	case "s3":
		if c.Storage.S3.Bucket == "" {
			return fmt.Errorf("s3 bucket is required for s3 storage")
		}
		if c.Storage.EncryptionEnabled {
			return fmt.Errorf("encryption_enabled is only supported with file storage")
		}
	default:
		return fmt.Errorf("invalid storage backend: %s (must be file or s3)", c.Storage.Backend)
	}

	if c.Server.MaxUploadMB <= 0 {
		return fmt.Errorf("max_upload_mb must be positive, got %d", c.Server.MaxUploadMB)
	}
	if c.Journal.Enabled && c.Journal.Path == "" {
		return fmt.Errorf("journal path is required when the journal is enabled")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	return nil
}

// ExpandPaths expands all paths in the configuration.
func (c *Config) ExpandPaths() {
	c.Detection.CascadePath = ExpandPath(c.Detection.CascadePath)
	c.Detection.ModelPath = ExpandPath(c.Detection.ModelPath)
	c.Storage.DataDir = ExpandPath(c.Storage.DataDir)
	c.Journal.Path = ExpandPath(c.Journal.Path)
	c.Logging.File = ExpandPath(c.Logging.File)
}

// EnsureDirectories creates the corpus, model, journal and log directories.
func (c *Config) EnsureDirectories() error {
	if c.Storage.Backend == "file" {
		if err := os.MkdirAll(c.Storage.DataDir, 0700); err != nil {
			return fmt.Errorf("failed to create corpus directory: %w", err)
		}
	}

	if err := os.MkdirAll(c.Detection.ModelPath, 0755); err != nil {
		return fmt.Errorf("failed to create models directory: %w", err)
	}

	if c.Journal.Enabled {
		if err := os.MkdirAll(filepath.Dir(c.Journal.Path), 0700); err != nil {
			return fmt.Errorf("failed to create journal directory: %w", err)
		}
	}

	if c.Logging.File != "" {
		if err := os.MkdirAll(filepath.Dir(c.Logging.File), 0755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}
	}

	return nil
}
