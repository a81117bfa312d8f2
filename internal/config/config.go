package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the application configuration
type Config struct {
	API          APIConfig          `json:"api"`
	Calibration  CalibrationConfig  `json:"calibration"`
	Segmentation SegmentationConfig `json:"segmentation"`
	Advisor      AdvisorConfig      `json:"advisor"`
	Output       OutputConfig       `json:"output"`
}

// APIConfig holds settings for the remote disease classification service
type APIConfig struct {
	BaseURL        string  `json:"base_url"`
	TimeoutSec     int     `json:"timeout_sec"`
	MaxAttempts    int     `json:"max_attempts"`
	RetryDelayMs   int     `json:"retry_delay_ms"`
	MinConfidence  float64 `json:"min_confidence"`
	MaxUploadBytes int64   `json:"max_upload_bytes"`
	TargetWidth    int     `json:"target_width"`
	TargetHeight   int     `json:"target_height"`
	JPEGQuality    int     `json:"jpeg_quality"`
}

// Timeout returns the request timeout as a duration
func (a APIConfig) Timeout() time.Duration {
	return time.Duration(a.TimeoutSec) * time.Second
}

// RetryDelay returns the inter-attempt delay as a duration
func (a APIConfig) RetryDelay() time.Duration {
	return time.Duration(a.RetryDelayMs) * time.Millisecond
}

// CalibrationConfig holds the default reference object area
type CalibrationConfig struct {
	ReferenceAreaCm2 float64 `json:"reference_area_cm2"`
}

// SegmentationConfig holds pixel classification thresholds
type SegmentationConfig struct {
	GreenDominance float64 `json:"green_dominance"`
	MinLeafRatio   float64 `json:"min_leaf_ratio"`
	MaxLeafRatio   float64 `json:"max_leaf_ratio"`
}

// AdvisorConfig holds settings for the optional Ollama care-advice backend
type AdvisorConfig struct {
	URL   string `json:"url"`
	Model string `json:"model"`
}

// OutputConfig holds settings for result and overlay files
type OutputConfig struct {
	Dir           string `json:"dir"`
	OverlayFormat string `json:"overlay_format"`
	Quality       int    `json:"quality"`
}

// Default returns a configuration with default values. The API limits match
// what the remote service enforces on its side.
func Default() *Config {
	return &Config{
		API: APIConfig{
			BaseURL:        "http://localhost:8000",
			TimeoutSec:     60,
			MaxAttempts:    3,
			RetryDelayMs:   1000,
			MinConfidence:  0.2,
			MaxUploadBytes: 10 * 1024 * 1024,
			TargetWidth:    128,
			TargetHeight:   128,
			JPEGQuality:    90,
		},
		Calibration: CalibrationConfig{
			ReferenceAreaCm2: 4.0, // 2x2 cm reference square
		},
		Segmentation: SegmentationConfig{
			GreenDominance: 0.04,
			MinLeafRatio:   0.01,
			MaxLeafRatio:   0.98,
		},
		Advisor: AdvisorConfig{
			Model: "llava",
		},
		Output: OutputConfig{
			Dir:           "./out",
			OverlayFormat: "png",
			Quality:       90,
		},
	}
}

// LoadFromFile loads configuration from a JSON file
func LoadFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return config, nil
}

// ApplyEnv overlays LEAFSCAN_* environment variables onto the configuration.
// A .env file in the working directory is read first if present.
func (c *Config) ApplyEnv() {
	_ = godotenv.Load()

	if v := os.Getenv("LEAFSCAN_API_URL"); v != "" {
		c.API.BaseURL = v
	}
	if v, ok := envInt("LEAFSCAN_API_TIMEOUT_SEC"); ok {
		c.API.TimeoutSec = v
	}
	if v, ok := envInt("LEAFSCAN_API_MAX_ATTEMPTS"); ok {
		c.API.MaxAttempts = v
	}
	if v, ok := envInt("LEAFSCAN_API_RETRY_DELAY_MS"); ok {
		c.API.RetryDelayMs = v
	}
	if v, ok := envFloat("LEAFSCAN_MIN_CONFIDENCE"); ok {
		c.API.MinConfidence = v
	}
	if v, ok := envInt("LEAFSCAN_TARGET_SIZE"); ok {
		c.API.TargetWidth = v
		c.API.TargetHeight = v
	}
	if v, ok := envFloat("LEAFSCAN_REFERENCE_AREA_CM2"); ok {
		c.Calibration.ReferenceAreaCm2 = v
	}
	if v := os.Getenv("LEAFSCAN_ADVISOR_URL"); v != "" {
		c.Advisor.URL = v
	}
	if v := os.Getenv("LEAFSCAN_ADVISOR_MODEL"); v != "" {
		c.Advisor.Model = v
	}
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envFloat(key string) (float64, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// SaveToFile saves configuration to a JSON file
func (c *Config) SaveToFile(filename string) error {
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return fmt.Errorf("api.base_url cannot be empty")
	}
	if c.API.TimeoutSec < 1 {
		return fmt.Errorf("api.timeout_sec must be positive")
	}
	if c.API.MaxAttempts < 1 {
		return fmt.Errorf("api.max_attempts must be positive")
	}
	if c.API.MinConfidence < 0 || c.API.MinConfidence > 1 {
		return fmt.Errorf("api.min_confidence must be between 0 and 1")
	}
	if c.API.MaxUploadBytes < 1 {
		return fmt.Errorf("api.max_upload_bytes must be positive")
	}
	if c.API.TargetWidth < 1 || c.API.TargetHeight < 1 {
		return fmt.Errorf("api.target_width and api.target_height must be positive")
	}
	if c.Calibration.ReferenceAreaCm2 <= 0 {
		return fmt.Errorf("calibration.reference_area_cm2 must be positive")
	}
	if c.Segmentation.MinLeafRatio < 0 || c.Segmentation.MinLeafRatio > 1 {
		return fmt.Errorf("segmentation.min_leaf_ratio must be between 0 and 1")
	}
	if c.Segmentation.MaxLeafRatio <= c.Segmentation.MinLeafRatio || c.Segmentation.MaxLeafRatio > 1 {
		return fmt.Errorf("segmentation.max_leaf_ratio must be between min_leaf_ratio and 1")
	}
	if c.Output.Quality < 1 || c.Output.Quality > 100 {
		return fmt.Errorf("output.quality must be between 1 and 100")
	}
	return nil
}

// GetConfigPath returns the default configuration file path
func GetConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./config.json"
	}
	return filepath.Join(home, ".config", "leafscan", "config.json")
}
