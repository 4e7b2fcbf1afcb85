package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration of a monitoring session
type Config struct {
	Session   SessionConfig   `yaml:"session"`
	Source    string          `yaml:"source"`
	Capture   CaptureConfig   `yaml:"capture"`
	Motion    MotionConfig    `yaml:"motion"`
	Rate      RateConfig      `yaml:"rate"`
	Encoder   EncoderConfig   `yaml:"encoder"`
	Transport TransportConfig `yaml:"transport"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Inference InferenceConfig `yaml:"inference"`
	HTTP      HTTPConfig      `yaml:"http"`
	Journal   JournalConfig   `yaml:"journal"`
	Log       LogConfig       `yaml:"log"`
}

// SessionConfig identifies who is monitoring which camera with which model
type SessionConfig struct {
	CameraID  string `yaml:"camera_id"`
	UserID    string `yaml:"user_id"`
	ModelID   string `yaml:"model_id"`
	ModelType string `yaml:"model_type"` // legacy, modern, experimental
}

type CaptureConfig struct {
	TickHz      float64 `yaml:"tick_hz"`
	BatchSize   int     `yaml:"batch_size"`
	BatchStride int     `yaml:"batch_stride"`
	EdgeMaps    bool    `yaml:"edge_maps"`
	Loop        bool    `yaml:"loop"`
}

type MotionConfig struct {
	Threshold       float64 `yaml:"threshold"`
	MinChangedRatio float64 `yaml:"min_changed_ratio"`
	AnalysisWidth   int     `yaml:"analysis_width"`
	AnalysisHeight  int     `yaml:"analysis_height"`
	EdgeLow         float64 `yaml:"edge_low"`
	EdgeHigh        float64 `yaml:"edge_high"`
}

type RateConfig struct {
	Enabled         *bool   `yaml:"enabled"`
	MinFPS          float64 `yaml:"min_fps"`
	MaxFPS          float64 `yaml:"max_fps"`
	AdaptiveQuality *bool   `yaml:"adaptive_quality"`
}

type EncoderConfig struct {
	Width     int     `yaml:"width"`
	Height    int     `yaml:"height"`
	Quality   float64 `yaml:"quality"`
	UseWorker *bool   `yaml:"use_worker"`
}

type TransportConfig struct {
	URL                  string        `yaml:"url"`
	ReconnectInterval    time.Duration `yaml:"reconnect_interval"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`
	HandshakeTimeout     time.Duration `yaml:"handshake_timeout"`
	TokenSecret          string        `yaml:"token_secret"`
	TokenExpiry          time.Duration `yaml:"token_expiry"`
}

// PipelineConfig mirrors pipeline.Config; pointer fields distinguish unset from false
type PipelineConfig struct {
	TemporalWindow       time.Duration `yaml:"temporal_window"`
	ConfidenceThreshold  float64       `yaml:"confidence_threshold"`
	MinimumConfirmations int           `yaml:"minimum_confirmations"`
	SmoothingEnabled     *bool         `yaml:"smoothing_enabled"`
	ConsensusEnabled     *bool         `yaml:"consensus_enabled"`
}

type InferenceConfig struct {
	URL         string        `yaml:"url"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
}

type HTTPConfig struct {
	Listen string     `yaml:"listen"`
	Auth   AuthConfig `yaml:"auth"`
}

// AuthConfig guards the local dashboard endpoints. Password may be a bcrypt hash.
type AuthConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Username string        `yaml:"username"`
	Password string        `yaml:"password"`
	Secret   string        `yaml:"secret"`
	Expiry   time.Duration `yaml:"expiry"`
}

type JournalConfig struct {
	Path string `yaml:"path"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Default returns a configuration with every default applied
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

// Load reads a YAML file (optional), applies environment overrides and
// defaults, then validates the result.
func Load(path string) (*Config, error) {
	c := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	c.applyEnv()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func boolPtr(b bool) *bool { return &b }

// Enabled reports the value of an optional flag, falling back to def
func Enabled(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}

func (c *Config) applyDefaults() {
	if c.Session.CameraID == "" {
		c.Session.CameraID = "camera-1"
	}
	if c.Session.ModelType == "" {
		c.Session.ModelType = "legacy"
	}

	if c.Capture.TickHz == 0 {
		c.Capture.TickHz = 30
	}
	if c.Capture.BatchSize == 0 {
		c.Capture.BatchSize = 20
	}
	if c.Capture.BatchStride == 0 {
		c.Capture.BatchStride = 10
	}

	if c.Motion.Threshold == 0 {
		c.Motion.Threshold = 30
	}
	if c.Motion.MinChangedRatio == 0 {
		c.Motion.MinChangedRatio = 0.01
	}
	if c.Motion.AnalysisWidth == 0 {
		c.Motion.AnalysisWidth = 160
	}
	if c.Motion.AnalysisHeight == 0 {
		c.Motion.AnalysisHeight = 120
	}
	if c.Motion.EdgeLow == 0 {
		c.Motion.EdgeLow = 50
	}
	if c.Motion.EdgeHigh == 0 {
		c.Motion.EdgeHigh = 150
	}

	if c.Rate.Enabled == nil {
		c.Rate.Enabled = boolPtr(true)
	}
	if c.Rate.MinFPS == 0 {
		c.Rate.MinFPS = 1
	}
	if c.Rate.MaxFPS == 0 {
		c.Rate.MaxFPS = 5
	}
	if c.Rate.AdaptiveQuality == nil {
		c.Rate.AdaptiveQuality = boolPtr(true)
	}

	if c.Encoder.Width == 0 {
		c.Encoder.Width = 224
	}
	if c.Encoder.Height == 0 {
		c.Encoder.Height = 224
	}
	if c.Encoder.Quality == 0 {
		c.Encoder.Quality = 0.8
	}
	if c.Encoder.UseWorker == nil {
		c.Encoder.UseWorker = boolPtr(true)
	}

	if c.Transport.URL == "" {
		c.Transport.URL = "ws://localhost:8002"
	}
	if c.Transport.ReconnectInterval == 0 {
		c.Transport.ReconnectInterval = 3 * time.Second
	}
	if c.Transport.MaxReconnectAttempts == 0 {
		c.Transport.MaxReconnectAttempts = 5
	}
	if c.Transport.HeartbeatInterval == 0 {
		c.Transport.HeartbeatInterval = 30 * time.Second
	}
	if c.Transport.HandshakeTimeout == 0 {
		c.Transport.HandshakeTimeout = 10 * time.Second
	}
	if c.Transport.TokenExpiry == 0 {
		c.Transport.TokenExpiry = 24 * time.Hour
	}

	if c.Pipeline.TemporalWindow == 0 {
		c.Pipeline.TemporalWindow = 3 * time.Second
	}
	if c.Pipeline.ConfidenceThreshold == 0 {
		c.Pipeline.ConfidenceThreshold = 0.85
	}
	if c.Pipeline.MinimumConfirmations == 0 {
		c.Pipeline.MinimumConfirmations = 3
	}
	if c.Pipeline.SmoothingEnabled == nil {
		c.Pipeline.SmoothingEnabled = boolPtr(true)
	}
	if c.Pipeline.ConsensusEnabled == nil {
		c.Pipeline.ConsensusEnabled = boolPtr(true)
	}

	if c.Inference.URL == "" {
		c.Inference.URL = "http://localhost:8003/api"
	}
	if c.Inference.Timeout == 0 {
		c.Inference.Timeout = 5 * time.Minute
	}
	if c.Inference.MaxAttempts == 0 {
		c.Inference.MaxAttempts = 3
	}
	if c.Inference.BaseDelay == 0 {
		c.Inference.BaseDelay = time.Second
	}

	if c.HTTP.Listen == "" {
		c.HTTP.Listen = ":8090"
	}
	if c.HTTP.Auth.Username == "" {
		c.HTTP.Auth.Username = "admin"
	}
	if c.HTTP.Auth.Expiry == 0 {
		c.HTTP.Auth.Expiry = 24 * time.Hour
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// applyEnv overrides file values with NEXARA_* environment variables
func (c *Config) applyEnv() {
	if v := os.Getenv("NEXARA_CAMERA_ID"); v != "" {
		c.Session.CameraID = v
	}
	if v := os.Getenv("NEXARA_USER_ID"); v != "" {
		c.Session.UserID = v
	}
	if v := os.Getenv("NEXARA_MODEL_ID"); v != "" {
		c.Session.ModelID = v
	}
	if v := os.Getenv("NEXARA_MODEL_TYPE"); v != "" {
		c.Session.ModelType = v
	}
	if v := os.Getenv("NEXARA_SOURCE"); v != "" {
		c.Source = v
	}
	if v := os.Getenv("NEXARA_WS_URL"); v != "" {
		c.Transport.URL = v
	}
	if v := os.Getenv("NEXARA_TOKEN_SECRET"); v != "" {
		c.Transport.TokenSecret = v
	}
	if v := os.Getenv("NEXARA_ML_SERVICE_URL"); v != "" {
		c.Inference.URL = v
	}
	if v := os.Getenv("NEXARA_HTTP_LISTEN"); v != "" {
		c.HTTP.Listen = v
	}
	if v := os.Getenv("NEXARA_AUTH_ENABLED"); v != "" {
		c.HTTP.Auth.Enabled = v == "true"
	}
	if v := os.Getenv("NEXARA_AUTH_USERNAME"); v != "" {
		c.HTTP.Auth.Username = v
	}
	if v := os.Getenv("NEXARA_AUTH_PASSWORD"); v != "" {
		c.HTTP.Auth.Password = v
	}
	if v := os.Getenv("NEXARA_JOURNAL_PATH"); v != "" {
		c.Journal.Path = v
	}
	if v := os.Getenv("NEXARA_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("NEXARA_CONFIDENCE_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Pipeline.ConfidenceThreshold = f
		}
	}
	if v := os.Getenv("NEXARA_TEMPORAL_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Pipeline.TemporalWindow = d
		}
	}
}

// Validate applies defaults and rejects impossible values
func (c *Config) Validate() error {
	c.applyDefaults()

	var errs []error
	switch c.Session.ModelType {
	case "legacy", "modern", "experimental":
	default:
		errs = append(errs, fmt.Errorf("session.model_type: unknown model type %q", c.Session.ModelType))
	}
	if c.Capture.TickHz < 0 {
		errs = append(errs, errors.New("capture.tick_hz must be positive"))
	}
	if c.Capture.BatchSize < 1 {
		errs = append(errs, errors.New("capture.batch_size must be at least 1"))
	}
	if c.Capture.BatchStride < 1 || c.Capture.BatchStride > c.Capture.BatchSize {
		errs = append(errs, fmt.Errorf("capture.batch_stride must be in [1, %d]", c.Capture.BatchSize))
	}
	if c.Motion.Threshold < 0 || c.Motion.Threshold > 255 {
		errs = append(errs, errors.New("motion.threshold must be in [0, 255]"))
	}
	if c.Motion.MinChangedRatio < 0 || c.Motion.MinChangedRatio > 1 {
		errs = append(errs, errors.New("motion.min_changed_ratio must be in [0, 1]"))
	}
	if c.Motion.EdgeLow > c.Motion.EdgeHigh {
		errs = append(errs, errors.New("motion.edge_low must not exceed motion.edge_high"))
	}
	if c.Rate.MinFPS <= 0 || c.Rate.MaxFPS <= 0 {
		errs = append(errs, errors.New("rate fps bounds must be positive"))
	} else if c.Rate.MinFPS > c.Rate.MaxFPS {
		errs = append(errs, fmt.Errorf("rate.min_fps %.2f exceeds rate.max_fps %.2f", c.Rate.MinFPS, c.Rate.MaxFPS))
	}
	if c.Encoder.Width < 1 || c.Encoder.Height < 1 {
		errs = append(errs, errors.New("encoder dimensions must be positive"))
	}
	if c.Encoder.Quality <= 0 || c.Encoder.Quality > 1 {
		errs = append(errs, errors.New("encoder.quality must be in (0, 1]"))
	}
	if c.Transport.MaxReconnectAttempts < 0 {
		errs = append(errs, errors.New("transport.max_reconnect_attempts must not be negative"))
	}
	if c.Pipeline.ConfidenceThreshold < 0 || c.Pipeline.ConfidenceThreshold > 1 {
		errs = append(errs, errors.New("pipeline.confidence_threshold must be in [0, 1]"))
	}
	if c.Pipeline.MinimumConfirmations < 1 {
		errs = append(errs, errors.New("pipeline.minimum_confirmations must be at least 1"))
	}
	if c.Pipeline.TemporalWindow < 0 {
		errs = append(errs, errors.New("pipeline.temporal_window must be positive"))
	}
	if c.HTTP.Auth.Enabled && c.HTTP.Auth.Password == "" {
		errs = append(errs, errors.New("http.auth.password is required when auth is enabled"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
