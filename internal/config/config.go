package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/example/equipment-voice/internal/failure"
)

const (
	ProviderBedrock = "bedrock"
	ProviderOpenAI  = "openai"

	DefaultModelID   = "us.anthropic.claude-3-7-sonnet-20250219-v1:0"
	DefaultRegion    = "us-east-1"
	DefaultMaxTokens = 8000
	DefaultVoice     = "en-US-AriaNeural"
)

// Credential is the access key pair used to sign calls to the cloud provider.
type Credential struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

// Validate reports CredentialMissing when either half of the pair is absent.
func (c Credential) Validate() error {
	if strings.TrimSpace(c.AccessKeyID) == "" || strings.TrimSpace(c.SecretAccessKey) == "" {
		return failure.New(failure.KindCredentialMissing, "AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY must be set")
	}
	return nil
}

// VisionConfig selects and tunes the vision-language backend.
type VisionConfig struct {
	Provider      string        `yaml:"provider"`
	ModelID       string        `yaml:"model_id"`
	Region        string        `yaml:"region"`
	MaxTokens     int           `yaml:"max_tokens"`
	Temperature   float64       `yaml:"temperature"`
	TopP          float64       `yaml:"top_p"`
	Timeout       time.Duration `yaml:"timeout"`
	OpenAIAPIKey  string        `yaml:"-"`
	OpenAIBaseURL string        `yaml:"openai_base_url"`
}

// SpeechConfig tunes the text-to-speech engine and where clips are written.
type SpeechConfig struct {
	Voice     string        `yaml:"voice"`
	Timeout   time.Duration `yaml:"timeout"`
	AudioDir  string        `yaml:"audio_dir"`
	KeepAudio bool          `yaml:"keep_audio"`
}

// Config is built once at process start and passed to every component.
type Config struct {
	HTTPAddr    string       `yaml:"http_addr"`
	LogLevel    string       `yaml:"log_level"`
	UploadDir   string       `yaml:"upload_dir"`
	DatabaseDSN string       `yaml:"-"`
	RedisAddr   string       `yaml:"redis_addr"`
	JWTSecret   string       `yaml:"-"`
	JWTAudience string       `yaml:"jwt_audience"`
	Vision      VisionConfig `yaml:"vision"`
	Speech      SpeechConfig `yaml:"speech"`
	Credential  Credential   `yaml:"-"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		HTTPAddr:  ":8080",
		LogLevel:  "info",
		UploadDir: os.TempDir(),
		Vision: VisionConfig{
			Provider:  ProviderBedrock,
			ModelID:   DefaultModelID,
			Region:    DefaultRegion,
			MaxTokens: DefaultMaxTokens,
			Timeout:   60 * time.Second,
		},
		Speech: SpeechConfig{
			Voice:    DefaultVoice,
			Timeout:  30 * time.Second,
			AudioDir: "audio",
		},
	}
}

// Load reads an optional .env file, an optional YAML file named by
// CONFIG_FILE, then applies environment overrides.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	var errs []error
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	float := func(key string, dst *float64) {
		if v, ok := lookup(key); ok && v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = f
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	str("HTTP_ADDR", &c.HTTPAddr)
	str("LOG_LEVEL", &c.LogLevel)
	str("UPLOAD_DIR", &c.UploadDir)
	str("DATABASE_DSN", &c.DatabaseDSN)
	str("REDIS_ADDR", &c.RedisAddr)
	str("JWT_SECRET", &c.JWTSecret)
	str("JWT_AUDIENCE", &c.JWTAudience)

	str("AWS_ACCESS_KEY_ID", &c.Credential.AccessKeyID)
	str("AWS_SECRET_ACCESS_KEY", &c.Credential.SecretAccessKey)
	str("AWS_SESSION_TOKEN", &c.Credential.SessionToken)
	str("AWS_REGION", &c.Vision.Region)

	str("VISION_PROVIDER", &c.Vision.Provider)
	str("VISION_MODEL_ID", &c.Vision.ModelID)
	num("VISION_MAX_TOKENS", &c.Vision.MaxTokens)
	float("VISION_TEMPERATURE", &c.Vision.Temperature)
	float("VISION_TOP_P", &c.Vision.TopP)
	duration("VISION_TIMEOUT", &c.Vision.Timeout)
	str("OPENAI_API_KEY", &c.Vision.OpenAIAPIKey)
	str("OPENAI_BASE_URL", &c.Vision.OpenAIBaseURL)

	str("TTS_VOICE", &c.Speech.Voice)
	duration("SPEECH_TIMEOUT", &c.Speech.Timeout)
	str("AUDIO_DIR", &c.Speech.AudioDir)
	boolean("KEEP_AUDIO", &c.Speech.KeepAudio)

	return errors.Join(errs...)
}

// Validate checks settings that would make the service unusable. Missing
// credentials are deliberately not checked here; they surface per request.
func (c *Config) Validate() error {
	var errs []error
	switch strings.ToLower(c.Vision.Provider) {
	case ProviderBedrock, ProviderOpenAI:
		c.Vision.Provider = strings.ToLower(c.Vision.Provider)
	default:
		errs = append(errs, fmt.Errorf("unsupported vision provider %q", c.Vision.Provider))
	}
	if c.Vision.ModelID == "" {
		errs = append(errs, errors.New("vision model id is required"))
	}
	if c.Vision.MaxTokens <= 0 {
		errs = append(errs, errors.New("vision max tokens must be positive"))
	}
	if c.Vision.Temperature < 0 || c.Vision.Temperature > 1 {
		errs = append(errs, errors.New("vision temperature must be within [0, 1]"))
	}
	if c.Vision.TopP < 0 || c.Vision.TopP > 1 {
		errs = append(errs, errors.New("vision top_p must be within [0, 1]"))
	}
	if c.Vision.Timeout <= 0 || c.Speech.Timeout <= 0 {
		errs = append(errs, errors.New("timeouts must be positive"))
	}
	if c.Speech.AudioDir == "" {
		errs = append(errs, errors.New("audio dir is required"))
	}
	return errors.Join(errs...)
}
