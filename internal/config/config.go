// Package config loads service settings from the environment and an
// optional .env file
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/tendant/snap-ask/internal/generate"
	"github.com/tendant/snap-ask/internal/sanitize"
)

// OCR engine names accepted by OCR_ENGINE
const (
	OCREngineGosseract = "gosseract"
	OCREngineCLI       = "cli"
)

type Config struct {
	Server     ServerConfig
	OCR        OCRConfig
	Preprocess PreprocessConfig
	Sanitize   SanitizeConfig
	LLM        LLMConfig
	LogLevel   string
}

type ServerConfig struct {
	Addr              string
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	ShutdownTimeout   time.Duration
	MaxUploadBytes    int64
	MaxQuestionLength int
	UploadDir         string
}

type OCRConfig struct {
	Engine        string
	TesseractPath string
	Language      string
	Whitelist     string
	PageSegMode   int
}

type PreprocessConfig struct {
	Enabled      bool
	MaxWidth     int
	MedianRadius int
}

type SanitizeConfig struct {
	Substitutions []string
}

type LLMConfig struct {
	Provider      string
	Model         string
	APIKey        string
	BaseURL       string
	Temperature   float64
	MaxTokens     int
	SafetyMarkers []string
}

// LoadDotEnv loads path (".env" when empty) into the process environment;
// a missing file is not an error
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("READ_TIMEOUT", 30*time.Second)
	v.SetDefault("WRITE_TIMEOUT", 120*time.Second)
	v.SetDefault("SHUTDOWN_TIMEOUT", 10*time.Second)
	v.SetDefault("MAX_UPLOAD_BYTES", 10*1024*1024) // 10MB
	v.SetDefault("MAX_QUESTION_LENGTH", 500)
	v.SetDefault("UPLOAD_DIR", "")
	v.SetDefault("LOG_LEVEL", "info")

	v.SetDefault("OCR_ENGINE", OCREngineGosseract)
	v.SetDefault("TESSERACT_PATH", "")
	v.SetDefault("OCR_LANGUAGE", "eng")
	v.SetDefault("OCR_WHITELIST", "")
	v.SetDefault("OCR_PAGE_SEG_MODE", 1)

	v.SetDefault("PREPROCESS_ENABLED", true)
	v.SetDefault("PREPROCESS_MAX_WIDTH", 2000)
	v.SetDefault("PREPROCESS_MEDIAN_RADIUS", 1)

	v.SetDefault("SANITIZE_SUBSTITUTIONS", strings.Join(sanitize.BuiltinRuleNames(), ","))

	v.SetDefault("LLM_PROVIDER", generate.ProviderGoogleAI)
	v.SetDefault("LLM_MODEL", "")
	v.SetDefault("LLM_API_KEY", "")
	v.SetDefault("GEMINI_API_KEY", "")
	v.SetDefault("LLM_BASE_URL", "")
	v.SetDefault("LLM_TEMPERATURE", 0.0)
	v.SetDefault("LLM_MAX_TOKENS", 0)
	v.SetDefault("SAFETY_MARKERS", strings.Join(generate.DefaultSafetyMarkers, ","))

	v.AutomaticEnv()

	apiKey := v.GetString("LLM_API_KEY")
	if apiKey == "" {
		apiKey = v.GetString("GEMINI_API_KEY")
	}

	cfg := &Config{
		Server: ServerConfig{
			Addr:              v.GetString("HTTP_ADDR"),
			ReadTimeout:       v.GetDuration("READ_TIMEOUT"),
			WriteTimeout:      v.GetDuration("WRITE_TIMEOUT"),
			ShutdownTimeout:   v.GetDuration("SHUTDOWN_TIMEOUT"),
			MaxUploadBytes:    v.GetInt64("MAX_UPLOAD_BYTES"),
			MaxQuestionLength: v.GetInt("MAX_QUESTION_LENGTH"),
			UploadDir:         v.GetString("UPLOAD_DIR"),
		},
		OCR: OCRConfig{
			Engine:        strings.ToLower(strings.TrimSpace(v.GetString("OCR_ENGINE"))),
			TesseractPath: v.GetString("TESSERACT_PATH"),
			Language:      v.GetString("OCR_LANGUAGE"),
			Whitelist:     v.GetString("OCR_WHITELIST"),
			PageSegMode:   v.GetInt("OCR_PAGE_SEG_MODE"),
		},
		Preprocess: PreprocessConfig{
			Enabled:      v.GetBool("PREPROCESS_ENABLED"),
			MaxWidth:     v.GetInt("PREPROCESS_MAX_WIDTH"),
			MedianRadius: v.GetInt("PREPROCESS_MEDIAN_RADIUS"),
		},
		Sanitize: SanitizeConfig{
			Substitutions: splitList(v.GetString("SANITIZE_SUBSTITUTIONS")),
		},
		LLM: LLMConfig{
			Provider:      strings.ToLower(strings.TrimSpace(v.GetString("LLM_PROVIDER"))),
			Model:         v.GetString("LLM_MODEL"),
			APIKey:        apiKey,
			BaseURL:       v.GetString("LLM_BASE_URL"),
			Temperature:   v.GetFloat64("LLM_TEMPERATURE"),
			MaxTokens:     v.GetInt("LLM_MAX_TOKENS"),
			SafetyMarkers: splitList(v.GetString("SAFETY_MARKERS")),
		},
		LogLevel: v.GetString("LOG_LEVEL"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Addr == "" {
		errs = append(errs, errors.New("HTTP_ADDR must not be empty"))
	}
	if c.Server.MaxUploadBytes <= 0 {
		errs = append(errs, errors.New("MAX_UPLOAD_BYTES must be positive"))
	}
	if c.Server.MaxQuestionLength <= 0 {
		errs = append(errs, errors.New("MAX_QUESTION_LENGTH must be positive"))
	}
	if c.Server.ReadTimeout < 0 || c.Server.WriteTimeout < 0 || c.Server.ShutdownTimeout < 0 {
		errs = append(errs, errors.New("timeouts must not be negative"))
	}

	switch c.OCR.Engine {
	case OCREngineGosseract, OCREngineCLI:
	default:
		errs = append(errs, fmt.Errorf("OCR_ENGINE must be %q or %q, got %q", OCREngineGosseract, OCREngineCLI, c.OCR.Engine))
	}
	// 0 is orientation detection only and yields no text
	if c.OCR.PageSegMode < 1 || c.OCR.PageSegMode > 13 {
		errs = append(errs, fmt.Errorf("OCR_PAGE_SEG_MODE must be between 1 and 13, got %d", c.OCR.PageSegMode))
	}

	if c.Preprocess.MaxWidth <= 0 {
		errs = append(errs, errors.New("PREPROCESS_MAX_WIDTH must be positive"))
	}

	if _, err := c.Sanitizer(); err != nil {
		errs = append(errs, fmt.Errorf("SANITIZE_SUBSTITUTIONS: %w", err))
	}

	switch c.LLM.Provider {
	case generate.ProviderOllama:
	case generate.ProviderGoogleAI, generate.ProviderOpenAI, generate.ProviderAnthropic, generate.ProviderMistral:
		if c.LLM.APIKey == "" {
			errs = append(errs, fmt.Errorf("LLM_API_KEY is required for provider %q", c.LLM.Provider))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported LLM_PROVIDER %q", c.LLM.Provider))
	}
	if c.LLM.Temperature < 0 {
		errs = append(errs, errors.New("LLM_TEMPERATURE must not be negative"))
	}
	if c.LLM.MaxTokens < 0 {
		errs = append(errs, errors.New("LLM_MAX_TOKENS must not be negative"))
	}

	return errors.Join(errs...)
}

// Sanitizer builds the sanitizer described by the substitution rules;
// the single value "none" disables substitutions
func (c *Config) Sanitizer() (*sanitize.Sanitizer, error) {
	if len(c.Sanitize.Substitutions) == 1 && strings.EqualFold(c.Sanitize.Substitutions[0], "none") {
		return sanitize.New(nil)
	}
	rules, err := sanitize.ParseRules(c.Sanitize.Substitutions)
	if err != nil {
		return nil, err
	}
	return sanitize.New(rules)
}

// Generate returns the answer generator settings
func (c *Config) Generate() generate.Config {
	return generate.Config{
		Provider:      c.LLM.Provider,
		APIKey:        c.LLM.APIKey,
		Model:         c.LLM.Model,
		BaseURL:       c.LLM.BaseURL,
		Temperature:   c.LLM.Temperature,
		MaxTokens:     c.LLM.MaxTokens,
		SafetyMarkers: c.LLM.SafetyMarkers,
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
