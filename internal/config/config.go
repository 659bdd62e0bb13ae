package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Provider  ProviderConfig  `yaml:"provider"`
	Storage   StorageConfig   `yaml:"storage"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Chunking  ChunkingConfig  `yaml:"chunking"`
	Log       LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	APIToken string `yaml:"api_token"`
}

// ProviderConfig points at an OpenAI-compatible model endpoint. The same
// endpoint serves embeddings, completions, and image descriptions; the three
// model names may differ.
type ProviderConfig struct {
	BaseURL         string  `yaml:"base_url"`
	APIKey          string  `yaml:"api_key"`
	EmbedModel      string  `yaml:"embed_model"`
	CompletionModel string  `yaml:"completion_model"`
	VisionModel     string  `yaml:"vision_model"`
	RequestsPerSec  float64 `yaml:"requests_per_sec"`
	MaxRetries      int     `yaml:"max_retries"`
}

type StorageConfig struct {
	DataDir string `yaml:"data_dir"`
}

type RetrievalConfig struct {
	TopK            int     `yaml:"top_k"`
	SimilarityFloor float64 `yaml:"similarity_floor"`
	MaxLinks        int     `yaml:"max_links"`
}

type ChunkingConfig struct {
	MaxTokens     int `yaml:"max_tokens"`
	OverlapTokens int `yaml:"overlap_tokens"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8000,
		},
		Provider: ProviderConfig{
			BaseURL:         "https://api.openai.com/v1",
			EmbedModel:      "text-embedding-3-small",
			CompletionModel: "gpt-3.5-turbo",
			VisionModel:     "gpt-4-vision-preview",
			RequestsPerSec:  8,
			MaxRetries:      3,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Retrieval: RetrievalConfig{
			TopK:            5,
			SimilarityFloor: 0.15,
			MaxLinks:        5,
		},
		Chunking: ChunkingConfig{
			MaxTokens:     300,
			OverlapTokens: 50,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".courseta"
	}
	return home + "/.courseta"
}

// Load reads configuration in ascending precedence: built-in defaults, the
// YAML file at path (skipped when path is empty or the file is absent), a
// local .env file, and finally COURSETA_* / OPENAI_API_KEY environment
// variables.
func Load(path string) (Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// No config file is fine; defaults plus env apply.
		case err != nil:
			return Config{}, fmt.Errorf("reading config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parsing config file %s: %w", path, err)
			}
		}
	}

	// Best-effort: a missing .env is not an error.
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	setString(&cfg.Server.Host, "COURSETA_HOST")
	setInt(&cfg.Server.Port, "COURSETA_PORT")
	setString(&cfg.Server.APIToken, "COURSETA_API_TOKEN")

	setString(&cfg.Provider.BaseURL, "COURSETA_PROVIDER_BASE_URL")
	setString(&cfg.Provider.APIKey, "COURSETA_PROVIDER_API_KEY")
	setString(&cfg.Provider.EmbedModel, "COURSETA_EMBED_MODEL")
	setString(&cfg.Provider.CompletionModel, "COURSETA_COMPLETION_MODEL")
	setString(&cfg.Provider.VisionModel, "COURSETA_VISION_MODEL")

	setString(&cfg.Storage.DataDir, "COURSETA_DATA_DIR")
	setString(&cfg.Log.Level, "COURSETA_LOG_LEVEL")

	// Conventional fallback used by the scraping tooling's .env files.
	if cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = os.Getenv("OPENAI_API_KEY")
	}
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err == nil {
		*dst = n
	}
}

func validate(cfg Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", cfg.Server.Port)
	}
	if cfg.Retrieval.TopK <= 0 {
		return fmt.Errorf("retrieval top_k must be positive, got %d", cfg.Retrieval.TopK)
	}
	if cfg.Chunking.MaxTokens <= 0 {
		return fmt.Errorf("chunking max_tokens must be positive, got %d", cfg.Chunking.MaxTokens)
	}
	if cfg.Chunking.OverlapTokens < 0 || cfg.Chunking.OverlapTokens >= cfg.Chunking.MaxTokens {
		return fmt.Errorf("chunking overlap_tokens must be in [0, max_tokens), got %d", cfg.Chunking.OverlapTokens)
	}
	return nil
}
