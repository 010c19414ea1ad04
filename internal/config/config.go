// Package config assembles the runtime configuration of the analysis core:
// defaults, an optional .env file, then MEDCORE_* environment overrides, in
// that order. The core consumes these values; it never hardcodes them.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/aivara/medcore/internal/analysis"
)

// Vector store backends.
const (
	BackendSQLite = "sqlite"
	BackendQdrant = "qdrant"
)

type Config struct {
	Server    ServerConfig
	Ollama    OllamaConfig
	Storage   StorageConfig
	Embedding EmbeddingConfig
	Analysis  AnalysisConfig
	LogLevel  string
}

type ServerConfig struct {
	Port int
}

type OllamaConfig struct {
	BaseURL string
	// ForecastModel generates health-trend forecasts.
	ForecastModel string
	// CallTimeout bounds every generative model call.
	CallTimeout time.Duration
}

type StorageConfig struct {
	DataDir string
	// VectorBackend selects where chunk vectors live: sqlite or qdrant.
	VectorBackend string
	QdrantHost    string
	QdrantPort    int
}

type EmbeddingConfig struct {
	Model string
	// Dimension must match across every vector in one store instance.
	Dimension    int
	ChunkSize    int
	ChunkOverlap int
	TopK         int
}

type AnalysisConfig struct {
	// Sections is the static section-to-model mapping, resolved here once.
	Sections analysis.SectionSet
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 8600,
		},
		Ollama: OllamaConfig{
			BaseURL:       "http://localhost:11434",
			ForecastModel: "llama3.2",
			CallTimeout:   120 * time.Second,
		},
		Storage: StorageConfig{
			DataDir:       defaultDataDir(),
			VectorBackend: BackendSQLite,
			QdrantHost:    "localhost",
			QdrantPort:    6334,
		},
		Embedding: EmbeddingConfig{
			Model:        "embeddinggemma",
			Dimension:    384,
			ChunkSize:    500,
			ChunkOverlap: 50,
			TopK:         5,
		},
		Analysis: AnalysisConfig{
			Sections: analysis.DefaultSections(),
		},
		LogLevel: "info",
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".medcore"
	}
	return home + "/.medcore"
}

// Load reads configuration: built-in defaults, then a .env file in the
// working directory if one exists, then MEDCORE_* environment variables.
// A missing .env file is not an error.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := defaults()
	applyEnvOverrides(&cfg)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	setString(&cfg.Ollama.BaseURL, "MEDCORE_OLLAMA_URL")
	setString(&cfg.Ollama.ForecastModel, "MEDCORE_FORECAST_MODEL")
	setDuration(&cfg.Ollama.CallTimeout, "MEDCORE_CALL_TIMEOUT")

	setInt(&cfg.Server.Port, "MEDCORE_PORT")

	setString(&cfg.Storage.DataDir, "MEDCORE_DATA_DIR")
	setString(&cfg.Storage.VectorBackend, "MEDCORE_VECTOR_BACKEND")
	setString(&cfg.Storage.QdrantHost, "MEDCORE_QDRANT_HOST")
	setInt(&cfg.Storage.QdrantPort, "MEDCORE_QDRANT_PORT")

	setString(&cfg.Embedding.Model, "MEDCORE_EMBED_MODEL")
	setInt(&cfg.Embedding.Dimension, "MEDCORE_EMBED_DIM")
	setInt(&cfg.Embedding.ChunkSize, "MEDCORE_CHUNK_SIZE")
	setInt(&cfg.Embedding.ChunkOverlap, "MEDCORE_CHUNK_OVERLAP")
	setInt(&cfg.Embedding.TopK, "MEDCORE_TOP_K")

	setString(&cfg.LogLevel, "MEDCORE_LOG_LEVEL")

	// Per-section model overrides keep the mapping static: resolved here,
	// never looked up by name at call time.
	overrideSectionModel(cfg, analysis.SectionGeneralExplanation, "MEDCORE_MODEL_GENERAL")
	overrideSectionModel(cfg, analysis.SectionReportReading, "MEDCORE_MODEL_READING")
	overrideSectionModel(cfg, analysis.SectionMedicineSuggestions, "MEDCORE_MODEL_MEDICINE")
	overrideSectionModel(cfg, analysis.SectionSpecialtyAdvice, "MEDCORE_MODEL_SPECIALTY")
}

func overrideSectionModel(cfg *Config, section analysis.Section, key string) {
	if v := os.Getenv(key); v != "" {
		sc := cfg.Analysis.Sections[section]
		sc.Model = v
		cfg.Analysis.Sections[section] = sc
	}
}

func (c Config) validate() error {
	switch strings.ToLower(c.Storage.VectorBackend) {
	case BackendSQLite, BackendQdrant:
	default:
		return fmt.Errorf("invalid MEDCORE_VECTOR_BACKEND %q: must be %s or %s",
			c.Storage.VectorBackend, BackendSQLite, BackendQdrant)
	}
	if c.Embedding.Dimension <= 0 {
		return fmt.Errorf("embedding dimension must be positive, got %d", c.Embedding.Dimension)
	}
	if c.Embedding.ChunkSize <= 0 {
		return fmt.Errorf("chunk size must be positive, got %d", c.Embedding.ChunkSize)
	}
	// Overlap above half the chunk size degrades into near-duplicate chunks
	// and defeats the chunker's exact-overlap guarantee.
	if c.Embedding.ChunkOverlap < 0 || c.Embedding.ChunkOverlap*2 > c.Embedding.ChunkSize {
		return fmt.Errorf("chunk overlap %d must be in [0, chunk size/2]", c.Embedding.ChunkOverlap)
	}
	if c.Embedding.TopK <= 0 {
		return fmt.Errorf("top-K must be positive, got %d", c.Embedding.TopK)
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
