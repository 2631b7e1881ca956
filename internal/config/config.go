package config

import (
	_ "embed"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed profiles.yaml
var profilesYAML []byte

// Metric selects how stored vectors are compared.
type Metric string

// Supported index metrics.
const (
	MetricInnerProduct Metric = "inner_product"
	MetricL2           Metric = "l2"
)

type Config struct {
	Embedding   EmbeddingConfig
	Index       IndexConfig
	Recognition RecognitionConfig
	Quality     QualityConfig
	Duplicates  DuplicatesConfig
	Workers     WorkersConfig
	Log         LogConfig
}

type EmbeddingConfig struct {
	URL       string   // embedding server base URL (e.g., http://localhost:8000)
	Model     string   // embedding model identifier (e.g., Facenet512)
	Detectors []string // detector backends in fallback order
	Timeout   int      // request timeout in seconds
}

type IndexConfig struct {
	Path string // directory holding the paired index artifacts
}

// RecognitionConfig is the metric-and-threshold policy applied by the
// identity index and the recognizer. It starts from a named profile;
// individual fields may be overridden from the environment.
type RecognitionConfig struct {
	Profile         string  `yaml:"-"`
	Dimension       int     `yaml:"dimension"`
	Metric          Metric  `yaml:"metric"`
	Threshold       float64 `yaml:"threshold"`
	StrictThreshold float64 `yaml:"strict_threshold"`
	AmbiguityMargin float64 `yaml:"ambiguity_margin"`
	QualityGate     bool    `yaml:"quality_gate"`
}

// Normalized reports whether vectors must be L2-normalized before storage
// or comparison. Only the inner product metric requires it.
func (r RecognitionConfig) Normalized() bool {
	return r.Metric == MetricInnerProduct
}

type QualityConfig struct {
	MinSize       int     // minimum width/height in pixels
	MinBrightness float64 // mean grayscale intensity floor
	MaxBrightness float64 // mean grayscale intensity ceiling
	MinSharpness  float64 // Laplacian variance floor
	MinContrast   float64 // grayscale stddev floor
}

type DuplicatesConfig struct {
	Threshold float64 // minimum similarity to report a candidate
	HighMatch float64 // similarity at which a candidate is a high match
	K         int     // neighbors fetched per check
}

type WorkersConfig struct {
	Count      int // worker goroutines in the extraction pool
	TaskMaxAge int // seconds before finished tasks are cleaned up
}

type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, text
}

type profilesFile struct {
	Profiles map[string]RecognitionConfig `yaml:"profiles"`
}

// envInt reads an environment variable and parses it as a positive integer.
// Returns the default value if the env var is unset, empty, or invalid.
func envInt(key string, defaultVal int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return defaultVal
}

// envFloat reads an environment variable and parses it as a non-negative float.
func envFloat(key string, defaultVal float64) float64 {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && f >= 0 {
		return f
	}
	return defaultVal
}

// envStr reads an environment variable with a default.
func envStr(key, defaultVal string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return defaultVal
}

// Profile returns the named recognition policy preset.
func Profile(name string) (RecognitionConfig, error) {
	var file profilesFile
	if err := yaml.Unmarshal(profilesYAML, &file); err != nil {
		// Embedded file, should never happen in practice.
		panic("failed to unmarshal embedded profiles.yaml: " + err.Error())
	}
	p, ok := file.Profiles[name]
	if !ok {
		return RecognitionConfig{}, fmt.Errorf("unknown recognition profile %q", name)
	}
	p.Profile = name
	return p, nil
}

func Load() (*Config, error) {
	profileName := envStr("RECOGNITION_PROFILE", "enhanced")
	rec, err := Profile(profileName)
	if err != nil {
		return nil, err
	}

	rec.Dimension = envInt("EMBEDDING_DIM", rec.Dimension)
	rec.Threshold = envFloat("MATCH_THRESHOLD", rec.Threshold)
	rec.StrictThreshold = envFloat("STRICT_MATCH_THRESHOLD", rec.StrictThreshold)
	rec.AmbiguityMargin = envFloat("AMBIGUITY_MARGIN", rec.AmbiguityMargin)

	detectors := strings.Split(envStr("DETECTOR_BACKENDS", "retinaface,opencv"), ",")
	for i := range detectors {
		detectors[i] = strings.TrimSpace(detectors[i])
	}

	return &Config{
		Embedding: EmbeddingConfig{
			URL:       envStr("EMBEDDING_URL", "http://localhost:8000"),
			Model:     envStr("EMBEDDING_MODEL", "Facenet512"),
			Detectors: detectors,
			Timeout:   envInt("EMBEDDING_TIMEOUT", 30),
		},
		Index: IndexConfig{
			Path: envStr("INDEX_PATH", "face_index"),
		},
		Recognition: rec,
		Quality: QualityConfig{
			MinSize:       envInt("QUALITY_MIN_SIZE", 80),
			MinBrightness: envFloat("QUALITY_MIN_BRIGHTNESS", 40),
			MaxBrightness: envFloat("QUALITY_MAX_BRIGHTNESS", 220),
			MinSharpness:  envFloat("QUALITY_MIN_SHARPNESS", 100),
			MinContrast:   envFloat("QUALITY_MIN_CONTRAST", 20),
		},
		Duplicates: DuplicatesConfig{
			Threshold: envFloat("DUPLICATE_THRESHOLD", 0.6),
			HighMatch: envFloat("DUPLICATE_HIGH_MATCH", 0.85),
			K:         envInt("DUPLICATE_K", 5),
		},
		Workers: WorkersConfig{
			Count:      envInt("WORKER_COUNT", 2),
			TaskMaxAge: envInt("TASK_MAX_AGE", 3600),
		},
		Log: LogConfig{
			Level:  envStr("LOG_LEVEL", "info"),
			Format: envStr("LOG_FORMAT", "text"),
		},
	}, nil
}
