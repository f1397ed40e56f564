package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Detector backend preferences.
const (
	DetectorAuto    = "auto"
	DetectorDNN     = "dnn"
	DetectorCascade = "cascade"
)

// Embedder backends.
const (
	EmbedderWorker = "worker"
	EmbedderHTTP   = "http"
)

type Config struct {
	DataDir    string         `yaml:"data_dir" validate:"required"`
	Threshold  float64        `yaml:"threshold" validate:"gte=-1,lte=1"`
	Detector   DetectorConfig `yaml:"detector"`
	Embedder   EmbedderConfig `yaml:"embedder"`
	Worker     WorkerConfig   `yaml:"worker"`
	Store      StoreConfig    `yaml:"store"`
	Log        LogConfig      `yaml:"log"`
	Server     ServerConfig   `yaml:"server"`
	Validation ValidateConfig `yaml:"validate"`
}

type DetectorConfig struct {
	Backend       string  `yaml:"backend" validate:"oneof=auto dnn cascade"`
	ModelFile     string  `yaml:"model_file"`  // DNN weights (e.g. res10_300x300_ssd_iter_140000.caffemodel)
	ConfigFile    string  `yaml:"config_file"` // DNN topology (e.g. deploy.prototxt)
	Accelerator   bool    `yaml:"accelerator"`
	MinConfidence float64 `yaml:"min_confidence" validate:"gte=0,lte=1"`
	CascadeFile   string  `yaml:"cascade_file"` // pigo facefinder
	MinFaceSize   int     `yaml:"min_face_size" validate:"gte=1"`
	MaxFaceSize   int     `yaml:"max_face_size" validate:"gtefield=MinFaceSize"`
}

type EmbedderConfig struct {
	Backend  string  `yaml:"backend" validate:"oneof=worker http"`
	URL      string  `yaml:"url" validate:"required_if=Backend http"`
	Model    string  `yaml:"model"`
	CropSize int     `yaml:"crop_size" validate:"gte=16"`
	Padding  float64 `yaml:"padding" validate:"gte=0,lte=1"`
}

type WorkerConfig struct {
	Command string        `yaml:"command"`
	Count   int           `yaml:"count" validate:"gte=1"`
	Timeout time.Duration `yaml:"timeout"`
}

type StoreConfig struct {
	File      string `yaml:"file" validate:"required"`
	CacheFile string `yaml:"cache_file" validate:"required"`
	KeepImage bool   `yaml:"keep_images"`
}

type LogConfig struct {
	Level   string `yaml:"level" validate:"oneof=trace debug info warn warning error"`
	File    string `yaml:"file"`
	NoColor bool   `yaml:"no_color"`
}

type ServerConfig struct {
	Addr string `yaml:"addr" validate:"required"`
}

type ValidateConfig struct {
	TrainDir string `yaml:"train_dir"`
	TestDir  string `yaml:"test_dir"`
	Output   string `yaml:"output"`
}

// StorePath is the identity store file inside DataDir.
func (c *Config) StorePath() string {
	return filepath.Join(c.DataDir, c.Store.File)
}

// CachePath is the embedding cache file inside DataDir.
func (c *Config) CachePath() string {
	return filepath.Join(c.DataDir, c.Store.CacheFile)
}

// FacesDir holds reference images kept for registered identities.
func (c *Config) FacesDir() string {
	return filepath.Join(c.DataDir, "registered_faces")
}

// WorkerCommand splits the configured worker command line.
func (c *Config) WorkerCommand() []string {
	return strings.Fields(c.Worker.Command)
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DataDir:   "./data",
		Threshold: 0.45,
		Detector: DetectorConfig{
			Backend:       DetectorAuto,
			ModelFile:     "models/res10_300x300_ssd_iter_140000.caffemodel",
			ConfigFile:    "models/deploy.prototxt",
			Accelerator:   true,
			MinConfidence: 0.5,
			CascadeFile:   "models/facefinder",
			MinFaceSize:   30,
			MaxFaceSize:   2000,
		},
		Embedder: EmbedderConfig{
			Backend:  EmbedderWorker,
			Model:    "facenet",
			CropSize: 160,
			Padding:  0.2,
		},
		Worker: WorkerConfig{
			Command: "python3 -u python/worker.py",
			Count:   1,
			Timeout: 60 * time.Second,
		},
		Store: StoreConfig{
			File:      "face_embeddings.json",
			CacheFile: "embeddings_cache.msgpack",
			KeepImage: true,
		},
		Log: LogConfig{
			Level: "info",
		},
		Server: ServerConfig{
			Addr: ":8000",
		},
		Validation: ValidateConfig{
			TrainDir: "datasets/Data Train",
			TestDir:  "datasets/Data Test",
			Output:   "confusion_matrix.csv",
		},
	}
}

// Load builds the configuration: defaults, then the YAML file (if path is
// non-empty), then .env and FACEGATE_* environment variables.
func Load(path string) (*Config, error) {
	// .env file is optional, don't fail if not found
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New()

// Validate checks field constraints and reports them as a single error.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
}

func applyEnv(c *Config) {
	envString("FACEGATE_DATA_DIR", &c.DataDir)
	envFloat("FACEGATE_THRESHOLD", &c.Threshold)

	envString("FACEGATE_DETECTOR", &c.Detector.Backend)
	envString("FACEGATE_DNN_MODEL", &c.Detector.ModelFile)
	envString("FACEGATE_DNN_CONFIG", &c.Detector.ConfigFile)
	envBool("FACEGATE_ACCELERATOR", &c.Detector.Accelerator)
	envString("FACEGATE_CASCADE_FILE", &c.Detector.CascadeFile)
	envInt("FACEGATE_MIN_FACE_SIZE", &c.Detector.MinFaceSize)

	envString("FACEGATE_EMBEDDER", &c.Embedder.Backend)
	envString("EMBEDDING_URL", &c.Embedder.URL)
	envString("FACEGATE_EMBEDDING_MODEL", &c.Embedder.Model)

	envString("FACEGATE_WORKER_COMMAND", &c.Worker.Command)
	envInt("FACEGATE_WORKERS", &c.Worker.Count)
	envDuration("FACEGATE_WORKER_TIMEOUT", &c.Worker.Timeout)

	envString("FACEGATE_LOG_LEVEL", &c.Log.Level)
	envString("FACEGATE_LOG_FILE", &c.Log.File)
	envString("FACEGATE_ADDR", &c.Server.Addr)
}

func envString(key string, dst *string) {
	if s := os.Getenv(key); s != "" {
		*dst = s
	}
}

// envInt reads an environment variable and parses it as a positive integer.
// Leaves dst untouched if the env var is unset, empty, or invalid.
func envInt(key string, dst *int) {
	s := os.Getenv(key)
	if s == "" {
		return
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		*dst = n
	}
}

func envFloat(key string, dst *float64) {
	s := os.Getenv(key)
	if s == "" {
		return
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		*dst = f
	}
}

func envBool(key string, dst *bool) {
	s := os.Getenv(key)
	if s == "" {
		return
	}
	if b, err := strconv.ParseBool(s); err == nil {
		*dst = b
	}
}

func envDuration(key string, dst *time.Duration) {
	s := os.Getenv(key)
	if s == "" {
		return
	}
	if d, err := time.ParseDuration(s); err == nil {
		*dst = d
	}
}
