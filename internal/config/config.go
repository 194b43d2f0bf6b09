package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

const (
	// DefaultModelKey is the blob store key of the trained custom model.
	DefaultModelKey = "custom-object-detection-model"
	// HistoryLimit caps the detection history records kept for viewers.
	HistoryLimit = 100
)

type Config struct {
	Port     int
	Password string

	DetectorBackend string // "ssd" (gocv DNN) or "pigo" (face cascade)
	ModelPath       string
	ConfigPath      string
	CascadePath     string

	CameraSource string // "udp", a capture device index, or an image file path
	CamerasPort  int
	CameraNames  map[string]string

	DatabasePath             string
	ImageDirectory           string
	ImageBufferLimit         int
	ImageBufferFlushInterval int
	LogDirectory             string

	ConfidenceThreshold float64
	AcceptanceThreshold float64
	MatchSize           int

	ClassifierInputSize int
	ClassifierFilters   int
	ClassifierHidden    int
	Epochs              int
	BatchSize           int
	ValidationFraction  float64
	LearningRate        float64
	TrainingSeed        int64
	ModelKey            string

	FrameInterval   time.Duration
	ErrorBackoff    time.Duration
	FrameRetryDelay time.Duration
	FrameRetries    int
	HistoryLimit    int
}

// Load reads the configuration from the environment. A .env file in the working
// directory is applied first when present; real environment variables win.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Port:     getEnvAsInt("PORT", 8080),
		Password: getEnv("PASSWORD", "changeme"),

		DetectorBackend: getEnv("DETECTOR_BACKEND", "ssd"),
		ModelPath:       getEnv("MODEL_PATH", filepath.Join(".", "models", "frozen_inference_graph.pb")),
		ConfigPath:      getEnv("CONFIG_PATH", filepath.Join(".", "models", "ssd_mobilenet_v1_coco_2017_11_17.pbtxt")),
		CascadePath:     getEnv("CASCADE_PATH", filepath.Join(".", "models", "facefinder")),

		CameraSource: getEnv("CAMERA_SOURCE", "udp"),
		CamerasPort:  getEnvAsInt("CAMERAS_PORT", 8081),
		CameraNames:  map[string]string{},

		DatabasePath:             getEnv("DB_PATH", filepath.Join(".", "data", "customvision.db")),
		ImageDirectory:           getEnv("IMAGE_DIR", filepath.Join(".", "images")),
		ImageBufferLimit:         getEnvAsInt("IMAGE_BUFFER_LIMIT", 10),
		ImageBufferFlushInterval: getEnvAsInt("FLUSH_INTERVAL", 30),
		LogDirectory:             getEnv("LOG_DIR", filepath.Join(".", "logs")),

		ConfidenceThreshold: getEnvAsFloat("CONFIDENCE_THRESHOLD", 0.5),
		AcceptanceThreshold: getEnvAsFloat("ACCEPTANCE_THRESHOLD", 0.7),
		MatchSize:           getEnvAsInt("MATCH_SIZE", 224),

		ClassifierInputSize: getEnvAsInt("CLASSIFIER_INPUT_SIZE", 64),
		ClassifierFilters:   getEnvAsInt("CLASSIFIER_FILTERS", 8),
		ClassifierHidden:    getEnvAsInt("CLASSIFIER_HIDDEN", 32),
		Epochs:              getEnvAsInt("EPOCHS", 10),
		BatchSize:           getEnvAsInt("BATCH_SIZE", 16),
		ValidationFraction:  getEnvAsFloat("VALIDATION_FRACTION", 0.2),
		LearningRate:        getEnvAsFloat("LEARNING_RATE", 0.01),
		TrainingSeed:        getEnvAsInt64("TRAINING_SEED", 42),
		ModelKey:            getEnv("MODEL_KEY", DefaultModelKey),

		FrameInterval:   getEnvAsMillis("FRAME_INTERVAL_MS", 33),
		ErrorBackoff:    getEnvAsMillis("ERROR_BACKOFF_MS", 500),
		FrameRetryDelay: getEnvAsMillis("FRAME_RETRY_MS", 100),
		FrameRetries:    getEnvAsInt("FRAME_RETRIES", 10),
		HistoryLimit:    getEnvAsInt("HISTORY_LIMIT", HistoryLimit),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvAsMillis(key string, defaultValue int) time.Duration {
	return time.Duration(getEnvAsInt(key, defaultValue)) * time.Millisecond
}
