package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"
)

type Config struct {
	APIPort     string
	ProjectRoot string
	PythonBin   string

	// Worker scripts, resolved against ProjectRoot when relative.
	BatchScript    string
	SimulateScript string
	SpeechScript   string
	PlanScript     string
	PlanPDFDir     string

	SimulateDeadline time.Duration
	PlanDeadline     time.Duration
	SpeechDeadline   time.Duration
	KillGrace        time.Duration

	InvoicesDir         string
	PublicDir           string
	AutoProcess         bool
	AutoProcessDebounce time.Duration

	RedisAddr           string
	BatchSchedule       string
	ExecutorConcurrency int

	TranscriptDir     string
	S3Bucket          string
	S3Prefix          string
	S3Region          string
	S3Endpoint        string
	S3AccessKeyID     string
	S3SecretAccessKey string

	LogLevel    string
	LogEncoding string

	OTelEnabled      bool
	OTelEndpoint     string
	OTelSamplingRate float64
}

func LoadConfig() *Config {
	root := getEnv("PROJECT_ROOT", ".")
	if abs, err := filepath.Abs(root); err == nil {
		root = abs
	}

	return &Config{
		APIPort:     getEnv("API_PORT", "4000"),
		ProjectRoot: root,
		PythonBin:   getEnv("PYTHON_BIN", "python3"),

		BatchScript:    resolve(root, getEnv("BATCH_SCRIPT", "src/invoiceDashboard.py")),
		SimulateScript: resolve(root, getEnv("SIMULATE_SCRIPT", "scenario/generate.py")),
		SpeechScript:   resolve(root, getEnv("SPEECH_SCRIPT", "scenario/speech.py")),
		PlanScript:     resolve(root, getEnv("PLAN_SCRIPT", "server/plan_generator_service.py")),
		PlanPDFDir:     resolve(root, getEnv("PLAN_PDF_DIR", "plan_generator/pdfs")),

		SimulateDeadline: getEnvAsDuration("SIMULATE_DEADLINE", 65*time.Second),
		PlanDeadline:     getEnvAsDuration("PLAN_DEADLINE", 0),
		SpeechDeadline:   getEnvAsDuration("SPEECH_DEADLINE", 0),
		KillGrace:        getEnvAsDuration("KILL_GRACE", 5*time.Second),

		InvoicesDir:         resolve(root, getEnv("INVOICES_DIR", "src/assets/invoices")),
		PublicDir:           resolve(root, getEnv("PUBLIC_DIR", "public")),
		AutoProcess:         getEnvAsBool("AUTO_PROCESS", false),
		AutoProcessDebounce: getEnvAsDuration("AUTO_PROCESS_DEBOUNCE", 2*time.Second),

		RedisAddr:           getEnv("REDIS_ADDR", ""),
		BatchSchedule:       getEnv("BATCH_SCHEDULE", "@every 1h"),
		ExecutorConcurrency: getEnvAsInt("EXECUTOR_CONCURRENCY", 0),

		TranscriptDir:     resolve(root, getEnv("TRANSCRIPT_DIR", "logs")),
		S3Bucket:          getEnv("S3_BUCKET", ""),
		S3Prefix:          getEnv("S3_PREFIX", "transcripts"),
		S3Region:          getEnv("S3_REGION", "us-east-1"),
		S3Endpoint:        getEnv("S3_ENDPOINT", ""),
		S3AccessKeyID:     getEnv("S3_ACCESS_KEY_ID", ""),
		S3SecretAccessKey: getEnv("S3_SECRET_ACCESS_KEY", ""),

		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogEncoding: getEnv("LOG_ENCODING", "json"),

		OTelEnabled:      getEnvAsBool("OTEL_ENABLED", false),
		OTelEndpoint:     getEnv("OTEL_ENDPOINT", "localhost:4318"),
		OTelSamplingRate: getEnvAsFloat("OTEL_SAMPLING_RATE", 1.0),
	}
}

func resolve(root, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(root, p)
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return fallback
}

func getEnvAsFloat(key string, fallback float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return fallback
}

// getEnvAsDuration accepts Go durations ("65s") or bare seconds ("65").
func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	if secs, err := strconv.Atoi(valueStr); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}
