// Package config loads the examcore process configuration from the
// environment, following the teacher's envOr-based Config struct idiom.
// Config loading mechanics beyond this are an external collaborator.
package config

import (
	"os"
	"strconv"
)

// Config holds all environment-based configuration for an examworker process.
type Config struct {
	// Storage / transport endpoints.
	Neo4jURL   string
	Neo4jUser  string
	Neo4jPass  string
	NATSURL    string // empty = embed an in-process nats-server
	OCRGRPCURL string // empty = use the in-process stub OCR engine

	// Filesystem roots.
	ArtifactBaseDir string
	WorkdirBase     string
	TraceSinkPath   string // JSONL performance-trace sink, empty disables

	// Model gateway.
	ModelDevice  string // "cpu", "cuda:0", ...
	GPUID        int
	WarmupForce  bool

	// OCR.
	OCRBatchSize      int
	MemCacheEnabled   bool
	MemCacheSize      int
	CachePrettyPrint  bool
	MaxContentChars   int

	// Page processor.
	ParallelExtract   bool
	ExtractWorkers    int
	PrefetchQueueSize int
	PrefetchRateHz    float64

	// Image / output formatting.
	LightTableEnabled bool
	PNGOptimize       bool
	PNGCompressLevel  int
	MetaPrettyPrint   bool
	ImagePassByArray  bool

	// pdf_to_images stage.
	RasterDPI int

	// Pipeline runner.
	MaxRetries      int
	RetryDelaySecs  float64

	// Ops server.
	OpsPort int
}

// Load builds a Config from the environment, applying the same defaults the
// reference implementation ships with.
func Load() Config {
	return Config{
		Neo4jURL:   envOr("EXAMCORE_NEO4J_URL", "neo4j://localhost:7687"),
		Neo4jUser:  envOr("EXAMCORE_NEO4J_USER", "neo4j"),
		Neo4jPass:  envOr("EXAMCORE_NEO4J_PASS", "password"),
		NATSURL:    envOr("EXAMCORE_NATS_URL", ""),
		OCRGRPCURL: envOr("EXAMCORE_OCR_GRPC_URL", ""),

		ArtifactBaseDir: envOr("EXAMCORE_ARTIFACT_DIR", "/tmp/examcore-artifacts"),
		WorkdirBase:     envOr("EXAMCORE_WORKDIR_BASE", "/tmp/examcore-workdirs"),
		TraceSinkPath:   envOr("EXAMCORE_TRACE_SINK", ""),

		ModelDevice: envOr("EXAMCORE_MODEL_DEVICE", "cpu"),
		GPUID:       envIntOr("EXAMCORE_GPU_ID", 0),
		WarmupForce: envBoolOr("EXAMCORE_WARMUP_FORCE", false),

		OCRBatchSize:     envIntOr("EXAMCORE_OCR_BATCH_SIZE", 8),
		MemCacheEnabled:  envBoolOr("EXAMCORE_MEM_CACHE_ENABLED", true),
		MemCacheSize:     envIntOr("EXAMCORE_MEM_CACHE_SIZE", 512),
		CachePrettyPrint: envBoolOr("EXAMCORE_CACHE_PRETTY", false),
		MaxContentChars:  envIntOr("EXAMCORE_MAX_CONTENT_CHARS", 2000),

		ParallelExtract:   envBoolOr("EXAMCORE_PARALLEL_EXTRACT", true),
		ExtractWorkers:    envIntOr("EXAMCORE_EXTRACT_WORKERS", 0), // 0 = auto
		PrefetchQueueSize: envIntOr("EXAMCORE_PREFETCH_QUEUE", 8),
		PrefetchRateHz:    envFloatOr("EXAMCORE_PREFETCH_RATE_HZ", 200),

		LightTableEnabled: envBoolOr("EXAMCORE_LIGHT_TABLE", false),
		PNGOptimize:       envBoolOr("EXAMCORE_PNG_OPTIMIZE", true),
		PNGCompressLevel:  envIntOr("EXAMCORE_PNG_COMPRESS_LEVEL", 6),
		MetaPrettyPrint:   envBoolOr("EXAMCORE_META_PRETTY", true),
		ImagePassByArray:  envBoolOr("EXAMCORE_IMAGE_PASS_BY_ARRAY", false),

		RasterDPI: envIntOr("EXAMCORE_RASTER_DPI", 200),

		MaxRetries:     envIntOr("EXAMCORE_MAX_RETRIES", 3),
		RetryDelaySecs: envFloatOr("EXAMCORE_RETRY_DELAY_SECS", 1.0),

		OpsPort: envIntOr("EXAMCORE_OPS_PORT", 9090),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envFloatOr(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func envBoolOr(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
