package config

import (
	"log"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

// Config holds the environment-level settings shared by experiment scripts:
// where benchmark repositories live and where the driver-level execution
// store is kept.
type Config struct {
	// BenchmarksDir is the root directory of the benchmark task repository.
	BenchmarksDir string
	// RevisionCache caches checked-out solver revisions between experiments.
	RevisionCache string
	// StoreDriver and StorePath configure the sqlite execution store.
	// An empty StorePath disables execution recording.
	StoreDriver string
	StorePath   string
}

// Load reads settings from the environment, after sourcing a .env file if
// one exists next to the experiment script.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("Error loading .env file: %v", err)
	}

	home, _ := os.UserHomeDir()
	return &Config{
		BenchmarksDir: getEnv("EXPKIT_BENCHMARKS_DIR", ""),
		RevisionCache: getEnv("EXPKIT_REVISION_CACHE", filepath.Join(home, ".cache", "expkit", "revisions")),
		StoreDriver:   getEnv("EXPKIT_STORE_DRIVER", "sqlite"),
		StorePath:     getEnv("EXPKIT_STORE_PATH", ""),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
