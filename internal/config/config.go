package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	HTTPAddr string `yaml:"http_addr"`
	DataDir  string `yaml:"data_dir"`
	DBPath   string `yaml:"db_path"`

	StoreBackend string `yaml:"store_backend"` // sqlite or redis
	RedisAddr    string `yaml:"redis_addr"`
	RedisPrefix  string `yaml:"redis_prefix"`

	FlushBatchSize int `yaml:"flush_batch_size"`
	RetryHintMS    int `yaml:"retry_hint_ms"`
}

// Load builds the runtime configuration. Precedence, lowest to highest:
// built-in defaults, the YAML file named by TASKWIRE_CONFIG (if any),
// then TASKWIRE_* environment variables. A .env file in the working
// directory seeds the environment without overriding it.
func Load() (Config, error) {
	loadDotEnv(".env")

	cfg := Config{
		HTTPAddr:       ":8080",
		DataDir:        "data",
		StoreBackend:   "sqlite",
		RedisAddr:      "localhost:6379",
		RedisPrefix:    "taskwire",
		FlushBatchSize: 16,
		RetryHintMS:    3000,
	}

	if path := os.Getenv("TASKWIRE_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg.HTTPAddr = getEnv("TASKWIRE_HTTP_ADDR", cfg.HTTPAddr)
	cfg.DataDir = getEnv("TASKWIRE_DATA_DIR", cfg.DataDir)
	cfg.DBPath = getEnv("TASKWIRE_DB_PATH", cfg.DBPath)
	cfg.StoreBackend = getEnv("TASKWIRE_STORE_BACKEND", cfg.StoreBackend)
	cfg.RedisAddr = getEnv("TASKWIRE_REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisPrefix = getEnv("TASKWIRE_REDIS_PREFIX", cfg.RedisPrefix)
	cfg.FlushBatchSize = getEnvInt("TASKWIRE_FLUSH_BATCH_SIZE", cfg.FlushBatchSize)
	cfg.RetryHintMS = getEnvInt("TASKWIRE_RETRY_HINT_MS", cfg.RetryHintMS)

	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.DataDir, "taskwire.db")
	}
	switch cfg.StoreBackend {
	case "sqlite", "redis":
	default:
		return Config{}, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
	if cfg.FlushBatchSize <= 0 {
		cfg.FlushBatchSize = 16
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return parsed
}

func loadDotEnv(path string) {
	file, err := os.Open(path)
	if err != nil {
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "export ") {
			line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		value = strings.TrimSpace(value)
		value = strings.Trim(value, `"'`)
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		_ = os.Setenv(key, value)
	}
}
