package main

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"guardvision/pkg/validate"
)

// Config carries every externally tunable setting. It is built once in main
// and passed to constructors; nothing reads the environment after startup.
type Config struct {
	Port        string // HTTP listen port
	DatabaseDSN string
	RedisAddr   string
	QueueKey    string
	UploadRoot  string

	MaxFileSizeMB  int
	MaxFilesPerJob int
	AllowedExts    []string // empty means the built-in defaults
}

func loadConfig() Config {
	cfg := Config{
		Port:           envOr("PORT", "8080"),
		DatabaseDSN:    os.Getenv("DB_DSN"),
		RedisAddr:      envOr("REDIS_ADDR", "localhost:6379"),
		QueueKey:       envOr("QUEUE_KEY", "processing_queue"),
		UploadRoot:     envOr("UPLOAD_ROOT", "uploads"),
		MaxFileSizeMB:  envIntOr("MAX_FILE_SIZE_MB", validate.DefaultMaxFileSizeMB),
		MaxFilesPerJob: envIntOr("MAX_FILES_PER_JOB", validate.DefaultMaxFilesPerJob),
		AllowedExts:    envList("ALLOWED_EXTENSIONS"),
	}
	return cfg
}

// uploadRules builds the validation limits the ingest layer enforces.
func (c Config) uploadRules() validate.Rules {
	rules := validate.DefaultRules()
	rules.MaxFileSizeBytes = int64(c.MaxFileSizeMB) << 20
	rules.MaxFilesPerJob = c.MaxFilesPerJob
	if len(c.AllowedExts) > 0 {
		exts := make(map[string]bool, len(c.AllowedExts))
		for _, e := range c.AllowedExts {
			exts[strings.ToLower(strings.TrimPrefix(e, "."))] = true
		}
		rules.Extensions = exts
	}
	return rules
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

// envList splits a comma-separated variable, dropping empty entries.
func envList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// loadDotEnv loads key=value pairs from a local .env file into the environment
// without overwriting variables that are already set. Lines starting with # are ignored.
func loadDotEnv() {
	path := ".env"
	if _, err := os.Stat(path); err != nil {
		return // no .env file
	}
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		// split on first '='
		if eq := strings.IndexByte(line, '='); eq > 0 {
			key := strings.TrimSpace(line[:eq])
			val := strings.TrimSpace(line[eq+1:])
			if _, exists := os.LookupEnv(key); !exists {
				_ = os.Setenv(key, val)
			}
		}
	}
}
