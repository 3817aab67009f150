package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Addr       string
	APIKey     string
	DataDir    string
	CORSOrigin string

	JournalCap     int
	TrimInterval   time.Duration
	FlushInterval  time.Duration
	BackupInterval time.Duration
	BackupKeep     int

	// Encryption key handling. When KeyPassphrase is set the key is derived
	// from it instead of being stored raw in the key file.
	KeyPassphrase string

	// Optional durability sinks — each enabled only when its endpoint is set.
	RedisURL    string
	DatabaseURL string
	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
	S3Bucket    string
	S3UseSSL    bool
}

func Load() Config {
	return Config{
		Addr:           getenv("CCSYNC_ADDR", ":3737"),
		APIKey:         getenv("SYNC_API_KEY", "CHANGE_ME"),
		DataDir:        getenv("CCSYNC_DATA_DIR", "./data"),
		CORSOrigin:     getenv("CCSYNC_CORS_ORIGIN", "*"),
		JournalCap:     getenvInt("CCSYNC_JOURNAL_CAP", 2000),
		TrimInterval:   time.Duration(getenvInt("CCSYNC_TRIM_SECONDS", 60)) * time.Second,
		FlushInterval:  time.Duration(getenvInt("CCSYNC_FLUSH_SECONDS", 300)) * time.Second,
		BackupInterval: time.Duration(getenvInt("CCSYNC_BACKUP_SECONDS", 6*3600)) * time.Second,
		BackupKeep:     getenvInt("CCSYNC_BACKUP_KEEP", 20),
		KeyPassphrase:  getenv("CCSYNC_KEY_PASSPHRASE", ""),
		RedisURL:       getenv("REDIS_URL", ""),
		DatabaseURL:    getenv("DATABASE_URL", ""),
		S3Endpoint:     getenv("S3_ENDPOINT", ""),
		S3AccessKey:    getenv("S3_ACCESS_KEY", ""),
		S3SecretKey:    getenv("S3_SECRET_KEY", ""),
		S3Bucket:       getenv("S3_BUCKET", "ccsync-backups"),
		S3UseSSL:       getenvBool("S3_USE_SSL", false),
	}
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}
