package app

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Issuer string // Issuer claim for signed result tokens

	DatabaseFile  string // Path to SQLite database file (default: ./sca.db)
	RedisAddr     string // Optional: redis address; when set, one-time codes live in redis
	MasterKeyPath string // Optional: path to master encryption key file

	CredentialPolicyName string // Credential policy backing password steps (default: default)
	OtpPolicyName        string // OTP policy backing SMS steps (default: sms-digest)

	OperationTTL   time.Duration // Operation validity window (default: 5m)
	ResultTokenTTL time.Duration // Result token lifetime (default: 5m)

	Env                  string        // Environment (dev, staging, prod) (default: dev)
	LogLevel             string        // Log level (debug, info, warn, error) (default: info)
	LogFormat            string        // Log format (json, text) (default: json)
	Port                 int           // HTTP server port (default: 8080)
	ShutdownGracePeriod  time.Duration // Graceful shutdown timeout (default: 10s)
	HousekeepingInterval time.Duration // Housekeeping interval (default: 1h)
}

func LoadConfig() Config {
	cfg := Config{
		Issuer:               getEnvOrDefault("SCA_ISSUER", "scaflow"),
		DatabaseFile:         getEnvOrDefault("SCA_DATABASE_FILE", "sca.db"),
		RedisAddr:            os.Getenv("SCA_REDIS_ADDR"),
		MasterKeyPath:        os.Getenv("SCA_MASTER_KEY_PATH"),
		CredentialPolicyName: getEnvOrDefault("SCA_CREDENTIAL_POLICY", "default"),
		OtpPolicyName:        getEnvOrDefault("SCA_OTP_POLICY", "sms-digest"),
		OperationTTL:         getEnvDurationOrDefault("SCA_OPERATION_TTL", 5*time.Minute),
		ResultTokenTTL:       getEnvDurationOrDefault("SCA_RESULT_TOKEN_TTL", 5*time.Minute),
		Env:                  getEnvOrDefault("ENV", "dev"),
		LogLevel:             getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:            getEnvOrDefault("LOG_FORMAT", "json"),
		Port:                 getEnvIntOrDefault("PORT", 8080),
		ShutdownGracePeriod:  getEnvDurationOrDefault("SHUTDOWN_GRACE_PERIOD", 10*time.Second),
		HousekeepingInterval: getEnvDurationOrDefault("HOUSEKEEPING_INTERVAL", 1*time.Hour),
	}
	return cfg
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	if intValue, err := strconv.Atoi(value); err == nil {
		return intValue
	}

	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	if duration, err := time.ParseDuration(value); err == nil {
		return duration
	}

	// Bare integers are read as minutes
	if minutes, err := strconv.Atoi(value); err == nil {
		return time.Duration(minutes) * time.Minute
	}

	return defaultValue
}
