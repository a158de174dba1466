package logger

import (
	"os"
	"strconv"
)

// OptionsFromEnv reads LOG_LEVEL, LOG_FORMAT and the file rotation settings.
// Outside APP_ENV=local, logs also go to LOG_FILE (default
// /var/log/imagenary/<service>.log).
func OptionsFromEnv(service string) Options {
	opts := Options{
		Level:   envString("LOG_LEVEL", "info"),
		Format:  envString("LOG_FORMAT", "json"),
		Service: envString("SERVICE_NAME", service),
	}

	if envString("APP_ENV", "local") == "local" {
		return opts
	}
	path := envString("LOG_FILE", "/var/log/imagenary/"+opts.Service+".log")
	if path == "" {
		return opts
	}
	opts.Rotate = &RotateOptions{
		Path:       path,
		MaxSizeMB:  envInt("LOG_MAX_SIZE", 100),
		MaxBackups: envInt("LOG_MAX_BACKUPS", 7),
		MaxAgeDays: envInt("LOG_MAX_AGE", 30),
		Compress:   envBool("LOG_COMPRESS", true),
	}
	opts.FileOnly = envBool("LOG_FILE_ONLY", false)
	return opts
}

func envString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	if v, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return v
	}
	return def
}
