package app

import "time"

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogPretty bool

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	// CORS policy for the read-only query endpoints. The websocket
	// gateway enforces its own origin policy separately.
	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("RTCHAT_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("RTCHAT_LOG_LEVEL", "info"),
		LogPretty: EnvBool("RTCHAT_LOG_PRETTY", false),

		ReadHeaderTimeout: EnvDuration("RTCHAT_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("RTCHAT_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("RTCHAT_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("RTCHAT_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("RTCHAT_HTTP_MAX_HEADER_BYTES", 1<<20),

		CORSAllowedOrigins:   EnvCSV("RTCHAT_CORS_ALLOWED_ORIGINS", "http://localhost:5173"),
		CORSAllowCredentials: EnvBool("RTCHAT_CORS_ALLOW_CREDENTIALS", true),
		CORSMaxAgeSeconds:    EnvInt("RTCHAT_CORS_MAX_AGE_SECONDS", 600),
	}
}
