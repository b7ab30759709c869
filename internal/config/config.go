package config

// LogLevel defines the minimum severity for error logs.
type LogLevel string

const (
	LogLevelDebug   LogLevel = "DEBUG"
	LogLevelInfo    LogLevel = "INFO"
	LogLevelWarning LogLevel = "WARNING"
	LogLevelError   LogLevel = "ERROR"
)

// ReadMode selects how a connection frames the bytes of one request.
type ReadMode string

const (
	// ReadModeSingle performs one fixed-size read per request. Headers beyond the
	// buffer are truncated.
	ReadModeSingle ReadMode = "single"
	// ReadModeFramed accumulates buffered reads until the blank line that ends
	// the header block.
	ReadModeFramed ReadMode = "framed"
)

// Default values applied by ApplyDefaults.
const (
	DefaultAddress        = "localhost"
	DefaultPort           = 8080
	DefaultDocumentRoot   = "data"
	DefaultUsersFile      = "users.txt"
	DefaultServerName     = "SimpleHTTPServer"
	DefaultReadBufferSize = 1024
	DefaultMaxHeaderBytes = 64 * 1024
	DefaultReadMode       = ReadModeFramed
)

// Config is the top-level configuration structure for the server.
type Config struct {
	Server  *ServerConfig  `json:"server,omitempty" toml:"server,omitempty"`
	Auth    *AuthConfig    `json:"auth,omitempty" toml:"auth,omitempty"`
	Logging *LoggingConfig `json:"logging,omitempty" toml:"logging,omitempty"`
	Metrics *MetricsConfig `json:"metrics,omitempty" toml:"metrics,omitempty"`

	// filePath is the absolute path the configuration was loaded from, if any.
	filePath string
}

// ServerConfig holds listener, connection and resource settings.
type ServerConfig struct {
	Address          *string           `json:"address,omitempty" toml:"address,omitempty"`
	Port             *int              `json:"port,omitempty" toml:"port,omitempty"`
	DocumentRoot     *string           `json:"document_root,omitempty" toml:"document_root,omitempty"`
	ServerName       *string           `json:"server_name,omitempty" toml:"server_name,omitempty"`
	ReadMode         ReadMode          `json:"read_mode,omitempty" toml:"read_mode,omitempty"`
	ReadBufferSize   *int              `json:"read_buffer_size,omitempty" toml:"read_buffer_size,omitempty"`
	MaxHeaderBytes   *int              `json:"max_header_bytes,omitempty" toml:"max_header_bytes,omitempty"`
	MaxConnections   *int              `json:"max_connections,omitempty" toml:"max_connections,omitempty"` // 0 means unbounded
	StrictMethods    *bool             `json:"strict_methods,omitempty" toml:"strict_methods,omitempty"`
	KeepAliveTimeout *Duration         `json:"keep_alive_timeout,omitempty" toml:"keep_alive_timeout,omitempty"` // e.g., "30s"; unset disables
	MimeTypes        map[string]string `json:"mime_types,omitempty" toml:"mime_types,omitempty"`
	MimeTypesPath    *string           `json:"mime_types_path,omitempty" toml:"mime_types_path,omitempty"`
}

// AuthConfig locates the credential file.
type AuthConfig struct {
	UsersFile *string `json:"users_file,omitempty" toml:"users_file,omitempty"`
}

// LoggingConfig holds logging configurations.
type LoggingConfig struct {
	LogLevel  LogLevel         `json:"log_level,omitempty" toml:"log_level,omitempty"`
	AccessLog *AccessLogConfig `json:"access_log,omitempty" toml:"access_log,omitempty"`
	ErrorLog  *ErrorLogConfig  `json:"error_log,omitempty" toml:"error_log,omitempty"`
}

// AccessLogConfig configures access logging.
type AccessLogConfig struct {
	Enabled *bool   `json:"enabled,omitempty" toml:"enabled,omitempty"`
	Target  *string `json:"target,omitempty" toml:"target,omitempty"`
	Format  string  `json:"format,omitempty" toml:"format,omitempty"` // "json" or "text"
}

// ErrorLogConfig configures error logging.
type ErrorLogConfig struct {
	Target *string `json:"target,omitempty" toml:"target,omitempty"`
}

// MetricsConfig configures the Prometheus exposition endpoint.
type MetricsConfig struct {
	Address *string `json:"address,omitempty" toml:"address,omitempty"` // empty disables
}

// FilePath returns the path the configuration was loaded from, or "" for a
// programmatically built configuration.
func (c *Config) FilePath() string {
	return c.filePath
}

// ListenAddress joins the configured address and port.
func (s *ServerConfig) ListenAddress() string {
	return joinHostPort(*s.Address, *s.Port)
}

// IsFilePath reports whether a log target names a file rather than a standard stream.
func IsFilePath(target string) bool {
	return target != "stdout" && target != "stderr"
}
