package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// ConfigError reports a problem with a configuration file or value.
type ConfigError struct {
	FilePath string
	Message  string
	Err      error
}

func (e *ConfigError) Error() string {
	var sb strings.Builder
	if e.FilePath != "" {
		sb.WriteString(e.FilePath)
		sb.WriteString(": ")
	}
	sb.WriteString(e.Message)
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

type fileFormat int

const (
	formatUnknown fileFormat = iota
	formatJSON
	formatTOML
)

// LoadConfig reads, parses, defaults and validates the configuration file at
// path. The format is chosen by extension (.json, .toml); other extensions are
// tried as JSON first and then as TOML. Relative paths inside the file are
// resolved against the file's directory.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return nil, &ConfigError{Message: "configuration file path cannot be empty"}
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, &ConfigError{FilePath: path, Message: "failed to resolve configuration file path", Err: err}
	}
	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, &ConfigError{FilePath: absPath, Message: "failed to read configuration file", Err: err}
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, &ConfigError{FilePath: absPath, Message: "configuration file is empty"}
	}

	cfg, err := parse(data, detectFormat(absPath))
	if err != nil {
		return nil, &ConfigError{FilePath: absPath, Message: "failed to parse configuration file", Err: err}
	}
	cfg.filePath = absPath

	ApplyDefaults(cfg)
	cfg.resolveRelativePaths(filepath.Dir(absPath))
	if err := Validate(cfg); err != nil {
		return nil, &ConfigError{FilePath: absPath, Message: "invalid configuration", Err: err}
	}
	return cfg, nil
}

func detectFormat(path string) fileFormat {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return formatJSON
	case ".toml":
		return formatTOML
	default:
		return formatUnknown
	}
}

func parse(data []byte, format fileFormat) (*Config, error) {
	switch format {
	case formatJSON:
		return parseJSON(data)
	case formatTOML:
		return parseTOML(data)
	}
	if cfg, jsonErr := parseJSON(data); jsonErr == nil {
		return cfg, nil
	} else if cfg, tomlErr := parseTOML(data); tomlErr == nil {
		return cfg, nil
	} else {
		return nil, fmt.Errorf("could not detect format (json: %v; toml: %v)", jsonErr, tomlErr)
	}
}

func parseJSON(data []byte) (*Config, error) {
	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("json: %w", err)
	}
	return &cfg, nil
}

func parseTOML(data []byte) (*Config, error) {
	var cfg Config
	md, err := toml.Decode(string(data), &cfg)
	if err != nil {
		return nil, fmt.Errorf("toml: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("toml: unknown keys %v", undecoded)
	}
	return &cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills every unset field of cfg with its default value.
func ApplyDefaults(cfg *Config) {
	if cfg.Server == nil {
		cfg.Server = &ServerConfig{}
	}
	s := cfg.Server
	if s.Address == nil {
		s.Address = strPtr(DefaultAddress)
	}
	if s.Port == nil {
		s.Port = intPtr(DefaultPort)
	}
	if s.DocumentRoot == nil {
		s.DocumentRoot = strPtr(DefaultDocumentRoot)
	}
	if s.ServerName == nil {
		s.ServerName = strPtr(DefaultServerName)
	}
	if s.ReadMode == "" {
		s.ReadMode = DefaultReadMode
	}
	if s.ReadBufferSize == nil {
		s.ReadBufferSize = intPtr(DefaultReadBufferSize)
	}
	if s.MaxHeaderBytes == nil {
		s.MaxHeaderBytes = intPtr(DefaultMaxHeaderBytes)
	}
	if s.MaxConnections == nil {
		s.MaxConnections = intPtr(0)
	}
	if s.StrictMethods == nil {
		s.StrictMethods = boolPtr(false)
	}

	if cfg.Auth == nil {
		cfg.Auth = &AuthConfig{}
	}
	if cfg.Auth.UsersFile == nil {
		cfg.Auth.UsersFile = strPtr(DefaultUsersFile)
	}

	if cfg.Logging == nil {
		cfg.Logging = &LoggingConfig{}
	}
	l := cfg.Logging
	if l.LogLevel == "" {
		l.LogLevel = LogLevelInfo
	}
	if l.AccessLog == nil {
		l.AccessLog = &AccessLogConfig{}
	}
	if l.AccessLog.Enabled == nil {
		l.AccessLog.Enabled = boolPtr(true)
	}
	if l.AccessLog.Target == nil {
		l.AccessLog.Target = strPtr("stdout")
	}
	if l.AccessLog.Format == "" {
		l.AccessLog.Format = "json"
	}
	if l.ErrorLog == nil {
		l.ErrorLog = &ErrorLogConfig{}
	}
	if l.ErrorLog.Target == nil {
		l.ErrorLog.Target = strPtr("stderr")
	}

	if cfg.Metrics == nil {
		cfg.Metrics = &MetricsConfig{}
	}
	if cfg.Metrics.Address == nil {
		cfg.Metrics.Address = strPtr("")
	}
}

func (c *Config) resolveRelativePaths(baseDir string) {
	resolve := func(p *string) {
		if p != nil && *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(baseDir, *p)
		}
	}
	if c.Server != nil {
		resolve(c.Server.DocumentRoot)
		resolve(c.Server.MimeTypesPath)
	}
	if c.Auth != nil {
		resolve(c.Auth.UsersFile)
	}
}

// Validate checks a defaulted configuration for inconsistent values.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("configuration cannot be nil")
	}
	s := cfg.Server
	if s == nil {
		return fmt.Errorf("server section is missing")
	}
	if s.Address == nil || *s.Address == "" {
		return fmt.Errorf("server.address cannot be an empty string")
	}
	if s.Port == nil || *s.Port < 0 || *s.Port > 65535 {
		return fmt.Errorf("server.port must be between 0 and 65535, got %v", derefInt(s.Port))
	}
	if s.DocumentRoot == nil || *s.DocumentRoot == "" {
		return fmt.Errorf("server.document_root cannot be an empty string")
	}
	if s.ServerName == nil || *s.ServerName == "" {
		return fmt.Errorf("server.server_name cannot be an empty string")
	}
	switch s.ReadMode {
	case ReadModeSingle, ReadModeFramed:
	default:
		return fmt.Errorf("server.read_mode must be %q or %q, got %q", ReadModeSingle, ReadModeFramed, s.ReadMode)
	}
	if s.ReadBufferSize == nil || *s.ReadBufferSize <= 0 {
		return fmt.Errorf("server.read_buffer_size must be positive, got %d", derefInt(s.ReadBufferSize))
	}
	if s.MaxHeaderBytes == nil || *s.MaxHeaderBytes <= 0 {
		return fmt.Errorf("server.max_header_bytes must be positive, got %d", derefInt(s.MaxHeaderBytes))
	}
	if s.MaxConnections != nil && *s.MaxConnections < 0 {
		return fmt.Errorf("server.max_connections cannot be negative, got %d", *s.MaxConnections)
	}
	for ext, mimeType := range s.MimeTypes {
		if !strings.HasPrefix(ext, ".") {
			return fmt.Errorf("server.mime_types key %q must start with a '.'", ext)
		}
		if mimeType == "" {
			return fmt.Errorf("server.mime_types value for %q cannot be empty", ext)
		}
	}

	if cfg.Auth == nil || cfg.Auth.UsersFile == nil || *cfg.Auth.UsersFile == "" {
		return fmt.Errorf("auth.users_file cannot be an empty string")
	}

	if l := cfg.Logging; l != nil {
		switch l.LogLevel {
		case LogLevelDebug, LogLevelInfo, LogLevelWarning, LogLevelError:
		default:
			return fmt.Errorf("logging.log_level %q is not one of DEBUG, INFO, WARNING, ERROR", l.LogLevel)
		}
		if l.AccessLog != nil {
			if l.AccessLog.Format != "json" && l.AccessLog.Format != "text" {
				return fmt.Errorf("logging.access_log.format must be \"json\" or \"text\", got %q", l.AccessLog.Format)
			}
			if err := validateTarget("logging.access_log.target", l.AccessLog.Target); err != nil {
				return err
			}
		}
		if l.ErrorLog != nil {
			if err := validateTarget("logging.error_log.target", l.ErrorLog.Target); err != nil {
				return err
			}
		}
	}
	return nil
}

func validateTarget(field string, target *string) error {
	if target == nil {
		return nil
	}
	if *target == "" {
		return fmt.Errorf("%s cannot be an empty string", field)
	}
	if IsFilePath(*target) && !filepath.IsAbs(*target) {
		return fmt.Errorf("%s must be 'stdout', 'stderr' or an absolute path, got %q", field, *target)
	}
	return nil
}

func joinHostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

func derefInt(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}

func strPtr(s string) *string { return &s }
func intPtr(i int) *int       { return &i }
func boolPtr(b bool) *bool    { return &b }
