package core

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config contains all of the configuration options available to the server
// host and the command line tools.
type Config struct {
	// Hostname or IP address on which the server will listen for connections.
	Hostname string `mapstructure:"hostname"`

	Logging struct {
		// Minimum level of a log required to be written. Options: debug, info, warn, error
		LogLevel string `mapstructure:"log_level" validate:"oneof=trace debug info warn warning error fatal panic"`
		// Full path to file to which logs will be written. Blank will write to stdout.
		LogFilePath string `mapstructure:"log_file_path"`
		// Include the calling function in every log line.
		IncludeCaller bool `mapstructure:"include_caller"`
	} `mapstructure:"logging"`

	Database struct {
		// Either sqlite or postgres.
		Engine string `mapstructure:"engine" validate:"omitempty,oneof=sqlite postgres"`
		// Database file used by the sqlite engine, relative to the config directory.
		Filename string `mapstructure:"filename"`
		// Hostname of the Postgres database instance.
		Host string `mapstructure:"host"`
		// Port on host on which the Postgres instance is accepting connections.
		Port int `mapstructure:"port" validate:"omitempty,min=1,max=65535"`
		// Name of the database in Postgres.
		Name string `mapstructure:"name"`
		// Username and password of a user with full RW privileges to the database.
		Username string `mapstructure:"username"`
		Password string `mapstructure:"password"`
		// Set to verify-full if the Postgres instance supports SSL.
		SSLMode string `mapstructure:"sslmode"`
	} `mapstructure:"database"`

	Transport struct {
		// Certificate and key presented by the QUIC listener. A self-signed
		// certificate is generated when both are blank.
		CertificateFile string `mapstructure:"certificate_file"`
		KeyFile         string `mapstructure:"key_file"`
		// Payloads larger than this many bytes are compressed.
		CompressionThreshold int `mapstructure:"compression_threshold" validate:"min=0"`
		// Reliable messages larger than this are split into fragments.
		MaxFragmentSize int `mapstructure:"max_fragment_size" validate:"omitempty,min=64"`
	} `mapstructure:"transport"`

	Session struct {
		PendingTimeout       time.Duration `mapstructure:"pending_timeout" validate:"min=0"`
		StepResendInterval   time.Duration `mapstructure:"step_resend_interval" validate:"min=0"`
		ReconnectGracePeriod time.Duration `mapstructure:"reconnect_grace_period" validate:"min=0"`
		// Length of the endpoint ban issued for malformed handshake data. 0 is permanent.
		MalformedBanDuration time.Duration `mapstructure:"malformed_ban_duration" validate:"min=0"`
		ConnectRatePerSecond float64       `mapstructure:"connect_rate_per_second" validate:"min=0"`
		ConnectBurst         int           `mapstructure:"connect_burst" validate:"min=0"`
		// How long a ticket verification may take before it fails.
		AuthTimeout time.Duration `mapstructure:"auth_timeout" validate:"min=0"`
	} `mapstructure:"session"`

	Status struct {
		Enabled bool `mapstructure:"enabled"`
		// HTTP port for the status and metrics endpoints.
		HTTPPort int `mapstructure:"http_port" validate:"omitempty,min=1,max=65535"`
	} `mapstructure:"status"`

	Auth struct {
		// Shared secret for JWT tickets. JWT authentication is disabled when blank.
		JWTSecret string `mapstructure:"jwt_secret"`
		JWTIssuer string `mapstructure:"jwt_issuer"`
	} `mapstructure:"auth"`

	Files struct {
		SettingsFile    string `mapstructure:"settings_file" validate:"required"`
		PermissionsFile string `mapstructure:"permissions_file" validate:"required"`
	} `mapstructure:"files"`

	ContentPackages []ContentPackageConfig `mapstructure:"content_packages" validate:"dive"`

	Debugging struct {
		// Admit clients connecting from this machine without a ticket.
		TrustLocalClients bool `mapstructure:"trust_local_clients"`
		// Log packets to stdout.
		PacketLoggingEnabled bool `mapstructure:"packet_logging_enabled"`
		// Enable database-level query logging.
		DatabaseLoggingEnabled bool `mapstructure:"database_logging_enabled"`
	} `mapstructure:"debugging"`

	configDir string
}

type ContentPackageConfig struct {
	Name    string `mapstructure:"name" validate:"required"`
	Version string `mapstructure:"version"`
	Path    string `mapstructure:"path" validate:"required"`
}

const envVarPrefix = "BALLAST"

var ErrInvalidConfig = errors.New("invalid configuration")

func setDefaults(v *viper.Viper) {
	v.SetDefault("hostname", "0.0.0.0")
	v.SetDefault("logging.log_level", "info")
	v.SetDefault("database.engine", "sqlite")
	v.SetDefault("database.filename", "ballast.db")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("transport.compression_threshold", 1024)
	v.SetDefault("transport.max_fragment_size", 1200)
	v.SetDefault("session.pending_timeout", 20*time.Second)
	v.SetDefault("session.step_resend_interval", time.Second)
	v.SetDefault("session.reconnect_grace_period", 5*time.Minute)
	v.SetDefault("session.malformed_ban_duration", time.Hour)
	v.SetDefault("session.connect_rate_per_second", 1.0)
	v.SetDefault("session.connect_burst", 3)
	v.SetDefault("session.auth_timeout", 10*time.Second)
	v.SetDefault("status.http_port", 27080)
	v.SetDefault("auth.jwt_issuer", "ballast")
	v.SetDefault("files.settings_file", "serversettings.xml")
	v.SetDefault("files.permissions_file", "clientpermissions.xml")
}

// LoadConfig reads config.yaml from configPath. A missing file is not an
// error; defaults and environment variables are used instead.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	v.AddConfigPath(configPath)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	setDefaults(v)

	v.SetEnvPrefix(envVarPrefix)
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	// This allows us to set nested yaml config options through environment
	// variables. For example, database.host can be set using: BALLAST_DATABASE_HOST
	for _, k := range v.AllKeys() {
		envVar := strings.ReplaceAll(strings.ToUpper(k), ".", "_")
		if err := v.BindEnv(k, envVarPrefix+"_"+envVar); err != nil {
			return nil, fmt.Errorf("error binding %s to %s: %w", k, envVarPrefix+"_"+envVar, err)
		}
	}

	config := &Config{configDir: configPath}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config object: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks the values that can't be corrected with a default.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(fields, ", "))
		}
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// ConfigDir is the directory the configuration was loaded from.
func (c *Config) ConfigDir() string { return c.configDir }

// QualifiedPath returns name as is when absolute and otherwise relative to the
// config directory.
func (c *Config) QualifiedPath(name string) string {
	if name == "" || filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(c.configDir, name)
}

const databaseURITemplate = "host=%s port=%d dbname=%s user=%s password=%s sslmode=%s"

// DatabaseURL returns a Postgres connection string generated from the provided config values.
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		databaseURITemplate,
		c.Database.Host,
		c.Database.Port,
		c.Database.Name,
		c.Database.Username,
		c.Database.Password,
		c.Database.SSLMode,
	)
}
