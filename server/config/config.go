package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cast"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	envPrefix = "DEVICEFARM"
)

// MysqlConfig defines configs related to MySQL. An empty address selects
// the in-memory record store.
type MysqlConfig struct {
	Protocol        string
	Address         string
	Username        string
	Password        string
	PasswordPath    string `yaml:"password_path"`
	Database        string
	TLSCert         string `yaml:"tls_cert"`
	TLSKey          string `yaml:"tls_key"`
	TLSCA           string `yaml:"tls_ca"`
	TLSServerName   string `yaml:"tls_server_name"`
	TLSConfig       string `yaml:"tls_config"` // tls=customValue in DSN
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime"`
}

// RedisConfig defines configs related to Redis. An empty address disables
// the status feed.
type RedisConfig struct {
	Address        string
	Password       string
	Database       int
	UseTLS         bool          `yaml:"use_tls"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	KeepAlive      time.Duration `yaml:"keep_alive"`
	MaxIdleConns   int           `yaml:"max_idle_conns"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
}

const (
	TLSProfileKey          = "server.tls_compatibility"
	TLSProfileModern       = "modern"
	TLSProfileIntermediate = "intermediate"
)

// ServerConfig defines configs related to the management API server
type ServerConfig struct {
	Address    string
	Cert       string
	Key        string
	TLS        bool
	TLSProfile string `yaml:"tls_compatibility"`
	Keepalive  bool   `yaml:"keepalive"`
}

// LoggingConfig defines configs related to logging. When File is set, logs
// are written to that file and rotated.
type LoggingConfig struct {
	Debug      bool
	JSON       bool
	File       string
	MaxSize    int `yaml:"max_size"`
	MaxBackups int `yaml:"max_backups"`
	MaxAge     int `yaml:"max_age"`
}

// SentryConfig defines configs related to error reporting.
type SentryConfig struct {
	Dsn string
}

// FleetConfig defines configs related to the device fleet: discovery, agent
// lifecycle and port forwarding.
type FleetConfig struct {
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
	WatchInterval     time.Duration `yaml:"watch_interval"`
	StartupTimeout    time.Duration `yaml:"startup_timeout"`
	StopGrace         time.Duration `yaml:"stop_grace"`
	HealthTimeout     time.Duration `yaml:"health_timeout"`
	PortBase          int           `yaml:"port_base"`
	PortWindow        int           `yaml:"port_window"`
	AgentPort         int           `yaml:"agent_port"`
	ListCommand       string        `yaml:"list_command"`
	NameCommand       string        `yaml:"name_command"`
	ProxyCommand      string        `yaml:"proxy_command"`
	AgentCommand      string        `yaml:"agent_command"`
	AgentLogDir       string        `yaml:"agent_log_dir"`
}

// SchedulerConfig defines configs related to task scheduling and execution.
type SchedulerConfig struct {
	MaxRetries     int           `yaml:"max_retries"`
	DequeueTimeout time.Duration `yaml:"dequeue_timeout"`
	RescanInterval time.Duration `yaml:"rescan_interval"`
	LogsDir        string        `yaml:"logs_dir"`
	TestsDir       string        `yaml:"tests_dir"`
	RunnerCommand  string        `yaml:"runner_command"`
}

// DeviceFarmConfig stores the application configuration. Each subcategory is
// broken up into it's own struct, defined above. When editing any of these
// structs, Manager.addConfigs and Manager.LoadConfig should be
// updated to set and retrieve the configurations as appropriate.
type DeviceFarmConfig struct {
	Mysql     MysqlConfig
	Redis     RedisConfig
	Server    ServerConfig
	Logging   LoggingConfig
	Sentry    SentryConfig
	Fleet     FleetConfig
	Scheduler SchedulerConfig
}

type TLS struct {
	TLSCert       string
	TLSKey        string
	TLSCA         string
	TLSServerName string
}

func (t *TLS) ToTLSConfig() (*tls.Config, error) {
	var rootCertPool *x509.CertPool
	if t.TLSCA != "" {
		rootCertPool = x509.NewCertPool()
		pem, err := os.ReadFile(t.TLSCA)
		if err != nil {
			return nil, fmt.Errorf("read server-ca pem: %w", err)
		}
		if ok := rootCertPool.AppendCertsFromPEM(pem); !ok {
			return nil, errors.New("failed to append PEM.")
		}
	}

	cfg := &tls.Config{
		RootCAs: rootCertPool,
	}
	if t.TLSCert != "" {
		certs, err := tls.LoadX509KeyPair(t.TLSCert, t.TLSKey)
		if err != nil {
			return nil, fmt.Errorf("load client cert and key: %w", err)
		}
		cfg.Certificates = []tls.Certificate{certs}
	}

	if t.TLSServerName != "" {
		cfg.ServerName = t.TLSServerName
	}
	return cfg, nil
}

// addConfigs adds the configuration keys and default values that will be
// filled into the DeviceFarmConfig struct
func (man Manager) addConfigs() {
	// MySQL
	man.addConfigString("mysql.protocol", "tcp",
		"MySQL server communication protocol (tcp,unix,...)")
	man.addConfigString("mysql.address", "",
		"MySQL server address (host:port), empty to keep records in memory")
	man.addConfigString("mysql.username", "devicefarm",
		"MySQL server username")
	man.addConfigString("mysql.password", "",
		"MySQL server password (prefer env variable for security)")
	man.addConfigString("mysql.password_path", "",
		"Path to file containg MySQL server password")
	man.addConfigString("mysql.database", "devicefarm",
		"MySQL database name")
	man.addConfigString("mysql.tls_cert", "",
		"MySQL TLS client certificate path")
	man.addConfigString("mysql.tls_key", "",
		"MySQL TLS client key path")
	man.addConfigString("mysql.tls_ca", "",
		"MySQL TLS server CA")
	man.addConfigString("mysql.tls_server_name", "",
		"MySQL TLS server name")
	man.addConfigString("mysql.tls_config", "",
		"MySQL TLS config value. Use skip-verify, true, false or custom key.")
	man.addConfigInt("mysql.max_open_conns", 10, "MySQL maximum open connection handles")
	man.addConfigInt("mysql.max_idle_conns", 10, "MySQL maximum idle connection handles")
	man.addConfigInt("mysql.conn_max_lifetime", 0, "MySQL maximum amount of time a connection may be reused")

	// Redis
	man.addConfigString("redis.address", "",
		"Redis server address (host:port), empty to disable the status feed")
	man.addConfigString("redis.password", "",
		"Redis server password (prefer env variable for security)")
	man.addConfigInt("redis.database", 0,
		"Redis server database number")
	man.addConfigBool("redis.use_tls", false, "Redis server enable TLS")
	man.addConfigDuration("redis.connect_timeout", 5*time.Second, "Timeout at connection time")
	man.addConfigDuration("redis.keep_alive", 10*time.Second, "Interval between keep alive probes")
	man.addConfigInt("redis.max_idle_conns", 3, "Redis maximum idle connections")
	man.addConfigDuration("redis.idle_timeout", 240*time.Second, "Redis maximum amount of time a connection may stay idle, 0 means no limit")

	// Server
	man.addConfigString("server.address", "0.0.0.0:8080",
		"Management API address (host:port)")
	man.addConfigString("server.cert", "",
		"Management API TLS certificate path")
	man.addConfigString("server.key", "",
		"Management API TLS key path")
	man.addConfigBool("server.tls", false,
		"Enable TLS (required for HTTP/2)")
	man.addConfigString(TLSProfileKey, TLSProfileIntermediate,
		fmt.Sprintf("TLS security profile choose one of %s or %s",
			TLSProfileModern, TLSProfileIntermediate))
	man.addConfigBool("server.keepalive", true,
		"Controls wether HTTP keep-alives are enabled.")

	// Logging
	man.addConfigBool("logging.debug", false,
		"Enable debug logging")
	man.addConfigBool("logging.json", false,
		"Log in JSON format")
	man.addConfigString("logging.file", "",
		"Write logs to this file instead of stderr, rotating it by size")
	man.addConfigInt("logging.max_size", 500,
		"Maximum size in megabytes of the log file before it is rotated")
	man.addConfigInt("logging.max_backups", 3,
		"Maximum number of rotated log files to keep")
	man.addConfigInt("logging.max_age", 28,
		"Maximum number of days to keep rotated log files")

	// Sentry
	man.addConfigString("sentry.dsn", "", "DSN for Sentry")

	// Fleet
	man.addConfigDuration("fleet.reconcile_interval", 500*time.Millisecond,
		"Interval at which connected devices are listed and reconciled")
	man.addConfigDuration("fleet.watch_interval", 3*time.Second,
		"Interval at which each device's agent health is checked")
	man.addConfigDuration("fleet.startup_timeout", 30*time.Second,
		"Time an agent may stay unhealthy before it is restarted")
	man.addConfigDuration("fleet.stop_grace", 5*time.Second,
		"Time a stopped agent or proxy has to exit before it is killed")
	man.addConfigDuration("fleet.health_timeout", 3*time.Second,
		"Timeout of a single agent health check")
	man.addConfigInt("fleet.port_base", 8100,
		"First local port tried when forwarding a device's agent port")
	man.addConfigInt("fleet.port_window", 20,
		"Number of local ports tried, starting at fleet.port_base")
	man.addConfigInt("fleet.agent_port", 8100,
		"Port of the automation agent on the device")
	man.addConfigString("fleet.list_command", "idevice_id -l",
		"Command listing the identifiers of the connected devices")
	man.addConfigString("fleet.name_command", "idevicename -u",
		"Command printing a device's name, the identifier is appended")
	man.addConfigString("fleet.proxy_command", "iproxy",
		"Command forwarding a local port to the device's agent port")
	man.addConfigString("fleet.agent_command", "sh runwda.sh",
		"Command starting a device's automation agent, the identifier is appended")
	man.addConfigString("fleet.agent_log_dir", "logs",
		"Directory receiving the agents' error output")

	// Scheduler
	man.addConfigInt("scheduler.max_retries", 3,
		"Number of times a task is retried when its device became unreachable")
	man.addConfigDuration("scheduler.dequeue_timeout", 5*time.Second,
		"Time the scheduler waits for a pending task before logging and looping")
	man.addConfigDuration("scheduler.rescan_interval", time.Second,
		"Interval at which devices are rescanned while a task waits for an idle one")
	man.addConfigString("scheduler.logs_dir", "logs",
		"Directory receiving one sub-directory of logs per task")
	man.addConfigString("scheduler.tests_dir", "tests",
		"Directory containing the test scripts that can be run")
	man.addConfigString("scheduler.runner_command", "farmrunner run",
		"Command running a test, the test name and device port are appended")
}

// LoadConfig will load the config variables into a fully initialized
// DeviceFarmConfig struct
func (man Manager) LoadConfig() DeviceFarmConfig {
	man.loadConfigFile()

	return DeviceFarmConfig{
		Mysql: MysqlConfig{
			Protocol:        man.getConfigString("mysql.protocol"),
			Address:         man.getConfigString("mysql.address"),
			Username:        man.getConfigString("mysql.username"),
			Password:        man.getConfigString("mysql.password"),
			PasswordPath:    man.getConfigString("mysql.password_path"),
			Database:        man.getConfigString("mysql.database"),
			TLSCert:         man.getConfigString("mysql.tls_cert"),
			TLSKey:          man.getConfigString("mysql.tls_key"),
			TLSCA:           man.getConfigString("mysql.tls_ca"),
			TLSServerName:   man.getConfigString("mysql.tls_server_name"),
			TLSConfig:       man.getConfigString("mysql.tls_config"),
			MaxOpenConns:    man.getConfigInt("mysql.max_open_conns"),
			MaxIdleConns:    man.getConfigInt("mysql.max_idle_conns"),
			ConnMaxLifetime: man.getConfigInt("mysql.conn_max_lifetime"),
		},
		Redis: RedisConfig{
			Address:        man.getConfigString("redis.address"),
			Password:       man.getConfigString("redis.password"),
			Database:       man.getConfigInt("redis.database"),
			UseTLS:         man.getConfigBool("redis.use_tls"),
			ConnectTimeout: man.getConfigDuration("redis.connect_timeout"),
			KeepAlive:      man.getConfigDuration("redis.keep_alive"),
			MaxIdleConns:   man.getConfigInt("redis.max_idle_conns"),
			IdleTimeout:    man.getConfigDuration("redis.idle_timeout"),
		},
		Server: ServerConfig{
			Address:    man.getConfigString("server.address"),
			Cert:       man.getConfigString("server.cert"),
			Key:        man.getConfigString("server.key"),
			TLS:        man.getConfigBool("server.tls"),
			TLSProfile: man.getConfigTLSProfile(),
			Keepalive:  man.getConfigBool("server.keepalive"),
		},
		Logging: LoggingConfig{
			Debug:      man.getConfigBool("logging.debug"),
			JSON:       man.getConfigBool("logging.json"),
			File:       man.getConfigString("logging.file"),
			MaxSize:    man.getConfigInt("logging.max_size"),
			MaxBackups: man.getConfigInt("logging.max_backups"),
			MaxAge:     man.getConfigInt("logging.max_age"),
		},
		Sentry: SentryConfig{
			Dsn: man.getConfigString("sentry.dsn"),
		},
		Fleet: FleetConfig{
			ReconcileInterval: man.getConfigDuration("fleet.reconcile_interval"),
			WatchInterval:     man.getConfigDuration("fleet.watch_interval"),
			StartupTimeout:    man.getConfigDuration("fleet.startup_timeout"),
			StopGrace:         man.getConfigDuration("fleet.stop_grace"),
			HealthTimeout:     man.getConfigDuration("fleet.health_timeout"),
			PortBase:          man.getConfigInt("fleet.port_base"),
			PortWindow:        man.getConfigInt("fleet.port_window"),
			AgentPort:         man.getConfigInt("fleet.agent_port"),
			ListCommand:       man.getConfigString("fleet.list_command"),
			NameCommand:       man.getConfigString("fleet.name_command"),
			ProxyCommand:      man.getConfigString("fleet.proxy_command"),
			AgentCommand:      man.getConfigString("fleet.agent_command"),
			AgentLogDir:       man.getConfigString("fleet.agent_log_dir"),
		},
		Scheduler: SchedulerConfig{
			MaxRetries:     man.getConfigInt("scheduler.max_retries"),
			DequeueTimeout: man.getConfigDuration("scheduler.dequeue_timeout"),
			RescanInterval: man.getConfigDuration("scheduler.rescan_interval"),
			LogsDir:        man.getConfigString("scheduler.logs_dir"),
			TestsDir:       man.getConfigString("scheduler.tests_dir"),
			RunnerCommand:  man.getConfigString("scheduler.runner_command"),
		},
	}
}

// IsSet determines whether a given config key has been explicitly set by any
// of the configuration sources. If false, the default value is being used.
func (man Manager) IsSet(key string) bool {
	return man.viper.IsSet(key)
}

// envNameFromConfigKey converts a config key into the corresponding
// environment variable name
func envNameFromConfigKey(key string) string {
	return envPrefix + "_" + strings.ToUpper(strings.Replace(key, ".", "_", -1))
}

// flagNameFromConfigKey converts a config key into the corresponding flag name
func flagNameFromConfigKey(key string) string {
	return strings.Replace(key, ".", "_", -1)
}

// Manager manages the addition and retrieval of config values for the device
// farm. It's only public API method is LoadConfig, which will return the
// populated DeviceFarmConfig struct.
type Manager struct {
	viper    *viper.Viper
	command  *cobra.Command
	defaults map[string]interface{}
}

// NewManager initializes a Manager wrapping the provided cobra
// command. All config flags will be attached to that command (and inherited by
// the subcommands). Typically this should be called just once, with the root
// command.
func NewManager(command *cobra.Command) Manager {
	man := Manager{
		viper:    viper.New(),
		command:  command,
		defaults: map[string]interface{}{},
	}
	man.addConfigs()
	return man
}

// addDefault will check for duplication, then add a default value to the
// defaults map
func (man Manager) addDefault(key string, defVal interface{}) {
	if _, exists := man.defaults[key]; exists {
		panic("Trying to add duplicate config for key " + key)
	}

	man.defaults[key] = defVal
}

func getFlagUsage(key string, usage string) string {
	return fmt.Sprintf("Env: %s\n\t\t%s", envNameFromConfigKey(key), usage)
}

// getInterfaceVal is a helper function used by the getConfig* functions to
// retrieve the config value as interface{}, which will then be cast to the
// appropriate type by the getConfig* function.
func (man Manager) getInterfaceVal(key string) interface{} {
	interfaceVal := man.viper.Get(key)
	if interfaceVal == nil {
		var ok bool
		interfaceVal, ok = man.defaults[key]
		if !ok {
			panic("Tried to look up default value for nonexistent config option: " + key)
		}
	}
	return interfaceVal
}

// bindKey registers the flag and environment variable of a config key.
func (man Manager) bindKey(key string, defVal interface{}) {
	man.viper.BindPFlag(key, man.command.PersistentFlags().Lookup(flagNameFromConfigKey(key)))
	man.viper.BindEnv(key, envNameFromConfigKey(key))
	man.addDefault(key, defVal)
}

// addConfigString adds a string config to the config options
func (man Manager) addConfigString(key, defVal, usage string) {
	man.command.PersistentFlags().String(flagNameFromConfigKey(key), defVal, getFlagUsage(key, usage))
	man.bindKey(key, defVal)
}

// getConfigString retrieves a string from the loaded config
func (man Manager) getConfigString(key string) string {
	interfaceVal := man.getInterfaceVal(key)
	stringVal, err := cast.ToStringE(interfaceVal)
	if err != nil {
		panic("Unable to cast to string for key " + key + ": " + err.Error())
	}

	return stringVal
}

// Custom handling for TLSProfile which can only accept specific values
// for the argument
func (man Manager) getConfigTLSProfile() string {
	ival := man.getInterfaceVal(TLSProfileKey)
	sval, err := cast.ToStringE(ival)
	if err != nil {
		panic(fmt.Sprintf("%s requires a string value: %s", TLSProfileKey, err.Error()))
	}
	switch sval {
	case TLSProfileModern, TLSProfileIntermediate:
	default:
		panic(fmt.Sprintf("%s must be one of %s or %s", TLSProfileKey,
			TLSProfileModern, TLSProfileIntermediate))
	}
	return sval
}

// addConfigInt adds a int config to the config options
func (man Manager) addConfigInt(key string, defVal int, usage string) {
	man.command.PersistentFlags().Int(flagNameFromConfigKey(key), defVal, getFlagUsage(key, usage))
	man.bindKey(key, defVal)
}

// getConfigInt retrieves a int from the loaded config
func (man Manager) getConfigInt(key string) int {
	interfaceVal := man.getInterfaceVal(key)
	intVal, err := cast.ToIntE(interfaceVal)
	if err != nil {
		panic("Unable to cast to int for key " + key + ": " + err.Error())
	}

	return intVal
}

// addConfigBool adds a bool config to the config options
func (man Manager) addConfigBool(key string, defVal bool, usage string) {
	man.command.PersistentFlags().Bool(flagNameFromConfigKey(key), defVal, getFlagUsage(key, usage))
	man.bindKey(key, defVal)
}

// getConfigBool retrieves a bool from the loaded config
func (man Manager) getConfigBool(key string) bool {
	interfaceVal := man.getInterfaceVal(key)
	boolVal, err := cast.ToBoolE(interfaceVal)
	if err != nil {
		panic("Unable to cast to bool for key " + key + ": " + err.Error())
	}

	return boolVal
}

// addConfigDuration adds a duration config to the config options
func (man Manager) addConfigDuration(key string, defVal time.Duration, usage string) {
	man.command.PersistentFlags().Duration(flagNameFromConfigKey(key), defVal, getFlagUsage(key, usage))
	man.bindKey(key, defVal)
}

// getConfigDuration retrieves a duration from the loaded config
func (man Manager) getConfigDuration(key string) time.Duration {
	interfaceVal := man.getInterfaceVal(key)
	durationVal, err := cast.ToDurationE(interfaceVal)
	if err != nil {
		panic("Unable to cast to duration for key " + key + ": " + err.Error())
	}

	return durationVal
}

// loadConfigFile handles the loading of the config file.
func (man Manager) loadConfigFile() {
	man.viper.SetConfigType("yaml")

	configFlag := man.command.PersistentFlags().Lookup("config")
	if configFlag == nil || configFlag.Value.String() == "" {
		// No config file set, only use configs from env
		// vars/flags/defaults
		return
	}

	man.viper.SetConfigFile(configFlag.Value.String())
	err := man.viper.ReadInConfig()
	if err != nil {
		fmt.Println("Error loading config file:", err)
		os.Exit(1)
	}

	fmt.Println("Using config file: ", man.viper.ConfigFileUsed())
}

// TestConfig returns a barebones configuration suitable for use in tests.
// Individual tests may want to override some of the values provided.
func TestConfig() DeviceFarmConfig {
	return DeviceFarmConfig{
		Server: ServerConfig{
			Address:    "127.0.0.1:0",
			TLSProfile: TLSProfileIntermediate,
		},
		Logging: LoggingConfig{
			Debug: true,
		},
		Fleet: FleetConfig{
			ReconcileInterval: 10 * time.Millisecond,
			WatchInterval:     10 * time.Millisecond,
			StartupTimeout:    30 * time.Second,
			StopGrace:         time.Second,
			HealthTimeout:     time.Second,
			PortBase:          18100,
			PortWindow:        20,
			AgentPort:         8100,
		},
		Scheduler: SchedulerConfig{
			MaxRetries:     3,
			DequeueTimeout: 50 * time.Millisecond,
			RescanInterval: 10 * time.Millisecond,
		},
	}
}
