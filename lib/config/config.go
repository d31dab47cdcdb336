// Copyright 2026 The Ejbd Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Environment names the deployment type.
type Environment string

const (
	Development Environment = "development"
	Staging     Environment = "staging"
	Production  Environment = "production"
)

// Config is the complete daemon configuration.
type Config struct {
	Environment Environment `yaml:"environment"`

	Server       ServerConfig       `yaml:"server"`
	Naming       NamingConfig       `yaml:"naming"`
	Security     SecurityConfig     `yaml:"security"`
	Transactions TransactionsConfig `yaml:"transactions"`
	Resources    ResourcesConfig    `yaml:"resources"`
	Discovery    DiscoveryConfig    `yaml:"discovery"`
	Metrics      MetricsConfig      `yaml:"metrics"`

	// EnvEntries are bound under java:comp/env/<name>. Remote callers
	// reach them through Links.
	EnvEntries map[string]any `yaml:"env_entries,omitempty"`

	// Links bind an alias in the remote namespace to another name,
	// for example "legacy/Accounts: AccountBeanRemote". Targets
	// without a scheme are remote names too.
	Links map[string]string `yaml:"links,omitempty"`

	Development *Overrides `yaml:"development,omitempty"`
	Staging     *Overrides `yaml:"staging,omitempty"`
	Production  *Overrides `yaml:"production,omitempty"`
}

// Overrides holds the sections an environment block may replace.
// Only non-zero fields are applied.
type Overrides struct {
	Server    *ServerConfig    `yaml:"server,omitempty"`
	Naming    *NamingConfig    `yaml:"naming,omitempty"`
	Security  *SecurityConfig  `yaml:"security,omitempty"`
	Discovery *DiscoveryConfig `yaml:"discovery,omitempty"`
	Metrics   *MetricsConfig   `yaml:"metrics,omitempty"`
}

// ServerConfig configures the listening daemon.
type ServerConfig struct {
	// Network is "tcp" or "unix".
	Network string `yaml:"network"`

	// Address is host:port for tcp (port 0 picks an ephemeral port)
	// or a socket path for unix.
	Address string `yaml:"address"`

	// MaxConnections bounds concurrently served connections. Further
	// connections wait in the accept queue. Zero means unlimited.
	MaxConnections int `yaml:"max_connections"`

	// IdleTimeout closes a connection that sends no frame for this
	// long.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// MaxFrameSize is the largest frame payload accepted, in bytes,
	// before and after decompression.
	MaxFrameSize int `yaml:"max_frame_size"`

	// Compression is "none", "lz4" or "zstd".
	Compression string `yaml:"compression"`

	// CompressionThreshold is the smallest payload compressed.
	CompressionThreshold int `yaml:"compression_threshold"`
}

// NamingConfig configures the JNDI binder and the root context.
type NamingConfig struct {
	// JNDINameFormat is the template for names under local/ and
	// remote/. See container.Binder for the recognised keys.
	JNDINameFormat string `yaml:"jndi_name_format"`

	// FailOnCollision makes a deployment fail when one of its
	// templated names is already bound by another deployment. When
	// false the collision is logged and the name skipped.
	FailOnCollision bool `yaml:"fail_on_collision"`

	// ReadOnly freezes the naming tree once the server has started.
	ReadOnly bool `yaml:"read_only"`
}

// SecurityConfig configures authentication.
type SecurityConfig struct {
	Realms []RealmConfig `yaml:"realms"`

	// DefaultRealm is used when a login names no realm. Empty means
	// the first configured realm.
	DefaultRealm string `yaml:"default_realm"`

	// TokenTTL is the lifetime of identity tokens issued at login.
	TokenTTL time.Duration `yaml:"token_ttl"`

	// StateDir holds the token signing keypair.
	StateDir string `yaml:"state_dir"`

	// AllowAnonymous lets requests without a token or credentials run
	// as the anonymous subject.
	AllowAnonymous *bool `yaml:"allow_anonymous,omitempty"`
}

// Anonymous reports whether anonymous access is enabled.
func (s SecurityConfig) Anonymous() bool {
	return s.AllowAnonymous != nil && *s.AllowAnonymous
}

// RealmConfig declares one authentication realm.
type RealmConfig struct {
	Name string `yaml:"name"`

	// Type is "file" (YAML user list) or "sql" (SQLite database).
	Type string `yaml:"type"`

	Path string `yaml:"path"`
}

// TransactionsConfig configures the transaction manager.
type TransactionsConfig struct {
	DefaultTimeout time.Duration `yaml:"default_timeout"`
}

// ResourcesConfig declares resources bound under Resource/<id>.
type ResourcesConfig struct {
	// IdentityFile is an age identity used to decrypt sealed
	// properties.
	IdentityFile string `yaml:"identity_file"`

	Definitions []ResourceConfig `yaml:"definitions"`
}

// ResourceConfig declares one resource.
type ResourceConfig struct {
	ID   string `yaml:"id"`
	Type string `yaml:"type"`

	Properties map[string]string `yaml:"properties,omitempty"`

	// Sealed properties hold age-encrypted, base64-encoded values.
	// They are decrypted at startup and never sent to remote callers.
	Sealed map[string]string `yaml:"sealed,omitempty"`
}

// DiscoveryConfig configures the multicast pulse agent.
type DiscoveryConfig struct {
	Enabled bool `yaml:"enabled"`

	// Address is the multicast group and port, e.g. 239.255.3.2:6142.
	Address string `yaml:"address"`

	// Interface restricts multicast to one network interface by name.
	Interface string `yaml:"interface"`

	// Group is the logical group name clients ask for.
	Group string `yaml:"group"`

	// Ignore lists hosts whose requests are not answered.
	Ignore []string `yaml:"ignore,omitempty"`

	// URIs are announced in addition to the daemon's own address.
	URIs []string `yaml:"uris,omitempty"`

	// Multipoint configures the TCP discovery mesh. It announces the
	// same URIs under the same group.
	Multipoint MultipointConfig `yaml:"multipoint"`
}

// MultipointConfig configures the TCP discovery mesh.
type MultipointConfig struct {
	Enabled bool `yaml:"enabled"`

	// Address is the host:port the mesh listens on.
	Address string `yaml:"address"`

	// AdvertiseHost is the host other nodes dial to reach this one.
	AdvertiseHost string `yaml:"advertise_host,omitempty"`

	// InitialServers are host:port addresses of nodes to join, dialed
	// again after ReconnectDelay whenever they are not connected.
	InitialServers []string `yaml:"initial_servers,omitempty"`

	HeartRate           time.Duration `yaml:"heart_rate"`
	MaxMissedHeartbeats int           `yaml:"max_missed_heartbeats"`
	ReconnectDelay      time.Duration `yaml:"reconnect_delay"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Address is where /metrics is served. Empty disables it.
	Address string `yaml:"address"`
}

// Default returns the values a config file is layered over.
func Default() *Config {
	allowAnonymous := true
	return &Config{
		Environment: Development,
		Server: ServerConfig{
			Network:              "tcp",
			Address:              "127.0.0.1:4201",
			MaxConnections:       256,
			IdleTimeout:          2 * time.Minute,
			MaxFrameSize:         16 << 20,
			Compression:          "lz4",
			CompressionThreshold: 1024,
		},
		Naming: NamingConfig{
			JNDINameFormat: "{deploymentId}{interfaceType.annotationName}",
		},
		Security: SecurityConfig{
			TokenTTL:       time.Hour,
			StateDir:       "${HOME}/.local/state/ejbd",
			AllowAnonymous: &allowAnonymous,
		},
		Transactions: TransactionsConfig{
			DefaultTimeout: 10 * time.Minute,
		},
		Discovery: DiscoveryConfig{
			Address: "239.255.3.2:6142",
			Group:   "default",
			Multipoint: MultipointConfig{
				Address:             "0.0.0.0:4212",
				HeartRate:           500 * time.Millisecond,
				MaxMissedHeartbeats: 10,
				ReconnectDelay:      30 * time.Second,
			},
		},
	}
}

// Load reads the file named by EJBD_CONFIG.
func Load() (*Config, error) {
	path := os.Getenv("EJBD_CONFIG")
	if path == "" {
		return nil, errors.New("EJBD_CONFIG environment variable not set; " +
			"set it to the path of your ejbd.yaml, or use --config")
	}
	return LoadFile(path)
}

// LoadFile reads one configuration file, applies the matching
// environment section and expands variables. It does not validate.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		data = jsonc.ToJSON(data)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()
	return cfg, nil
}

func (c *Config) applyEnvironmentOverrides() {
	var overrides *Overrides
	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
		if overrides == nil {
			deny := false
			overrides = &Overrides{Security: &SecurityConfig{AllowAnonymous: &deny}}
		}
	}
	if overrides == nil {
		return
	}

	if server := overrides.Server; server != nil {
		setString(&c.Server.Network, server.Network)
		setString(&c.Server.Address, server.Address)
		setString(&c.Server.Compression, server.Compression)
		setNonZero(&c.Server.MaxConnections, server.MaxConnections)
		setNonZero(&c.Server.IdleTimeout, server.IdleTimeout)
		setNonZero(&c.Server.MaxFrameSize, server.MaxFrameSize)
		setNonZero(&c.Server.CompressionThreshold, server.CompressionThreshold)
	}
	if naming := overrides.Naming; naming != nil {
		setString(&c.Naming.JNDINameFormat, naming.JNDINameFormat)
		// Booleans in an override section always win.
		c.Naming.FailOnCollision = naming.FailOnCollision
		c.Naming.ReadOnly = naming.ReadOnly
	}
	if security := overrides.Security; security != nil {
		if len(security.Realms) > 0 {
			c.Security.Realms = security.Realms
		}
		setString(&c.Security.DefaultRealm, security.DefaultRealm)
		setString(&c.Security.StateDir, security.StateDir)
		setNonZero(&c.Security.TokenTTL, security.TokenTTL)
		if security.AllowAnonymous != nil {
			c.Security.AllowAnonymous = security.AllowAnonymous
		}
	}
	if discovery := overrides.Discovery; discovery != nil {
		c.Discovery.Enabled = discovery.Enabled
		setString(&c.Discovery.Address, discovery.Address)
		setString(&c.Discovery.Interface, discovery.Interface)
		setString(&c.Discovery.Group, discovery.Group)
		if len(discovery.Ignore) > 0 {
			c.Discovery.Ignore = discovery.Ignore
		}
		if len(discovery.URIs) > 0 {
			c.Discovery.URIs = discovery.URIs
		}
		multipoint := discovery.Multipoint
		c.Discovery.Multipoint.Enabled = multipoint.Enabled
		setString(&c.Discovery.Multipoint.Address, multipoint.Address)
		setString(&c.Discovery.Multipoint.AdvertiseHost, multipoint.AdvertiseHost)
		if len(multipoint.InitialServers) > 0 {
			c.Discovery.Multipoint.InitialServers = multipoint.InitialServers
		}
		setNonZero(&c.Discovery.Multipoint.HeartRate, multipoint.HeartRate)
		setNonZero(&c.Discovery.Multipoint.MaxMissedHeartbeats, multipoint.MaxMissedHeartbeats)
		setNonZero(&c.Discovery.Multipoint.ReconnectDelay, multipoint.ReconnectDelay)
	}
	if metrics := overrides.Metrics; metrics != nil {
		setString(&c.Metrics.Address, metrics.Address)
	}
}

func setString(target *string, value string) {
	if value != "" {
		*target = value
	}
}

func setNonZero[T int | time.Duration](target *T, value T) {
	if value != 0 {
		*target = value
	}
}

func (c *Config) expandVariables() {
	vars := map[string]string{"HOME": os.Getenv("HOME")}

	c.Security.StateDir = expandVars(c.Security.StateDir, vars)
	vars["EJBD_HOME"] = c.Security.StateDir

	c.Server.Address = expandVars(c.Server.Address, vars)
	for i := range c.Security.Realms {
		c.Security.Realms[i].Path = expandVars(c.Security.Realms[i].Path, vars)
	}
	c.Resources.IdentityFile = expandVars(c.Resources.IdentityFile, vars)
	for i := range c.Resources.Definitions {
		for key, value := range c.Resources.Definitions[i].Properties {
			c.Resources.Definitions[i].Properties[key] = expandVars(value, vars)
		}
	}
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars replaces ${NAME} and ${NAME:-default}, preferring vars,
// then the process environment, then the default.
func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		name, defaultValue := parts[1], parts[2]
		if value := vars[name]; value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate reports every problem in the configuration at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if !slices.Contains([]Environment{Development, Staging, Production}, c.Environment) {
		add("invalid environment: %q", c.Environment)
	}

	switch c.Server.Network {
	case "tcp", "unix":
	default:
		add("server.network must be tcp or unix, got %q", c.Server.Network)
	}
	if c.Server.Address == "" {
		add("server.address is required")
	}
	if c.Server.MaxConnections < 0 {
		add("server.max_connections must not be negative")
	}
	if c.Server.IdleTimeout <= 0 {
		add("server.idle_timeout must be positive")
	}
	if c.Server.MaxFrameSize < 1024 {
		add("server.max_frame_size must be at least 1024 bytes")
	}
	if !slices.Contains([]string{"none", "lz4", "zstd"}, c.Server.Compression) {
		add("server.compression must be one of none, lz4, zstd; got %q", c.Server.Compression)
	}
	if c.Server.CompressionThreshold < 0 {
		add("server.compression_threshold must not be negative")
	}

	if c.Naming.JNDINameFormat == "" {
		add("naming.jndi_name_format is required")
	}

	if c.Security.TokenTTL <= 0 {
		add("security.token_ttl must be positive")
	}
	if c.Security.StateDir == "" {
		add("security.state_dir is required")
	}
	realmNames := make(map[string]bool)
	for i, realm := range c.Security.Realms {
		if realm.Name == "" {
			add("security.realms[%d].name is required", i)
		} else if realmNames[realm.Name] {
			add("security.realms[%d]: duplicate realm %q", i, realm.Name)
		}
		realmNames[realm.Name] = true
		if realm.Type != "file" && realm.Type != "sql" {
			add("security.realms[%d].type must be file or sql, got %q", i, realm.Type)
		}
		if realm.Path == "" {
			add("security.realms[%d].path is required", i)
		}
	}
	if c.Security.DefaultRealm != "" && !realmNames[c.Security.DefaultRealm] {
		add("security.default_realm %q is not a configured realm", c.Security.DefaultRealm)
	}

	if c.Transactions.DefaultTimeout <= 0 {
		add("transactions.default_timeout must be positive")
	}

	resourceIDs := make(map[string]bool)
	for i, resource := range c.Resources.Definitions {
		if resource.ID == "" {
			add("resources.definitions[%d].id is required", i)
		} else if resourceIDs[resource.ID] {
			add("resources.definitions[%d]: duplicate resource %q", i, resource.ID)
		}
		resourceIDs[resource.ID] = true
		if resource.Type == "" {
			add("resources.definitions[%d].type is required", i)
		}
		if len(resource.Sealed) > 0 && c.Resources.IdentityFile == "" {
			add("resources.definitions[%d] has sealed properties but resources.identity_file is not set", i)
		}
	}

	if c.Discovery.Enabled {
		if c.Discovery.Address == "" {
			add("discovery.address is required when discovery is enabled")
		}
		if c.Discovery.Group == "" {
			add("discovery.group is required when discovery is enabled")
		}
	}
	if multipoint := c.Discovery.Multipoint; multipoint.Enabled {
		if _, _, err := net.SplitHostPort(multipoint.Address); err != nil {
			add("discovery.multipoint.address %q: %v", multipoint.Address, err)
		}
		if c.Discovery.Group == "" || strings.Contains(c.Discovery.Group, ":") {
			add("discovery.group must be set and free of ':' when discovery.multipoint is enabled")
		}
		for i, server := range multipoint.InitialServers {
			if _, _, err := net.SplitHostPort(strings.TrimPrefix(server, "conn://")); err != nil {
				add("discovery.multipoint.initial_servers[%d] %q: %v", i, server, err)
			}
		}
		if multipoint.HeartRate <= 0 {
			add("discovery.multipoint.heart_rate must be positive")
		}
		if multipoint.MaxMissedHeartbeats <= 0 {
			add("discovery.multipoint.max_missed_heartbeats must be positive")
		}
		if multipoint.ReconnectDelay <= 0 {
			add("discovery.multipoint.reconnect_delay must be positive")
		}
	}

	return errors.Join(errs...)
}
