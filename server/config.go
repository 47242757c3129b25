package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/janelia-flyem/labelmerge/dvid"
	"github.com/janelia-flyem/labelmerge/storage"
	"github.com/janelia-flyem/labelmerge/transform"

	"github.com/BurntSushi/toml"
)

const (
	// DefaultWebAddress is the default URL of the labelmerge web server
	DefaultWebAddress = "localhost:8000"

	// DefaultShutdownDelay is the default number of seconds to wait for
	// outstanding requests and label writes on shutdown.
	DefaultShutdownDelay = 5

	// DefaultEngine is used for stores that don't name an engine.
	DefaultEngine = "basic"
)

var (
	// DefaultHost is the default most understandable alias for this server.
	DefaultHost = "localhost"

	// the parsed TOML configuration data
	tc tomlConfig

	// the TOML config file location
	tcLocation string
)

func init() {
	if host, err := os.Hostname(); err != nil {
		dvid.Errorf("Unable to get default Host name: %v\n", err)
		dvid.Errorf("Using 'localhost' as default Host name.\n")
	} else {
		DefaultHost = host
	}
}

type tomlConfig struct {
	Server    serverConfig
	Auth      authConfig
	Logging   dvid.LogConfig
	Mutations MutationsConfig
	Kafka     storage.KafkaConfig
	Store     map[storage.Alias]storeConfig
	Labels    map[string]labelsConfig
	Points    map[string]pointsConfig
	Dims      dimsConfig
}

type serverConfig struct {
	Host          string
	HTTPAddress   string
	Note          string
	CorsDomains   []string
	ShutdownDelay int
}

// storeConfig is engine-specific, so it's kept as a generic table.
type storeConfig map[string]interface{}

// transformConfig gives a layer's data to world transform.  Scale and
// translate are applied first, then the optional homogeneous affine matrix.
type transformConfig struct {
	Scale     []float64
	Translate []float64
	Affine    [][]float64
}

func (c transformConfig) dataToWorld(ndim int) (*transform.Affine, error) {
	chain := transform.Chain{transform.Identity(ndim)}
	if len(c.Scale) != 0 || len(c.Translate) != 0 {
		st, err := transform.ScaleTranslate(c.Scale, c.Translate)
		if err != nil {
			return nil, err
		}
		chain = append(chain, st)
	}
	if len(c.Affine) != 0 {
		a, err := transform.NewAffine(c.Affine)
		if err != nil {
			return nil, err
		}
		chain = append(chain, a)
	}
	return chain.Simplified()
}

type labelsConfig struct {
	transformConfig
	Store storage.Alias
	Shape []int
}

type pointsConfig struct {
	transformConfig
	Ndim int
}

type dimsConfig struct {
	CurrentStep []int
}

// Some settings in the TOML can be given as relative paths.
// This function converts them in-place to absolute paths,
// assuming the given paths were relative to the TOML file's own directory.
func (c *tomlConfig) convertPathsToAbsolute(configPath string) error {
	var err error

	configDir := filepath.Dir(configPath)

	// [logging].logfile
	if c.Logging.Logfile != "" {
		c.Logging.Logfile, err = dvid.ConvertToAbsolute(c.Logging.Logfile, configDir)
		if err != nil {
			return fmt.Errorf("Error converting logfile setting to absolute path")
		}
	}

	// [mutations].jsonstore
	if c.Mutations.Jsonstore != "" {
		c.Mutations.Jsonstore, err = dvid.ConvertToAbsolute(c.Mutations.Jsonstore, configDir)
		if err != nil {
			return fmt.Errorf("Error converting jsonstore setting to absolute path")
		}
	}

	// [auth].auth_file
	if c.Auth.AuthFile != "" {
		c.Auth.AuthFile, err = dvid.ConvertToAbsolute(c.Auth.AuthFile, configDir)
		if err != nil {
			return fmt.Errorf("Error converting auth_file setting to absolute path")
		}
	}

	// [store.foobar].path
	for alias, sc := range c.Store {
		p, ok := sc["path"]
		if !ok {
			continue
		}
		path, ok := p.(string)
		if !ok {
			return fmt.Errorf("Don't understand path setting for store %q", alias)
		}
		absPath, err := dvid.ConvertToAbsolute(path, configDir)
		if err != nil {
			return fmt.Errorf("Error converting store.%s.path to absolute path: %q", alias, path)
		}
		sc["path"] = absPath
	}
	return nil
}

// storeConfigs returns the configuration of each store for the storage manager.
func (c *tomlConfig) storeConfigs() (map[storage.Alias]dvid.StoreConfig, error) {
	configs := make(map[storage.Alias]dvid.StoreConfig, len(c.Store))
	for alias, sc := range c.Store {
		config := dvid.NewConfig(sc)
		engine, _, err := config.GetString("engine")
		if err != nil {
			return nil, fmt.Errorf("store %q: %v", alias, err)
		}
		if engine == "" {
			engine = DefaultEngine
		}
		configs[alias] = dvid.StoreConfig{Config: config, Engine: engine}
	}
	return configs, nil
}

// LoadConfig loads server configuration from a TOML file.
func LoadConfig(filename string) error {
	if filename == "" {
		return fmt.Errorf("no server TOML configuration file provided")
	}
	var c tomlConfig
	if _, err := toml.DecodeFile(filename, &c); err != nil {
		return fmt.Errorf("could not decode TOML config: %v", err)
	}
	if err := c.convertPathsToAbsolute(filename); err != nil {
		return fmt.Errorf("could not convert relative paths to absolute paths in TOML config: %v", err)
	}
	if c.Server.Host == "" {
		c.Server.Host = DefaultHost
	}
	if c.Server.HTTPAddress == "" {
		c.Server.HTTPAddress = DefaultWebAddress
	}
	if c.Server.ShutdownDelay == 0 {
		c.Server.ShutdownDelay = DefaultShutdownDelay
	}
	tc = c
	tcLocation = filename
	dvid.Infof("tomlConfig: %v\n", tc)
	return nil
}

// SetHTTPAddress overrides the configured web address if addr is non-empty.
func SetHTTPAddress(addr string) {
	if addr != "" {
		tc.Server.HTTPAddress = addr
	}
}

// Host returns the most understandable host alias + any port.
func Host() string {
	parts := strings.Split(tc.Server.HTTPAddress, ":")
	host := tc.Server.Host
	if len(parts) > 1 {
		host = host + ":" + parts[len(parts)-1]
	}
	return host
}

func ConfigLocation() string {
	return tcLocation
}

func Note() string {
	return tc.Server.Note
}

func HTTPAddress() string {
	return tc.Server.HTTPAddress
}

// KafkaAvailable returns true if kafka servers are configured.
func KafkaAvailable() bool {
	return len(tc.Kafka.Servers) != 0
}

func MutationLogSpec() MutationsConfig {
	return tc.Mutations
}
