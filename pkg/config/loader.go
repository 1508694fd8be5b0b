package config

import (
	"os"

	"github.com/kkyr/fig"
)

const EnvPrefix = "MEDIAGRAPH"

// LoadConfig loads a configuration file into the given struct.
// The path param specifies a custom path to the configuration file.
// Reads and puts environment variables with the prefix MEDIAGRAPH_.
// Params from the config should be in uppercase separated with _.
func LoadConfig(config any, path string) error {
	dirs := []string{path}
	if path == "" {
		dirs = append(dirs, ".", "configs", "../../configs")
		if home, err := os.UserHomeDir(); err == nil {
			dirs = append(dirs, home+"/.mediagraph")
		}
	}
	return fig.Load(config, fig.Dirs(dirs...), fig.UseEnv(EnvPrefix))
}

// LoadConfigEnv fills the config with the default values and
// environment variables only.
func LoadConfigEnv(config any) error {
	return fig.Load(config, fig.IgnoreFile(), fig.UseEnv(EnvPrefix))
}

// Default returns the built-in configuration.
func Default() (conf GraphConfig) {
	if err := fig.Load(&conf, fig.IgnoreFile()); err != nil {
		panic(err)
	}
	conf.fixValues()
	return
}
