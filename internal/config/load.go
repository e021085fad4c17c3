package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

const envPrefix = "FERRY"

// Keys settable from FERRY_* environment variables
var envKeys = []string{
	"name",
	"functionsDir",
	"redirects",
	"redirectsFile",
	"allowMissingDependencies",
	"excludeDependencies",
}

// FileBasename is the options file looked up by FindFile.
const FileBasename = "ferry.config"

// FindFile returns the first ferry.config.{json,yaml,yml,toml} in dir, or ""
// when there is none.
func FindFile(dir string) string {
	for _, ext := range []string{"json", "yaml", "yml", "toml"} {
		p := filepath.Join(dir, FileBasename+"."+ext)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Load reads options from file (any format viper understands, skipped when
// empty) overlaid with FERRY_* environment variables and whatever v already
// holds, such as bound flags.
func Load(v *viper.Viper, file string) (*Options, error) {
	if v == nil {
		v = viper.New()
	}
	v.SetEnvPrefix(envPrefix)
	for _, k := range envKeys {
		_ = v.BindEnv(k)
	}

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("%w: read %s: %v", ErrConfiguration, file, err)
		}
	}

	// viper lowercases keys; field matching in encoding/json is
	// case-insensitive, so the settings decode straight into Options.
	settings := v.AllSettings()
	if v.IsSet("allowMissingDependencies") {
		settings["allowmissingdependencies"] = v.GetBool("allowMissingDependencies")
	}
	if v.IsSet("excludeDependencies") {
		settings["excludedependencies"] = v.GetStringSlice("excludeDependencies")
	}

	data, err := json.Marshal(settings)
	if err != nil {
		return nil, fmt.Errorf("%w: encode settings: %v", ErrConfiguration, err)
	}
	return Parse(data)
}
