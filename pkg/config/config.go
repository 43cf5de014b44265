package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v2"
)

const (
	configDir  string = "reredirect"
	configFile string = "config.yml"
)

// FileMode is a permission mode written in octal, e.g. 0644.
type FileMode uint32

// UnmarshalYAML accepts both 0644 and "0644".
func (m *FileMode) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0o"), "0O")
	v, err := strconv.ParseUint(s, 8, 32)
	if err != nil {
		return fmt.Errorf("invalid file mode %q: must be an octal number", s)
	}
	if v > 07777 {
		return fmt.Errorf("invalid file mode %#o", v)
	}
	*m = FileMode(v)
	return nil
}

// MarshalYAML writes the mode in octal.
func (m FileMode) MarshalYAML() (interface{}, error) {
	return fmt.Sprintf("%#o", uint32(m)), nil
}

// Config defines all configuration options available to be set through the config file.
// Command line flags take precedence over every option.
type Config struct {
	// NoRestore disables saving the original stdout/stderr, like -N.
	NoRestore bool `yaml:"no-restore"`
	// Log enables debug logging, like --log.
	Log bool `yaml:"log"`
	// LogOutput is a comma separated list of components that should produce
	// debug output, like --log-output.
	LogOutput string `yaml:"log-output,omitempty"`
	// LogDest is a file path or file descriptor number logs are written to,
	// like --log-dest.
	LogDest string `yaml:"log-dest,omitempty"`
	// FileMode is the permission mode of files created in the target.
	FileMode *FileMode `yaml:"file-mode,omitempty"`
}

// LoadConfig reads the configuration file at path, or at the default
// location if path is empty. A missing file is not an error: the zero
// Config is returned.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		var err error
		path, err = GetConfigFilePath(configFile)
		if err != nil {
			return &Config{}, nil
		}
	}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &Config{}, nil
		}
		return nil, err
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("unable to read config data: %v", err)
	}

	var c Config
	if err := yaml.UnmarshalStrict(data, &c); err != nil {
		return nil, fmt.Errorf("unable to decode config file %s: %v", path, err)
	}
	return &c, nil
}

// CreateDefaultConfig writes a commented configuration file to path unless
// one already exists. It reports whether a file was written.
func CreateDefaultConfig(path string) (bool, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return false, fmt.Errorf("could not create config directory: %v", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return false, nil
		}
		return false, fmt.Errorf("unable to create config file: %v", err)
	}
	defer f.Close()
	if err := writeDefaultConfig(f); err != nil {
		return false, fmt.Errorf("unable to write default configuration: %v", err)
	}
	return true, nil
}

func writeDefaultConfig(w io.Writer) error {
	_, err := io.WriteString(w,
		`# Configuration file for reredirect.

# This is the default configuration file. Available options are provided, but disabled.
# Delete the leading hash mark to enable an item. Command line flags override
# anything set here.

# Do not keep the original stdout/stderr around for a later restore (-N).
# no-restore: true

# Enable debug logging (--log), for the comma separated components listed in
# log-output (session, guard, ptrace, all).
# log: true
# log-output: session,guard

# Write logs to this file, or file descriptor number, instead of stderr.
# log-dest: /tmp/reredirect.log

# Permission mode of files created in the target process.
# file-mode: 0644
`)
	return err
}

// GetConfigFilePath gets the full path to the given config file name,
// honoring $XDG_CONFIG_HOME.
func GetConfigFilePath(file string) (string, error) {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, configDir, file), nil
	}
	userHomeDir := "."
	usr, err := user.Current()
	if err == nil {
		userHomeDir = usr.HomeDir
	}
	return filepath.Join(userHomeDir, ".config", configDir, file), nil
}
