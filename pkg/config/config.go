// Package config implements the runwind configuration file, used by the
// command line tool. The library packages take explicit parameters instead.
package config

import (
	"fmt"
	"os"
	"os/user"
	"path"

	"gopkg.in/yaml.v2"
)

const (
	configDir  string = ".runwind"
	configFile string = "config.yml"
)

// Config defines all configuration options available to be set through the
// config file.
type Config struct {
	// MaxFrames is the maximum number of stack frames a backtrace will
	// walk before giving up. Guards against corrupted frame chains.
	MaxFrames int `yaml:"max-frames"`

	// FramePointerFallback controls whether stepping falls back to the
	// frame pointer chain when call frame data is missing.
	FramePointerFallback *bool `yaml:"frame-pointer-fallback,omitempty"`

	// Log enables component logging, LogOutput selects the components.
	Log       bool   `yaml:"log"`
	LogOutput string `yaml:"log-output,omitempty"`
}

// LoadConfig attempts to populate a Config object from the config.yml file.
func LoadConfig() *Config {
	err := createConfigPath()
	if err != nil {
		fmt.Printf("Could not create config directory: %v.\n", err)
		return defaultConfig()
	}
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		fmt.Printf("Unable to get config file path: %v.\n", err)
		return defaultConfig()
	}

	f, err := os.Open(fullConfigFile)
	if err != nil {
		f, err = createDefaultConfig(fullConfigFile)
		if err != nil {
			fmt.Printf("Error creating default config file: %v\n", err)
			return defaultConfig()
		}
	}
	defer func() {
		if err := f.Close(); err != nil {
			fmt.Printf("Closing config file failed: %v.\n", err)
		}
	}()

	data, err := os.ReadFile(fullConfigFile)
	if err != nil {
		fmt.Printf("Unable to read config data: %v.\n", err)
		return defaultConfig()
	}

	c := defaultConfig()
	err = yaml.Unmarshal(data, c)
	if err != nil {
		fmt.Printf("Unable to decode config file: %v.\n", err)
		return defaultConfig()
	}
	return c
}

// SaveConfig will marshal and save the config struct to disk.
func SaveConfig(conf *Config) error {
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		return err
	}

	out, err := yaml.Marshal(*conf)
	if err != nil {
		return err
	}

	f, err := os.Create(fullConfigFile)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(out)
	return err
}

func defaultConfig() *Config {
	return &Config{MaxFrames: 64}
}

func createDefaultConfig(path string) (*os.File, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("unable to create config file: %v", err)
	}
	err = writeDefaultConfig(f)
	if err != nil {
		return nil, fmt.Errorf("unable to write default configuration: %v", err)
	}
	_, err = f.Seek(0, os.SEEK_SET)
	return f, err
}

func writeDefaultConfig(f *os.File) error {
	_, err := f.WriteString(
		`# Configuration file for the runwind command line tool.

# Maximum number of frames a backtrace will walk.
max-frames: 64

# Uncomment to disable the frame pointer fallback.
# frame-pointer-fallback: false

# Component logging.
log: false
# log-output: objfile,unwind
`)
	return err
}

// createConfigPath creates the directory structure at which all config files
// are saved.
func createConfigPath() error {
	path, err := GetConfigFilePath("")
	if err != nil {
		return err
	}
	return os.MkdirAll(path, 0700)
}

// GetConfigFilePath gets the full path to the given config file name.
func GetConfigFilePath(file string) (string, error) {
	usr, err := user.Current()
	if err != nil {
		return "", err
	}
	return path.Join(usr.HomeDir, configDir, file), nil
}
