package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v2"
)

const (
	configDir  string = ".loffice"
	configFile string = "config.yml"
)

// Config defines all configuration options available to be set through the config file.
type Config struct {
	// OfficePath is the directory holding the Office executables, used
	// when -p/--path is not given.
	OfficePath string `yaml:"office-path,omitempty"`

	// AllowOverflow lets WMI query decoys be written past the end of a
	// shorter query.
	AllowOverflow bool `yaml:"allow-overflow"`

	// MonitoredClasses are WMI classes whose queries are replaced with a
	// decoy, in addition to Win32_Product and Win32_Process.
	MonitoredClasses []string `yaml:"monitored-classes"`

	// Hosts overrides the executable used for a document type, e.g.
	// word: C:\Office16\WINWORD.EXE
	Hosts map[string]string `yaml:"hosts"`

	// LogDest is the default for --log-dest.
	LogDest string `yaml:"log-dest,omitempty"`
}

// LoadConfig attempts to populate a Config object from the config.yml file,
// creating a default one if it does not exist.
func LoadConfig() (*Config, error) {
	err := createConfigPath()
	if err != nil {
		return &Config{}, fmt.Errorf("could not create config directory: %v", err)
	}
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		return &Config{}, fmt.Errorf("unable to get config file path: %v", err)
	}

	f, err := os.Open(fullConfigFile)
	if err != nil {
		f, err = createDefaultConfig(fullConfigFile)
		if err != nil {
			return &Config{}, fmt.Errorf("error creating default config file: %v", err)
		}
	}
	defer f.Close()

	return decode(f)
}

// LoadConfigFrom reads the configuration at path.
func LoadConfigFrom(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return decode(f)
}

func decode(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return &Config{}, fmt.Errorf("unable to read config data: %v", err)
	}

	var c Config
	err = yaml.Unmarshal(data, &c)
	if err != nil {
		return &Config{}, fmt.Errorf("unable to decode config file: %v", err)
	}

	return &c, nil
}

// SaveConfig will marshal and save the config struct
// to disk.
func SaveConfig(conf *Config) error {
	if err := createConfigPath(); err != nil {
		return err
	}
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

// WriteDefaultConfig replaces the config file with the default one.
func WriteDefaultConfig() (string, error) {
	if err := createConfigPath(); err != nil {
		return "", err
	}
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		return "", err
	}
	f, err := createDefaultConfig(fullConfigFile)
	if err != nil {
		return "", err
	}
	return fullConfigFile, f.Close()
}

func createDefaultConfig(path string) (*os.File, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("unable to create config file: %v", err)
	}
	err = writeDefaultConfig(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("unable to write default configuration: %v", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

func writeDefaultConfig(f *os.File) error {
	_, err := f.WriteString(
		`# Configuration file for loffice.

# This is the default configuration file. Available options are provided, but disabled.
# Delete the leading hash mark to enable an item.

# Directory holding WINWORD.EXE, EXCEL.EXE and POWERPNT.EXE, used when
# -p/--path is not given.
# office-path: C:\Program Files (x86)\Microsoft Office\root\Office16

# Let WMI query decoys be written past the end of shorter queries.
allow-overflow: false

# WMI classes whose queries are replaced with a decoy, in addition to
# Win32_Product and Win32_Process.
monitored-classes:
  # - Win32_Service

# Executable used for a document type (word, excel, power, script).
hosts:
  # word: C:\Office16\WINWORD.EXE

# Write logs to this file instead of standard error.
# log-dest: C:\analysis\loffice.log
`)
	return err
}

// createConfigPath creates the directory structure at which all config files are saved.
func createConfigPath() error {
	path, err := GetConfigFilePath("")
	if err != nil {
		return err
	}
	return os.MkdirAll(path, 0700)
}

// GetConfigFilePath gets the full path to the given config file name.
func GetConfigFilePath(file string) (string, error) {
	userHomeDir, err := os.UserHomeDir()
	if err != nil {
		userHomeDir = "."
	}
	return filepath.Join(userHomeDir, configDir, file), nil
}
