package main

import (
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"

	"umbrella"
)

const (
	envVarPrefix = "BEACH"
	appName      = "beach"
)

type Config struct {
	Prompt      string `envconfig:"BEACH_PROMPT"       yaml:"prompt"`
	Device      string `envconfig:"BEACH_DEVICE"       yaml:"device"`
	BlockSize   uint32 `envconfig:"BEACH_BLOCK_SIZE"   yaml:"blockSize"`
	BlockCount  uint64 `envconfig:"BEACH_BLOCK_COUNT"  yaml:"blockCount"`
	InodeCount  uint32 `envconfig:"BEACH_INODE_COUNT"  yaml:"inodeCount"`
	LogLevel    string `envconfig:"BEACH_LOG_LEVEL"    yaml:"logLevel"`
	FuseDebug   bool   `envconfig:"BEACH_FUSE_DEBUG"   yaml:"fuseDebug"`
	HistoryFile string `envconfig:"BEACH_HISTORY_FILE" yaml:"historyFile"`
}

func DefaultConfig() Config {
	return Config{
		Prompt:     "beach> ",
		BlockSize:  umbrella.DefaultBlockSize,
		BlockCount: 2048,
		LogLevel:   "warn",
	}
}

// LoadConfig layers the yaml file at path (or ~/.beach.yaml when path is empty)
// and then BEACH_* environment variables over the defaults. A missing default
// file is not an error; a missing explicit one is.
func LoadConfig(path string) (*Config, error) {
	c := DefaultConfig()
	explicit := path != ""
	if !explicit {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, "."+appName+".yaml")
		}
	}

	if path != "" {
		data, err := ioutil.ReadFile(path)
		if err != nil {
			if explicit || !os.IsNotExist(err) {
				return nil, errors.Wrap(err, "reading config file")
			}
		} else if err := yaml.UnmarshalStrict(data, &c); err != nil {
			return nil, errors.Wrapf(err, "unmarshaling config file %s", path)
		}
	}

	if err := envconfig.Process(envVarPrefix, &c); err != nil {
		return nil, errors.Wrap(err, "parsing environment variables")
	}
	return &c, nil
}

func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return errors.Wrap(err, "logLevel")
	}
	if c.BlockSize < 128 {
		return errors.Wrapf(umbrella.ErrBadBlockSize, "blockSize %d", c.BlockSize)
	}
	if c.BlockCount == 0 {
		return errors.New("blockCount must be positive")
	}
	return nil
}
