/*
Copyright 2023 The Millrace Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package config holds the service-level configuration of the focus.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/millrace/focus/pkg/bridge"
	"github.com/millrace/focus/pkg/conference"
	"github.com/millrace/focus/pkg/telemetry"
	"github.com/millrace/focus/pkg/xmppclient"
)

// Config is the whole focus configuration.
type Config struct {
	// Logging level: debug, info, warn, error, fatal or panic.
	LogLevel string `yaml:"log_level"`

	// The XMPP connection the focus signals over.
	XMPP xmppclient.Config `yaml:"xmpp"`
	// The bridge fleet and how to pick from it.
	Bridges BridgesConfig `yaml:"bridges"`
	// Defaults applied to every conference.
	Conference conference.Config `yaml:"conference"`
	Telemetry  telemetry.Config  `yaml:"telemetry"`
	HTTP       HTTPConfig        `yaml:"http"`
}

// BridgesConfig describes the static bridge fleet.
type BridgesConfig struct {
	// Base URLs of the bridges, e.g. "http://jvb-1.example.com:8080".
	Addresses []string `yaml:"addresses"`
	// How often each bridge is polled for its load report.
	PollInterval time.Duration `yaml:"poll_interval"`
	// Timeout for a single bridge RPC.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	Selection bridge.SelectionConfig `yaml:"selection"`
}

// HTTPConfig is the metrics/debug listener.
type HTTPConfig struct {
	ListenAddress string `yaml:"listen_address"`
}

func (c *Config) withDefaults() *Config {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.HTTP.ListenAddress == "" {
		c.HTTP.ListenAddress = ":8088"
	}
	return c
}

// Tries to load a config from the `CONFIG` environment variable.
// If the environment variable is not set, tries to load a config from the
// provided path to the config file (YAML). Returns an error if the config
// could not be loaded.
func LoadConfig(path string) (*Config, error) {
	config, err := LoadConfigFromEnv()
	if err != nil {
		if !errors.Is(err, ErrNoConfigEnvVar) {
			return nil, err
		}

		return LoadConfigFromPath(path)
	}

	return config, nil
}

// ErrNoConfigEnvVar is returned when the CONFIG environment variable is not set.
var ErrNoConfigEnvVar = errors.New("environment variable not set or invalid")

// Tries to load the config from environment variable (`CONFIG`).
func LoadConfigFromEnv() (*Config, error) {
	configEnv := os.Getenv("CONFIG")
	if configEnv == "" {
		return nil, ErrNoConfigEnvVar
	}

	return LoadConfigFromString(configEnv)
}

// Tries to load a config from the provided path.
func LoadConfigFromPath(path string) (*Config, error) {
	logrus.WithField("path", path).Info("loading config")

	file, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	return LoadConfigFromString(string(file))
}

// Load config from the provided string.
// Returns an error if the string is not a valid YAML.
func LoadConfigFromString(configString string) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal([]byte(configString), &config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML file: %w", err)
	}

	return config.withDefaults(), nil
}
