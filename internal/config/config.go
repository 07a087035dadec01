// Package config loads service configuration from the environment, with an
// optional YAML file overriding individual values.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"sigs.k8s.io/yaml"
)

type Config struct {
	VSphere *vsphereConfig `json:"vsphere"`
	Service *svcConfig     `json:"service"`
}

type vsphereConfig struct {
	Host     string `envconfig:"VSPHERE_HOST" json:"host"`
	Username string `envconfig:"VSPHERE_USERNAME" json:"username"`
	Password string `envconfig:"VSPHERE_PASSWORD" json:"password"`
	Port     int    `envconfig:"VSPHERE_PORT" default:"443" json:"port"`
	Insecure bool   `envconfig:"VSPHERE_INSECURE" default:"true" json:"insecure"`
}

type svcConfig struct {
	Address        string        `envconfig:"VSPHERE_ACTIONS_ADDRESS" default:":8444" json:"address"`
	MetricsAddress string        `envconfig:"VSPHERE_ACTIONS_METRICS_ADDRESS" default:":8080" json:"metrics-address"`
	LogLevel       string        `envconfig:"VSPHERE_ACTIONS_LOG_LEVEL" default:"info" json:"log-level"`
	TaskBudget     time.Duration `envconfig:"VSPHERE_ACTIONS_TASK_BUDGET" default:"40m" json:"task-budget"`
	PollInterval   time.Duration `envconfig:"VSPHERE_ACTIONS_POLL_INTERVAL" default:"5s" json:"poll-interval"`
}

// New builds a Config from the environment.
func New() (*Config, error) {
	cfg := &Config{
		VSphere: &vsphereConfig{},
		Service: &svcConfig{},
	}
	if err := envconfig.Process("", cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load builds a Config from the environment and then applies overrides from
// the given YAML file. An empty path skips the file entirely.
func Load(configFile string) (*Config, error) {
	cfg, err := New()
	if err != nil {
		return nil, err
	}
	if configFile == "" {
		return cfg, nil
	}

	contents, err := os.ReadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("reading config file %q: %w", configFile, err)
	}
	if err := yaml.Unmarshal(contents, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %q: %w", configFile, err)
	}
	return cfg, nil
}

func (c *Config) String() string {
	return fmt.Sprintf("vsphere host: %s, port: %d, service address: %s, task budget: %s",
		c.VSphere.Host, c.VSphere.Port, c.Service.Address, c.Service.TaskBudget)
}
