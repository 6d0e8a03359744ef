package config

import (
	"fmt"
	"io"

	yaml "gopkg.in/yaml.v2"
)

type MirrorInfo struct {
	EntitySet string `yaml:"entitySet"`
	Filter    string `yaml:"filter"`
}

type ServiceConfig struct {
	Name     string            `yaml:"name"`
	Root     string            `yaml:"root"`
	Metadata string            `yaml:"metadata"`
	Headers  map[string]string `yaml:"headers"`
	Debug    bool              `yaml:"debug"`
	Policy   string            `yaml:"policy"`
	Mirror   []MirrorInfo      `yaml:"mirror"`
}

// HTTPHeaders returns the configured headers in the form expected by the client options
func (s *ServiceConfig) HTTPHeaders() map[string][]string {
	headers := map[string][]string{}
	for k, v := range s.Headers {
		headers[k] = []string{v}
	}
	return headers
}

type Config struct {
	Services []ServiceConfig `yaml:"services"`
}

// Service returns the named service profile, or the first one when name is empty
func (c *Config) Service(name string) (*ServiceConfig, error) {
	if len(c.Services) == 0 {
		return nil, fmt.Errorf("no services configured")
	}

	if name == "" {
		return &c.Services[0], nil
	}

	for i := range c.Services {
		if c.Services[i].Name == name {
			return &c.Services[i], nil
		}
	}

	return nil, fmt.Errorf("no service named %s in configuration", name)
}

func LoadConfiguration(data io.Reader) (*Config, error) {

	buf, err := io.ReadAll(data)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	err = yaml.Unmarshal(buf, &cfg)
	if err != nil {
		return nil, err
	}

	for _, s := range cfg.Services {
		if s.Root == "" {
			return nil, fmt.Errorf("service %s has no root", s.Name)
		}
	}

	return cfg, nil
}
