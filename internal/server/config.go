// Copyright 2025 Celine Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package server exposes the gateway's HTTP surface.
package server

import (
	"bytes"
	"os"
	"regexp"
	"time"

	"github.com/go-playground/validator/v10"
	yaml "github.com/goccy/go-yaml"

	"github.com/celine-io/dataset-gateway/internal/auth"
	"github.com/celine-io/dataset-gateway/internal/policy"
	"github.com/celine-io/dataset-gateway/internal/sources/postgres"
	"github.com/celine-io/dataset-gateway/internal/util"
)

// CatalogueConfig selects the metadata table holding dataset entries.
type CatalogueConfig struct {
	Table string `yaml:"table"`
}

// RowFilterConfig tunes the row-filter engine.
type RowFilterConfig struct {
	// Plugins lists optional handlers to activate by name.
	Plugins []string `yaml:"plugins"`
	// AdminGroups members bypass row filtering and may administer the
	// catalogue.
	AdminGroups []string      `yaml:"adminGroups"`
	PlanTTL     time.Duration `yaml:"planTtl"`
}

// PolicyConfig wraps the OPA client settings with gate tuning.
type PolicyConfig struct {
	policy.OPAConfig `yaml:",inline"`
	DecisionTTL      time.Duration `yaml:"decisionTtl"`
}

// QueryConfig tunes statement execution.
type QueryConfig struct {
	StatementTimeoutMS int `yaml:"statementTimeoutMs"`
}

// Config is the complete gateway configuration, decoded strictly from YAML.
type Config struct {
	Version       string `yaml:"-"`
	Address       string `yaml:"address"`
	Port          int    `yaml:"port" validate:"gte=0,lte=65535"`
	LogLevel      string `yaml:"logLevel" validate:"omitempty,oneof=debug info warn error"`
	LoggingFormat string `yaml:"loggingFormat" validate:"omitempty,oneof=standard json"`

	Source     postgres.Config `yaml:"source" validate:"required"`
	Catalogue  CatalogueConfig `yaml:"catalogue"`
	Auth       auth.Config     `yaml:"auth" validate:"required"`
	Policy     PolicyConfig    `yaml:"policy"`
	RowFilters RowFilterConfig `yaml:"rowFilters"`
	Query      QueryConfig     `yaml:"query"`
}

// ApplyDefaults fills unset fields with production defaults.
func (c *Config) ApplyDefaults() {
	if c.Address == "" {
		c.Address = "127.0.0.1"
	}
	if c.Port == 0 {
		c.Port = 5000
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LoggingFormat == "" {
		c.LoggingFormat = "standard"
	}
}

var envPattern = regexp.MustCompile(`\$\{(\w+)\}`)

// expandEnv replaces ${VAR} references with environment values. Unset
// variables expand to the empty string and fail validation downstream
// instead of silently configuring the wrong credential.
func expandEnv(raw []byte) []byte {
	return envPattern.ReplaceAllFunc(raw, func(m []byte) []byte {
		name := envPattern.FindSubmatch(m)[1]
		return []byte(os.Getenv(string(name)))
	})
}

// ParseConfig strictly decodes YAML into a validated Config, expanding
// ${VAR} environment references first. Unknown fields are rejected.
func ParseConfig(raw []byte, version string) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(
		bytes.NewReader(expandEnv(raw)),
		yaml.Strict(),
		yaml.Validator(validator.New()),
	)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, util.WrapError(util.KindConfigError, "Unable to parse configuration", err)
	}
	cfg.Version = version
	cfg.ApplyDefaults()
	return cfg, nil
}
