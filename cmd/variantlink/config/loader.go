// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads variantlink.yaml.
//
// The file is looked up at the --config flag, then $VARIANTLINK_CONFIG, then
// ~/.variantlink/variantlink.yaml. A missing default file is created with
// DefaultConfig on first run. Fields absent from the file keep their
// defaults. Environment overrides are applied after the file and before
// validation.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Environment variables read by Load.
const (
	EnvConfigPath   = "VARIANTLINK_CONFIG"
	EnvServerURL    = "VARIANTLINK_SERVER_URL"
	EnvOTLPEndpoint = "OTEL_EXPORTER_OTLP_ENDPOINT"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

var validate = validator.New()

// DefaultPath returns ~/.variantlink/variantlink.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not find the user's home directory: %w", err)
	}
	return filepath.Join(home, ".variantlink", "variantlink.yaml"), nil
}

// Loader resolves, creates and reads the config file.
type Loader struct {
	// Getenv reads environment variables. Defaults to os.Getenv.
	Getenv func(string) string

	// Notice receives the first-run message. Defaults to os.Stderr.
	Notice io.Writer
}

// Load reads the config at path using the process environment.
func Load(path string) (Config, string, error) {
	return Loader{}.Load(path)
}

// Load reads the config. An empty path falls back to $VARIANTLINK_CONFIG and
// then DefaultPath. It returns the resolved path.
//
// A missing file at an explicitly given path is an error; only the default
// location is created on first run.
func (l Loader) Load(path string) (Config, string, error) {
	getenv := l.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	notice := l.Notice
	if notice == nil {
		notice = os.Stderr
	}

	explicit := path != ""
	if !explicit {
		path = getenv(EnvConfigPath)
		explicit = path != ""
	}
	if !explicit {
		var err error
		if path, err = DefaultPath(); err != nil {
			return Config{}, "", err
		}
	}
	path = expandHome(path)

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if explicit {
			return Config{}, path, fmt.Errorf("config file %s does not exist", path)
		}
		fmt.Fprintf(notice, "First run detected, creating the config at %s\n", path)
		if err := createDefault(path); err != nil {
			return Config{}, path, err
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, path, fmt.Errorf("failed to read the config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, path, fmt.Errorf("%s: %w", path, err)
	}
	applyEnv(&cfg, getenv)
	if err := cfg.Validate(); err != nil {
		return Config{}, path, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, path, nil
}

// Parse decodes YAML over DefaultConfig. Unknown keys are rejected. The
// result is not validated.
func Parse(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if len(bytes.TrimSpace(data)) == 0 {
		return cfg, nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Validate checks struct tags.
func (c Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %q", strings.TrimPrefix(fe.Namespace(), "Config."), fe.Tag()))
	}
	return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(msgs, "; "))
}

func applyEnv(cfg *Config, getenv func(string) string) {
	if v := getenv(EnvServerURL); v != "" {
		cfg.Client.BaseURL = v
	}
	if v := getenv(EnvOTLPEndpoint); v != "" {
		// The SDK convention carries a scheme; the gRPC dialer wants host:port.
		v = strings.TrimPrefix(strings.TrimPrefix(v, "http://"), "https://")
		cfg.Tracing.Endpoint = v
	}
}

func createDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0640)
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
