// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"log/slog"
	"time"

	"github.com/AleutianAI/variantlink/pkg/logging"
	"github.com/AleutianAI/variantlink/services/variantlink/catalog"
	badgerstore "github.com/AleutianAI/variantlink/services/variantlink/storage/badger"
	"github.com/AleutianAI/variantlink/services/variantlink/telemetry"
)

// Config is the variantlink.yaml file.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	Client    ClientConfig    `yaml:"client"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	Logging   LoggingConfig   `yaml:"logging"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

// ServerConfig configures `variantlink serve`.
type ServerConfig struct {
	Addr         string        `yaml:"addr" validate:"required,hostname_port"`
	ReadTimeout  time.Duration `yaml:"read_timeout" validate:"gte=0"`
	WriteTimeout time.Duration `yaml:"write_timeout" validate:"gte=0"`
}

// StoreConfig configures the Badger catalog store.
type StoreConfig struct {
	Path              string        `yaml:"path" validate:"required_unless=InMemory true"`
	InMemory          bool          `yaml:"in_memory"`
	SyncWrites        bool          `yaml:"sync_writes"`
	StrictExclusivity bool          `yaml:"strict_exclusivity"`
	GCInterval        time.Duration `yaml:"gc_interval" validate:"gte=0"`
}

// ClientConfig configures the HTTP client used by show, check, diff, apply
// and edit.
type ClientConfig struct {
	BaseURL           string        `yaml:"base_url" validate:"required,url"`
	Timeout           time.Duration `yaml:"timeout" validate:"gt=0"`
	RequestsPerSecond float64       `yaml:"requests_per_second" validate:"gte=0"`
	Burst             int           `yaml:"burst" validate:"gte=0"`
}

// ReconcileConfig tunes the reconciler.
type ReconcileConfig struct {
	// MaxParallelSourceUnlinks bounds concurrent unlinks from move sources.
	// 0 means one call per source option, all at once.
	MaxParallelSourceUnlinks int `yaml:"max_parallel_source_unlinks" validate:"gte=0,lte=64"`
}

// LoggingConfig configures pkg/logging.
type LoggingConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn warning error"`
	Dir   string `yaml:"dir"`
	JSON  bool   `yaml:"json"`
}

// TracingConfig selects the trace exporter.
type TracingConfig struct {
	Exporter    string `yaml:"exporter" validate:"oneof=none stdout otlp"`
	Endpoint    string `yaml:"endpoint" validate:"required_if=Exporter otlp"`
	ServiceName string `yaml:"service_name" validate:"required"`
}

// DefaultConfig returns the configuration written on first run.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Addr:         "127.0.0.1:8088",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 60 * time.Second,
		},
		Store: StoreConfig{
			Path:       "~/.variantlink/data",
			SyncWrites: true,
			GCInterval: 5 * time.Minute,
		},
		Client: ClientConfig{
			BaseURL:           "http://127.0.0.1:8088",
			Timeout:           catalog.DefaultClientTimeout,
			RequestsPerSecond: 20,
			Burst:             10,
		},
		Reconcile: ReconcileConfig{
			MaxParallelSourceUnlinks: 4,
		},
		Logging: LoggingConfig{
			Level: "info",
			Dir:   "~/.variantlink/logs",
		},
		Tracing: TracingConfig{
			Exporter:    telemetry.ExporterNone,
			Endpoint:    "localhost:4317",
			ServiceName: "variantlink",
		},
	}
}

// Badger converts the store section.
func (c StoreConfig) Badger(logger *slog.Logger) badgerstore.Config {
	cfg := badgerstore.DefaultConfig()
	if c.InMemory {
		cfg = badgerstore.InMemoryConfig()
	}
	cfg.Path = expandHome(c.Path)
	cfg.SyncWrites = c.SyncWrites && !c.InMemory
	if c.GCInterval > 0 {
		cfg.GCInterval = c.GCInterval
	}
	cfg.Logger = logger
	return cfg
}

// Catalog converts the client section.
func (c ClientConfig) Catalog(logger *slog.Logger) catalog.ClientConfig {
	return catalog.ClientConfig{
		BaseURL:           c.BaseURL,
		Timeout:           c.Timeout,
		RequestsPerSecond: c.RequestsPerSecond,
		Burst:             c.Burst,
		Logger:            logger,
	}
}

// Logging converts the logging section for the given service name.
func (c LoggingConfig) Logging(service string) (logging.Config, error) {
	level, err := logging.ParseLevel(c.Level)
	if err != nil {
		return logging.Config{}, err
	}
	return logging.Config{
		Level:   level,
		LogDir:  c.Dir,
		Service: service,
		JSON:    c.JSON,
	}, nil
}

// Telemetry converts the tracing section.
func (c TracingConfig) Telemetry(version string) telemetry.Config {
	return telemetry.Config{
		ServiceName:    c.ServiceName,
		ServiceVersion: version,
		Exporter:       c.Exporter,
		Endpoint:       c.Endpoint,
	}
}
