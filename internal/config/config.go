// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the gateway's YAML document: component sections are
// decoded into the typed configs of the registered factories, and pipelines
// are resolved against them. Any problem is reported as an *Error and the
// gateway does not start.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/platformbuilds/telegen-gateway/internal/component"
	"github.com/platformbuilds/telegen-gateway/internal/exporters"
	"github.com/platformbuilds/telegen-gateway/internal/processor"
	"github.com/platformbuilds/telegen-gateway/internal/receiver"
	"github.com/platformbuilds/telegen-gateway/internal/selftelemetry"
)

// Service defaults.
const (
	DefaultShutdownTimeout = 30 * time.Second
	DefaultQueueSize       = 1000
	DefaultEnqueueTimeout  = 100 * time.Millisecond
)

// Error is a configuration problem at Path, e.g. "service::pipelines::traces".
type Error struct {
	Path string
	Err  error
}

func (e *Error) Error() string { return e.Path + ": " + e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

func errorf(path, format string, args ...any) error {
	return &Error{Path: path, Err: fmt.Errorf(format, args...)}
}

// Factories is the closed set of component types the gateway can build.
type Factories struct {
	Receivers  map[component.Type]receiver.Factory
	Processors map[component.Type]processor.Factory
	Exporters  map[component.Type]exporters.Factory
}

// Config is a loaded and validated configuration.
type Config struct {
	Receivers  map[component.ID]component.Config
	Processors map[component.ID]component.Config
	Exporters  map[component.ID]component.Config
	Service    Service
}

// Service is the service section.
type Service struct {
	Telemetry       Telemetry
	ShutdownTimeout time.Duration
	Pipelines       map[component.PipelineID]*Pipeline
}

// Telemetry configures the gateway's own logs and metrics.
type Telemetry struct {
	Logs    selftelemetry.LogConfig `yaml:"logs"`
	Metrics MetricsConfig           `yaml:"metrics"`
}

// MetricsConfig configures the self-telemetry endpoint.
type MetricsConfig struct {
	Address   string `yaml:"address"`
	Namespace string `yaml:"namespace"`
}

// Pipeline binds receivers, an ordered processor chain and exporters for
// one signal type.
type Pipeline struct {
	Receivers  []component.ID
	Processors []component.ID
	Exporters  []component.ID
	// QueueSize bounds the batches waiting for the processor chain.
	QueueSize int
	// EnqueueTimeout bounds how long a receiver waits on a full queue.
	EnqueueTimeout time.Duration
}

// PipelineIDs returns the pipeline IDs in a stable order.
func (c *Config) PipelineIDs() []component.PipelineID {
	ids := make([]component.PipelineID, 0, len(c.Service.Pipelines))
	for id := range c.Service.Pipelines {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}

type rawConfig struct {
	Receivers  map[string]yaml.Node `yaml:"receivers"`
	Processors map[string]yaml.Node `yaml:"processors"`
	Exporters  map[string]yaml.Node `yaml:"exporters"`
	Service    rawService           `yaml:"service"`
}

type rawService struct {
	Telemetry       Telemetry               `yaml:"telemetry"`
	ShutdownTimeout time.Duration           `yaml:"shutdown_timeout"`
	Pipelines       map[string]*rawPipeline `yaml:"pipelines"`
}

type rawPipeline struct {
	Receivers      []string      `yaml:"receivers"`
	Processors     []string      `yaml:"processors"`
	Exporters      []string      `yaml:"exporters"`
	QueueSize      int           `yaml:"queue_size"`
	EnqueueTimeout time.Duration `yaml:"enqueue_timeout"`
}

// Load reads and resolves the configuration file at path.
func Load(path string, factories Factories) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data, factories)
}

// Parse resolves a configuration document. Environment references are
// expanded first. All problems found are returned together.
func Parse(data []byte, factories Factories) (*Config, error) {
	var raw rawConfig
	if err := decodeStrict(ExpandEnv(data), &raw); err != nil {
		return nil, &Error{Path: "config", Err: err}
	}

	cfg := &Config{
		Receivers:  make(map[component.ID]component.Config, len(raw.Receivers)),
		Processors: make(map[component.ID]component.Config, len(raw.Processors)),
		Exporters:  make(map[component.ID]component.Config, len(raw.Exporters)),
	}
	var errs error
	errs = multierr.Append(errs, decodeSection(component.KindReceiver, raw.Receivers, cfg.Receivers,
		func(t component.Type) (component.Factory, bool) { f, ok := factories.Receivers[t]; return f, ok }))
	errs = multierr.Append(errs, decodeSection(component.KindProcessor, raw.Processors, cfg.Processors,
		func(t component.Type) (component.Factory, bool) { f, ok := factories.Processors[t]; return f, ok }))
	errs = multierr.Append(errs, decodeSection(component.KindExporter, raw.Exporters, cfg.Exporters,
		func(t component.Type) (component.Factory, bool) { f, ok := factories.Exporters[t]; return f, ok }))

	svc, err := resolveService(raw.Service, cfg, factories)
	errs = multierr.Append(errs, err)
	if errs != nil {
		return nil, errs
	}
	cfg.Service = svc
	return cfg, nil
}

func decodeStrict(data []byte, out any) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func sectionName(k component.Kind) string { return k.String() + "s" }

// decodeSection decodes every component of one kind on top of its factory
// defaults and validates it.
func decodeSection(kind component.Kind, nodes map[string]yaml.Node, out map[component.ID]component.Config,
	lookup func(component.Type) (component.Factory, bool),
) error {
	var errs error
	for _, key := range sortedKeys(nodes) {
		path := sectionName(kind) + "::" + key
		id, err := component.ParseID(key)
		if err != nil {
			errs = multierr.Append(errs, &Error{Path: path, Err: err})
			continue
		}
		f, ok := lookup(id.Type)
		if !ok {
			errs = multierr.Append(errs, errorf(path, "unknown %s type %q", kind, id.Type))
			continue
		}
		if _, dup := out[id]; dup {
			errs = multierr.Append(errs, errorf(path, "duplicate %s id", kind))
			continue
		}
		cfg := f.CreateDefaultConfig()
		node := nodes[key]
		if err := decodeNode(&node, cfg); err != nil {
			errs = multierr.Append(errs, &Error{Path: path, Err: err})
			continue
		}
		if err := cfg.Validate(); err != nil {
			errs = multierr.Append(errs, &Error{Path: path, Err: err})
			continue
		}
		out[id] = cfg
	}
	return errs
}

// decodeNode decodes node into cfg rejecting unknown fields. An empty or
// null node keeps the defaults.
func decodeNode(node *yaml.Node, cfg component.Config) error {
	if node.Kind == 0 || (node.Kind == yaml.ScalarNode && node.Tag == "!!null") {
		return nil
	}
	data, err := yaml.Marshal(node)
	if err != nil {
		return err
	}
	return decodeStrict(data, cfg)
}

func resolveService(raw rawService, cfg *Config, factories Factories) (Service, error) {
	svc := Service{
		Telemetry:       raw.Telemetry,
		ShutdownTimeout: raw.ShutdownTimeout,
		Pipelines:       make(map[component.PipelineID]*Pipeline, len(raw.Pipelines)),
	}
	if svc.ShutdownTimeout == 0 {
		svc.ShutdownTimeout = DefaultShutdownTimeout
	}
	if svc.Telemetry.Metrics.Address == "" {
		svc.Telemetry.Metrics.Address = selftelemetry.DefaultAddress
	}

	var errs error
	if svc.ShutdownTimeout < 0 {
		errs = multierr.Append(errs, errorf("service::shutdown_timeout", "must not be negative"))
	}
	if _, err := selftelemetry.NewLogger(svc.Telemetry.Logs); err != nil {
		errs = multierr.Append(errs, &Error{Path: "service::telemetry::logs", Err: err})
	}
	if len(raw.Pipelines) == 0 {
		errs = multierr.Append(errs, errorf("service::pipelines", "at least one pipeline is required"))
	}
	for _, key := range sortedKeys(raw.Pipelines) {
		path := "service::pipelines::" + key
		id, err := component.ParsePipelineID(key)
		if err != nil {
			errs = multierr.Append(errs, &Error{Path: path, Err: err})
			continue
		}
		p, err := resolvePipeline(path, id, raw.Pipelines[key], cfg, factories)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		svc.Pipelines[id] = p
	}
	return svc, errs
}

func resolvePipeline(path string, id component.PipelineID, raw *rawPipeline, cfg *Config, factories Factories) (*Pipeline, error) {
	if raw == nil {
		return nil, errorf(path, "pipeline must not be empty")
	}
	p := &Pipeline{QueueSize: raw.QueueSize, EnqueueTimeout: raw.EnqueueTimeout}
	if p.QueueSize == 0 {
		p.QueueSize = DefaultQueueSize
	}
	if p.EnqueueTimeout == 0 {
		p.EnqueueTimeout = DefaultEnqueueTimeout
	}

	var errs error
	if p.QueueSize < 0 {
		errs = multierr.Append(errs, errorf(path+"::queue_size", "must be positive"))
	}
	if p.EnqueueTimeout < 0 {
		errs = multierr.Append(errs, errorf(path+"::enqueue_timeout", "must not be negative"))
	}
	if len(raw.Receivers) == 0 {
		errs = multierr.Append(errs, errorf(path+"::receivers", "at least one receiver is required"))
	}
	if len(raw.Exporters) == 0 {
		errs = multierr.Append(errs, errorf(path+"::exporters", "at least one exporter is required"))
	}

	resolve := func(kind component.Kind, names []string, configured map[component.ID]component.Config,
		supports func(component.Type) bool,
	) []component.ID {
		listPath := path + "::" + sectionName(kind)
		ids := make([]component.ID, 0, len(names))
		seen := make(map[component.ID]bool, len(names))
		for _, name := range names {
			cid, err := component.ParseID(name)
			if err != nil {
				errs = multierr.Append(errs, &Error{Path: listPath, Err: err})
				continue
			}
			if seen[cid] {
				errs = multierr.Append(errs, errorf(listPath, "%s %q listed twice", kind, cid))
				continue
			}
			seen[cid] = true
			if _, ok := configured[cid]; !ok {
				errs = multierr.Append(errs, errorf(listPath, "references %s %q which is not configured", kind, cid))
				continue
			}
			if !supports(cid.Type) {
				errs = multierr.Append(errs, errorf(listPath, "%s %q does not support %s", kind, cid, id.Signal))
				continue
			}
			ids = append(ids, cid)
		}
		return ids
	}
	p.Receivers = resolve(component.KindReceiver, raw.Receivers, cfg.Receivers, func(t component.Type) bool {
		f, ok := factories.Receivers[t]
		return ok && f.Supports(id.Signal)
	})
	p.Processors = resolve(component.KindProcessor, raw.Processors, cfg.Processors, func(t component.Type) bool {
		f, ok := factories.Processors[t]
		return ok && f.Supports(id.Signal)
	})
	p.Exporters = resolve(component.KindExporter, raw.Exporters, cfg.Exporters, func(t component.Type) bool {
		f, ok := factories.Exporters[t]
		return ok && f.Supports(id.Signal)
	})
	if errs != nil {
		return nil, errs
	}
	return p, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
