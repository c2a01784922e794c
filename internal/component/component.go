// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

// Package component holds the identifiers, lifecycle contract and factory
// interface shared by receivers, processors and exporters.
package component

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/platformbuilds/telegen-gateway/internal/signal"
)

// Kind is the family of a component.
type Kind int

const (
	KindReceiver Kind = iota + 1
	KindProcessor
	KindExporter
)

func (k Kind) String() string {
	switch k {
	case KindReceiver:
		return "receiver"
	case KindProcessor:
		return "processor"
	case KindExporter:
		return "exporter"
	default:
		return "unknown"
	}
}

// Type is the registered type name of a component, e.g. "otlp" or "batch".
type Type string

var typeRegexp = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]*$`)

// ID identifies a configured component instance as "type[/name]".
type ID struct {
	Type Type
	Name string
}

// NewID returns an ID with an empty name.
func NewID(t Type) ID { return ID{Type: t} }

// NewIDWithName returns an ID with the given instance name.
func NewIDWithName(t Type, name string) ID { return ID{Type: t, Name: name} }

// ParseID parses "type" or "type/name".
func ParseID(s string) (ID, error) {
	s = strings.TrimSpace(s)
	typ, name, hasName := strings.Cut(s, "/")
	if !typeRegexp.MatchString(typ) {
		return ID{}, fmt.Errorf("invalid component type in %q", s)
	}
	if hasName && strings.TrimSpace(name) == "" {
		return ID{}, fmt.Errorf("empty name in component id %q", s)
	}
	return ID{Type: Type(typ), Name: name}, nil
}

func (id ID) String() string {
	if id.Name == "" {
		return string(id.Type)
	}
	return string(id.Type) + "/" + id.Name
}

// MarshalText implements encoding.TextMarshaler.
func (id ID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

// PipelineID identifies a pipeline as "traces|metrics|logs[/name]".
type PipelineID struct {
	Signal signal.Type
	Name   string
}

// ParsePipelineID parses a pipeline key from the service section.
func ParsePipelineID(s string) (PipelineID, error) {
	typ, name, hasName := strings.Cut(strings.TrimSpace(s), "/")
	st, err := signal.ParseType(typ)
	if err != nil {
		return PipelineID{}, fmt.Errorf("pipeline %q: %w", s, err)
	}
	if hasName && name == "" {
		return PipelineID{}, fmt.Errorf("empty name in pipeline id %q", s)
	}
	return PipelineID{Signal: st, Name: name}, nil
}

func (p PipelineID) String() string {
	if p.Name == "" {
		return p.Signal.String()
	}
	return p.Signal.String() + "/" + p.Name
}

// Component is the lifecycle contract every built component follows.
type Component interface {
	// Start brings the component to Running. It must not block.
	Start(ctx context.Context, host Host) error
	// Shutdown drains in-flight work until ctx is done and stops the component.
	Shutdown(ctx context.Context) error
}

// Host is what a running component may ask of the service.
type Host interface {
	// ReportStatus records the health of a component, e.g. a pull receiver
	// that can no longer reach its target. A nil err marks it healthy.
	ReportStatus(id ID, err error)
}

// Config is implemented by every typed component configuration.
type Config interface {
	Validate() error
}

// Factory is the common part of receiver, processor and exporter factories.
type Factory interface {
	Type() Type
	// CreateDefaultConfig returns a pointer to the typed config with defaults
	// applied. The YAML node of the component is decoded on top of it.
	CreateDefaultConfig() Config
	// Supports reports whether the component can be used in a pipeline of
	// the given signal type.
	Supports(t signal.Type) bool
}

// SignalSet is a helper to implement Factory.Supports.
type SignalSet []signal.Type

// Supports reports whether t is in the set.
func (s SignalSet) Supports(t signal.Type) bool {
	for _, x := range s {
		if x == t {
			return true
		}
	}
	return false
}

// NopHost ignores status reports.
type NopHost struct{}

func (NopHost) ReportStatus(ID, error) {}
