// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

package processor

import (
	"github.com/platformbuilds/telegen-gateway/internal/component"
	"github.com/platformbuilds/telegen-gateway/internal/consumer"
	"github.com/platformbuilds/telegen-gateway/internal/signal"
)

// AttributesConfig configures the attributes processor.
type AttributesConfig struct {
	Actions []ActionConfig `yaml:"actions"`
}

// Validate implements component.Config.
func (c *AttributesConfig) Validate() error { return validateActions(c.Actions) }

// NewAttributesFactory returns the factory for the "attributes" processor,
// which edits signal attributes.
func NewAttributesFactory() Factory {
	return &factory{
		typ:     "attributes",
		signals: allSignals,
		def:     func() component.Config { return &AttributesConfig{} },
		create: func(set Settings, cfg component.Config, next consumer.Consumer) (Processor, error) {
			actions := cfg.(*AttributesConfig).Actions
			return newPerSignal(set, next, "attributes", func(s *signal.Signal) (bool, error) {
				attrs, err := applyActions(actions, s.Attributes)
				s.Attributes = attrs
				return true, err
			}), nil
		},
	}
}

// ResourceConfig configures the resource processor.
type ResourceConfig struct {
	Attributes []ActionConfig `yaml:"attributes"`
}

// Validate implements component.Config.
func (c *ResourceConfig) Validate() error { return validateActions(c.Attributes) }

// NewResourceFactory returns the factory for the "resource" processor, which
// edits the resource descriptor of every signal.
func NewResourceFactory() Factory {
	return &factory{
		typ:     "resource",
		signals: allSignals,
		def:     func() component.Config { return &ResourceConfig{} },
		create: func(set Settings, cfg component.Config, next consumer.Consumer) (Processor, error) {
			actions := cfg.(*ResourceConfig).Attributes
			return newPerSignal(set, next, "resource", func(s *signal.Signal) (bool, error) {
				res, err := applyActions(actions, s.Resource)
				s.Resource = res
				return true, err
			}), nil
		},
	}
}
