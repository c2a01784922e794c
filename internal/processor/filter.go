// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

package processor

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/platformbuilds/telegen-gateway/internal/component"
	"github.com/platformbuilds/telegen-gateway/internal/consumer"
	"github.com/platformbuilds/telegen-gateway/internal/signal"
)

// Match types for filter properties.
const (
	MatchStrict = "strict"
	MatchRegexp = "regexp"
)

// KeyValue is an attribute condition.
type KeyValue struct {
	Key   string `yaml:"key"`
	Value string `yaml:"value"`
}

// MatchConfig describes which signals match. All configured categories must
// hold; within names and severity texts any entry may match; every listed
// attribute must match.
type MatchConfig struct {
	MatchType          string     `yaml:"match_type"`
	Names              []string   `yaml:"names"`
	Attributes         []KeyValue `yaml:"attributes"`
	ResourceAttributes []KeyValue `yaml:"resource_attributes"`
	SeverityTexts      []string   `yaml:"severity_texts"`
	MinSeverityNumber  int32      `yaml:"min_severity_number"`
}

// FilterConfig configures the filter processor. Signals must match include
// (when set) and must not match exclude (when set).
type FilterConfig struct {
	Include *MatchConfig `yaml:"include"`
	Exclude *MatchConfig `yaml:"exclude"`
}

// Validate implements component.Config.
func (c *FilterConfig) Validate() error {
	if c.Include == nil && c.Exclude == nil {
		return errors.New("one of include or exclude is required")
	}
	for name, m := range map[string]*MatchConfig{"include": c.Include, "exclude": c.Exclude} {
		if m == nil {
			continue
		}
		if _, err := compileMatcher(m); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// NewFilterFactory returns the factory for the "filter" processor.
func NewFilterFactory() Factory {
	return &factory{
		typ:     "filter",
		signals: allSignals,
		def:     func() component.Config { return &FilterConfig{} },
		create: func(set Settings, cfg component.Config, next consumer.Consumer) (Processor, error) {
			c := cfg.(*FilterConfig)
			var include, exclude *matcher
			var err error
			if c.Include != nil {
				if include, err = compileMatcher(c.Include); err != nil {
					return nil, err
				}
			}
			if c.Exclude != nil {
				if exclude, err = compileMatcher(c.Exclude); err != nil {
					return nil, err
				}
			}
			return newPerSignal(set, next, "filtered", func(s *signal.Signal) (bool, error) {
				if include != nil && !include.match(s) {
					return false, nil
				}
				if exclude != nil && exclude.match(s) {
					return false, nil
				}
				return true, nil
			}), nil
		},
	}
}

type stringMatcher func(string) bool

type kvMatcher struct {
	key   string
	value stringMatcher
}

type matcher struct {
	names         []stringMatcher
	attributes    []kvMatcher
	resource      []kvMatcher
	severityTexts []stringMatcher
	minSeverity   int32
}

func compileMatcher(m *MatchConfig) (*matcher, error) {
	compile := func(pattern string) (stringMatcher, error) {
		switch m.MatchType {
		case "", MatchStrict:
			return func(s string) bool { return s == pattern }, nil
		case MatchRegexp:
			re, err := regexp.Compile(pattern)
			if err != nil {
				return nil, err
			}
			return re.MatchString, nil
		default:
			return nil, fmt.Errorf("unknown match_type %q", m.MatchType)
		}
	}
	compileAll := func(patterns []string) ([]stringMatcher, error) {
		out := make([]stringMatcher, 0, len(patterns))
		for _, p := range patterns {
			sm, err := compile(p)
			if err != nil {
				return nil, err
			}
			out = append(out, sm)
		}
		return out, nil
	}
	compileKVs := func(kvs []KeyValue) ([]kvMatcher, error) {
		out := make([]kvMatcher, 0, len(kvs))
		for _, kv := range kvs {
			if kv.Key == "" {
				return nil, errors.New("attribute condition without key")
			}
			sm, err := compile(kv.Value)
			if err != nil {
				return nil, err
			}
			out = append(out, kvMatcher{key: kv.Key, value: sm})
		}
		return out, nil
	}

	var (
		out matcher
		err error
	)
	if out.names, err = compileAll(m.Names); err != nil {
		return nil, err
	}
	if out.severityTexts, err = compileAll(m.SeverityTexts); err != nil {
		return nil, err
	}
	if out.attributes, err = compileKVs(m.Attributes); err != nil {
		return nil, err
	}
	if out.resource, err = compileKVs(m.ResourceAttributes); err != nil {
		return nil, err
	}
	out.minSeverity = m.MinSeverityNumber
	if len(out.names)+len(out.severityTexts)+len(out.attributes)+len(out.resource) == 0 && out.minSeverity == 0 {
		return nil, errors.New("no match properties configured")
	}
	return &out, nil
}

func (m *matcher) match(s *signal.Signal) bool {
	if len(m.names) > 0 && !anyMatch(m.names, nameOf(s)) {
		return false
	}
	if !kvMatch(m.attributes, s.Attributes) || !kvMatch(m.resource, s.Resource) {
		return false
	}
	if len(m.severityTexts) > 0 || m.minSeverity > 0 {
		if s.Log == nil {
			return false
		}
		if len(m.severityTexts) > 0 && !anyMatch(m.severityTexts, s.Log.SeverityText) {
			return false
		}
		if s.Log.SeverityNumber < m.minSeverity {
			return false
		}
	}
	return true
}

// nameOf returns the span or metric name. Logs match names against the body.
func nameOf(s *signal.Signal) string {
	if s.Log != nil {
		return s.Log.Body
	}
	return s.Name()
}

func anyMatch(ms []stringMatcher, v string) bool {
	for _, m := range ms {
		if m(v) {
			return true
		}
	}
	return false
}

func kvMatch(kvs []kvMatcher, attrs signal.Attributes) bool {
	for _, kv := range kvs {
		v, ok := attrs.GetString(kv.key)
		if !ok || !kv.value(v) {
			return false
		}
	}
	return true
}
