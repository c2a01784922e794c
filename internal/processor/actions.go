// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

package processor

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"

	"github.com/platformbuilds/telegen-gateway/internal/signal"
)

// ActionKind is an attribute edit operation.
type ActionKind string

const (
	// ActionInsert sets the key only when it is absent.
	ActionInsert ActionKind = "insert"
	// ActionUpdate sets the key only when it is present.
	ActionUpdate ActionKind = "update"
	// ActionUpsert always sets the key.
	ActionUpsert ActionKind = "upsert"
	// ActionDelete removes the key.
	ActionDelete ActionKind = "delete"
	// ActionHash replaces a present value with its SHA-256 hex digest.
	ActionHash ActionKind = "hash"
	// ActionConvert changes the type of a present value. A value that cannot
	// be converted fails the signal.
	ActionConvert ActionKind = "convert"
)

// ActionConfig is one configured edit.
type ActionConfig struct {
	Key           string     `yaml:"key"`
	Action        ActionKind `yaml:"action"`
	Value         any        `yaml:"value"`
	FromAttribute string     `yaml:"from_attribute"`
	ConvertedType string     `yaml:"converted_type"`
}

// Validate checks a single action.
func (a ActionConfig) Validate() error {
	if a.Key == "" {
		return errors.New("missing key")
	}
	switch a.Action {
	case ActionInsert, ActionUpdate, ActionUpsert:
		if a.Value == nil && a.FromAttribute == "" {
			return fmt.Errorf("action %s on %q needs value or from_attribute", a.Action, a.Key)
		}
		if a.Value != nil && a.FromAttribute != "" {
			return fmt.Errorf("action %s on %q: value and from_attribute are exclusive", a.Action, a.Key)
		}
	case ActionDelete, ActionHash:
	case ActionConvert:
		switch a.ConvertedType {
		case "int", "double", "string", "bool":
		default:
			return fmt.Errorf("action convert on %q: converted_type must be int, double, string or bool", a.Key)
		}
	default:
		return fmt.Errorf("unknown action %q on %q", a.Action, a.Key)
	}
	return nil
}

func validateActions(actions []ActionConfig) error {
	if len(actions) == 0 {
		return errors.New("at least one action is required")
	}
	for i, a := range actions {
		if err := a.Validate(); err != nil {
			return fmt.Errorf("actions[%d]: %w", i, err)
		}
	}
	return nil
}

// applyActions runs actions in order over attrs. Later actions see the
// effect of earlier ones.
func applyActions(actions []ActionConfig, attrs signal.Attributes) (signal.Attributes, error) {
	if attrs == nil {
		attrs = signal.Attributes{}
	}
	for _, a := range actions {
		_, present := attrs[a.Key]
		switch a.Action {
		case ActionInsert:
			if v, ok := a.source(attrs); ok && !present {
				attrs[a.Key] = v
			}
		case ActionUpdate:
			if v, ok := a.source(attrs); ok && present {
				attrs[a.Key] = v
			}
		case ActionUpsert:
			if v, ok := a.source(attrs); ok {
				attrs[a.Key] = v
			}
		case ActionDelete:
			delete(attrs, a.Key)
		case ActionHash:
			if present {
				sum := sha256.Sum256([]byte(signal.ValueString(attrs[a.Key])))
				attrs[a.Key] = hex.EncodeToString(sum[:])
			}
		case ActionConvert:
			if present {
				v, err := convert(attrs[a.Key], a.ConvertedType)
				if err != nil {
					return attrs, fmt.Errorf("convert %q: %w", a.Key, err)
				}
				attrs[a.Key] = v
			}
		}
	}
	return attrs, nil
}

func (a ActionConfig) source(attrs signal.Attributes) (any, bool) {
	if a.FromAttribute != "" {
		v, ok := attrs[a.FromAttribute]
		return v, ok
	}
	return normalize(a.Value), true
}

// normalize maps YAML-decoded scalars onto attribute value types.
func normalize(v any) any {
	switch t := v.(type) {
	case int:
		return int64(t)
	case int32:
		return int64(t)
	case uint64:
		return int64(t)
	case float32:
		return float64(t)
	default:
		return v
	}
}

func convert(v any, to string) (any, error) {
	s := signal.ValueString(v)
	switch to {
	case "int":
		switch t := v.(type) {
		case int64:
			return t, nil
		case float64:
			return int64(t), nil
		case bool:
			if t {
				return int64(1), nil
			}
			return int64(0), nil
		}
		return strconv.ParseInt(s, 10, 64)
	case "double":
		switch t := v.(type) {
		case float64:
			return t, nil
		case int64:
			return float64(t), nil
		}
		return strconv.ParseFloat(s, 64)
	case "bool":
		if b, ok := v.(bool); ok {
			return b, nil
		}
		return strconv.ParseBool(s)
	default:
		return s, nil
	}
}
