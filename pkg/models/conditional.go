// Package models defines the core domain models for the approval workflow engine.
package models

import (
	"fmt"
	"strconv"
)

// SkipPredicateInterpreter evaluates stage skip predicates against document
// metadata values. A stage marked CanBeSkipped names a metadata key in
// SkipWhen; the stage is skipped when the value stored under that key is
// truthy. Absent or nil values never skip.
type SkipPredicateInterpreter struct{}

func (s SkipPredicateInterpreter) Evaluate(value any) (bool, error) {
	if value == nil {
		return false, nil
	}

	switch v := value.(type) {
	case bool:
		return v, nil
	case string:
		if v == "" {
			return false, nil
		}

		result, err := strconv.ParseBool(v)
		if err != nil {
			return false, fmt.Errorf("cannot convert string %q to boolean: %w", v, err)
		}

		return result, nil
	case int:
		return v != 0, nil
	case int64:
		return v != 0, nil
	case float64:
		return v != 0, nil
	default:
		return false, fmt.Errorf("cannot convert %T to boolean", value)
	}
}

// ShouldSkip reports whether the stage's skip predicate holds for the given
// document metadata.
func (s SkipPredicateInterpreter) ShouldSkip(def *StageDefinition, metadata map[string]any) (bool, error) {
	if def == nil || !def.CanBeSkipped || def.SkipWhen == "" {
		return false, nil
	}

	return s.Evaluate(metadata[def.SkipWhen])
}
