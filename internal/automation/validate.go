package automation

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidDefinition is wrapped by every definition validation error.
var ErrInvalidDefinition = errors.New("invalid definition")

func validateTriggers(triggers []TriggerRule) error {
	for i, rule := range triggers {
		if strings.TrimSpace(rule.Source) == "" {
			return fmt.Errorf("%w: trigger %d has no source", ErrInvalidDefinition, i)
		}
		if rule.IsCron() && len(rule.Events) > 0 {
			return fmt.Errorf("%w: trigger %d mixes schedule and events", ErrInvalidDefinition, i)
		}
	}
	return nil
}

// Validate checks the fields every skill needs.
func (s *Skill) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("%w: skill name is required", ErrInvalidDefinition)
	}
	if strings.TrimSpace(s.Instructions) == "" {
		return fmt.Errorf("%w: skill %q has no instructions", ErrInvalidDefinition, s.Name)
	}
	return validateTriggers(s.Triggers)
}

// Validate checks the fields every workflow needs.
func (w *Workflow) Validate() error {
	if strings.TrimSpace(w.Name) == "" {
		return fmt.Errorf("%w: workflow name is required", ErrInvalidDefinition)
	}
	if strings.TrimSpace(w.Instructions) == "" {
		return fmt.Errorf("%w: workflow %q has no instructions", ErrInvalidDefinition, w.Name)
	}
	return validateTriggers(w.Triggers)
}
