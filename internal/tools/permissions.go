package tools

import (
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/KafClaw/autoflow/internal/automation"
)

// IsToolAllowed applies deny-over-allow glob permissions to a namespaced
// tool name. An empty allow list allows everything not denied.
func IsToolAllowed(name string, perms automation.ToolPermissions) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return false
	}
	for _, pattern := range perms.Deny {
		if matchToolPattern(name, pattern) {
			return false
		}
	}
	if len(perms.Allow) == 0 {
		return true
	}
	for _, pattern := range perms.Allow {
		if matchToolPattern(name, pattern) {
			return true
		}
	}
	return false
}

func matchToolPattern(name, pattern string) bool {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return false
	}
	if pattern == "*" || pattern == name {
		return true
	}
	ok, err := doublestar.Match(pattern, name)
	return err == nil && ok
}
