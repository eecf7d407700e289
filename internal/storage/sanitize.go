package storage

import (
	"path"
	"regexp"
	"strings"
)

const (
	maxNameLength = 128
	fallbackName  = "upload"
)

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// SanitizeName reduces a client-supplied filename to a safe display token: the base
// name only, restricted to [A-Za-z0-9._-], without leading dots or underscores.
func SanitizeName(name string) string {
	name = strings.ReplaceAll(name, `\`, "/")
	name = path.Base(name)
	name = unsafeNameChars.ReplaceAllString(name, "_")
	name = strings.TrimLeft(name, "._")
	if len(name) > maxNameLength {
		name = name[len(name)-maxNameLength:]
		name = strings.TrimLeft(name, "._")
	}
	if name == "" {
		return fallbackName
	}
	return name
}
