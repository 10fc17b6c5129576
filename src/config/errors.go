package config

import "strings"

// FieldError names one environment key and what is wrong with it.
type FieldError struct {
	Key     string
	Problem string
}

// ConfigError is returned by Parse when one or more settings are missing or
// invalid. It is startup-fatal.
type ConfigError struct {
	Fields []FieldError
}

func (e *ConfigError) add(key, problem string) {
	e.Fields = append(e.Fields, FieldError{Key: key, Problem: problem})
}

// Has reports whether key was flagged.
func (e *ConfigError) Has(key string) bool {
	for _, f := range e.Fields {
		if f.Key == key {
			return true
		}
	}
	return false
}

func (e *ConfigError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Key+": "+f.Problem)
	}
	return "invalid configuration: " + strings.Join(parts, "; ")
}
