package config

import (
	"encoding/json"
	"reflect"
)

// ChangedSections lists the top-level sections (by their file key) that differ
// between a and b. A nil a reports every section.
func ChangedSections(a, b *Config) []string {
	if b == nil {
		return nil
	}
	if a == nil {
		a = &Config{}
	}
	va, vb := reflect.ValueOf(a).Elem(), reflect.ValueOf(b).Elem()
	t := va.Type()
	var out []string
	for i := 0; i < t.NumField(); i++ {
		if sameJSON(va.Field(i).Interface(), vb.Field(i).Interface()) {
			continue
		}
		out = append(out, jsonName(t.Field(i)))
	}
	return out
}

// RestartRequired reports whether a change touches sections that are only read
// at startup. Logging, scheduler and dispatch apply live.
func RestartRequired(a, b *Config) bool {
	for _, s := range ChangedSections(a, b) {
		switch s {
		case "logging", "scheduler", "dispatch":
		default:
			return true
		}
	}
	return false
}

func sameJSON(x, y any) bool {
	bx, errx := json.Marshal(x)
	by, erry := json.Marshal(y)
	if errx != nil || erry != nil {
		return reflect.DeepEqual(x, y)
	}
	return string(bx) == string(by)
}

func jsonName(f reflect.StructField) string {
	tag := f.Tag.Get("json")
	for i := 0; i < len(tag); i++ {
		if tag[i] == ',' {
			tag = tag[:i]
			break
		}
	}
	if tag == "" {
		return f.Name
	}
	return tag
}
