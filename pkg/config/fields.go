package config

import (
	"fmt"
	"reflect"
	"strings"
	"sync"
)

// setting is one leaf of Config addressed by its koanf path.
type setting struct {
	path      string
	env       string
	sensitive bool
	index     []int
}

var (
	settingsOnce sync.Once
	settingList  []setting
)

func settings() []setting {
	settingsOnce.Do(func() {
		settingList = walkSettings(reflect.TypeFor[Config](), "", nil)
	})
	return settingList
}

func walkSettings(t reflect.Type, prefix string, index []int) []setting {
	var out []setting
	for i := range t.NumField() {
		f := t.Field(i)
		name := f.Tag.Get("koanf")
		if !f.IsExported() || name == "" || name == "-" {
			continue
		}
		path := name
		if prefix != "" {
			path = prefix + "." + name
		}
		idx := append(append([]int(nil), index...), i)
		if f.Type.Kind() == reflect.Struct && f.Type.PkgPath() != "time" {
			out = append(out, walkSettings(f.Type, path, idx)...)
			continue
		}
		out = append(out, setting{
			path:      path,
			env:       f.Tag.Get("env"),
			sensitive: f.Type == reflect.TypeFor[SensitiveString]() || f.Tag.Get("sensitive") == "true",
			index:     idx,
		})
	}
	return out
}

// envPaths maps every bound environment variable to its config path.
func envPaths() map[string]string {
	out := make(map[string]string)
	for _, s := range settings() {
		if s.env != "" && s.env != "-" {
			out[s.env] = s.path
		}
	}
	return out
}

// EnvVar returns the environment variable bound to path, or "" when none is.
func EnvVar(path string) string {
	for _, s := range settings() {
		if s.path == path {
			return s.env
		}
	}
	return ""
}

// Settings flattens cfg into path/value pairs for display. Secrets that are
// set show as [REDACTED].
func Settings(cfg *Config) map[string]any {
	v := reflect.ValueOf(cfg).Elem()
	out := make(map[string]any, len(settings()))
	for _, s := range settings() {
		value := v.FieldByIndex(s.index)
		if s.sensitive {
			if value.IsZero() {
				out[s.path] = ""
			} else {
				out[s.path] = redacted
			}
			continue
		}
		out[s.path] = value.Interface()
	}
	return out
}

// describe names a setting the way an operator would set it.
func describe(path string) string {
	if env := EnvVar(path); env != "" {
		return fmt.Sprintf("%s (%s)", path, env)
	}
	return path
}

func requires(what string, paths ...string) error {
	names := make([]string, len(paths))
	for i, p := range paths {
		names[i] = describe(p)
	}
	return fmt.Errorf("%s requires %s", what, strings.Join(names, ", "))
}
