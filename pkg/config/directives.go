package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// DefaultBackendClass is used when neither a directive file nor
// LDAP_BACKEND names a class
const DefaultBackendClass = "sqlite"

// BackendConfig is the backend selection and its settings. Every list keeps
// directive order.
type BackendConfig struct {
	Class      string
	LibPath    []string
	ClassPath  []string
	Properties []Property
	Options    []string
	Source     string // directive file, empty when built from defaults
}

// Property is one name/value backend setting
type Property struct {
	Name  string
	Value string
}

// Property returns the last value set for name
func (b *BackendConfig) Property(name string) (string, bool) {
	for i := len(b.Properties) - 1; i >= 0; i-- {
		if strings.EqualFold(b.Properties[i].Name, name) {
			return b.Properties[i].Value, true
		}
	}
	return "", false
}

// PropertyOr returns the property value or a default
func (b *BackendConfig) PropertyOr(name, defaultValue string) string {
	if v, ok := b.Property(name); ok {
		return v
	}
	return defaultValue
}

// Option returns the value of a key=value option. A bare option reports
// an empty value.
func (b *BackendConfig) Option(key string) (string, bool) {
	for i := len(b.Options) - 1; i >= 0; i-- {
		k, v, _ := strings.Cut(b.Options[i], "=")
		if strings.EqualFold(strings.TrimSpace(k), key) {
			return strings.TrimSpace(v), true
		}
	}
	return "", false
}

// SearchPath returns classpath entries followed by libpath entries
func (b *BackendConfig) SearchPath() []string {
	path := make([]string, 0, len(b.ClassPath)+len(b.LibPath))
	path = append(path, b.ClassPath...)
	return append(path, b.LibPath...)
}

// Resolve finds a relative file on the search path. Absolute names and
// names not found anywhere are returned unchanged.
func (b *BackendConfig) Resolve(name string) string {
	if name == "" || filepath.IsAbs(name) {
		return name
	}
	for _, dir := range b.SearchPath() {
		candidate := filepath.Join(dir, name)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return name
}

// LoadDirectives reads a backend directive file
func LoadDirectives(path string) (*BackendConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open backend config: %w", err)
	}
	defer f.Close()

	bc, err := ParseDirectives(f, path)
	if err != nil {
		return nil, err
	}

	// relative search path entries are relative to the file
	base := filepath.Dir(path)
	for i, p := range bc.LibPath {
		if !filepath.IsAbs(p) {
			bc.LibPath[i] = filepath.Join(base, p)
		}
	}
	for i, p := range bc.ClassPath {
		if !filepath.IsAbs(p) {
			bc.ClassPath[i] = filepath.Join(base, p)
		}
	}
	return bc, nil
}

// ParseDirectives parses directive lines:
//
//	class     <name>
//	libpath   <dir>
//	classpath <dir>
//	property  <name> <value>
//	option    <raw>
//
// Blank lines and lines starting with # are ignored.
func ParseDirectives(r io.Reader, name string) (*BackendConfig, error) {
	bc := &BackendConfig{Class: DefaultBackendClass, Source: name}

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		directive, rest := line, ""
		if i := strings.IndexAny(line, " \t"); i >= 0 {
			directive, rest = line[:i], line[i+1:]
		}
		rest = strings.TrimSpace(rest)

		fail := func(format string, args ...any) error {
			return fmt.Errorf("%s:%d: %s", name, lineNo, fmt.Sprintf(format, args...))
		}

		switch strings.ToLower(directive) {
		case "class":
			if rest == "" {
				return nil, fail("missing class name in \"class <name>\" line")
			}
			bc.Class = strings.ToLower(rest)
		case "libpath":
			if rest == "" {
				return nil, fail("missing path in \"libpath <path>\" line")
			}
			bc.LibPath = append(bc.LibPath, unquote(rest))
		case "classpath":
			if rest == "" {
				return nil, fail("missing path in \"classpath <path>\" line")
			}
			bc.ClassPath = append(bc.ClassPath, unquote(rest))
		case "property":
			fields := strings.Fields(rest)
			if len(fields) < 2 {
				return nil, fail("missing name or value in \"property <name> <value>\" line")
			}
			value := strings.TrimSpace(strings.TrimPrefix(rest, fields[0]))
			bc.Properties = append(bc.Properties, Property{Name: fields[0], Value: unquote(value)})
		case "option":
			if rest == "" {
				return nil, fail("missing value in \"option <value>\" line")
			}
			bc.Options = append(bc.Options, unquote(rest))
		default:
			return nil, fail("unknown directive %q", directive)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", name, err)
	}

	return bc, nil
}

func unquote(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}
