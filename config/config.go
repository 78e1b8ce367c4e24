// Package config reads the YAML configuration of the kv command.
package config

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"unicode/utf8"

	"go.miragespace.co/kv"
	"go.miragespace.co/kv/schema"

	"github.com/docker/go-units"
	"github.com/spf13/afero"
	yaml "gopkg.in/yaml.v2"
)

const (
	DefaultListen      = ":8000"
	DefaultMaxBodySize = 32 * units.MiB
	DefaultType        = "bytes"
)

// Types lists the payload types a served store can be restricted to.
var Types = []string{"bytes", "str", "int", "float", "bool", "dict", "list", "set"}

// Meta is the whole configuration file.
type Meta struct {
	Server Server `yaml:"server"`
	// Stores maps names to connection strings. Scripts see them as kv.<name>.
	Stores map[string]string `yaml:"stores"`
}

// Server configures "kv serve".
type Server struct {
	// Store is the connection string of the served store.
	Store  string
	Listen string
	Token  string
	Secret string
	// MaxBodySize caps insert payloads, in bytes.
	MaxBodySize int64
	// Type restricts inserted payloads to one of Types.
	Type string
	// Schema is the path of a JSON Schema inserted payloads must satisfy.
	Schema string
}

// UnmarshalYAML parses the server section. maxBodySize accepts human
// readable sizes such as "512KiB" or "10MB".
func (s *Server) UnmarshalYAML(unmarshal func(interface{}) error) error {
	v := make(map[string]string)
	if err := unmarshal(&v); err != nil {
		return fmt.Errorf("can't parse the server section: %v", err)
	}

	s.Store = v["store"]
	s.Listen = v["listen"]
	s.Token = v["token"]
	s.Secret = v["secret"]
	s.Type = v["type"]
	s.Schema = v["schema"]

	if size, ok := v["maxBodySize"]; ok {
		n, err := units.RAMInBytes(size)
		if err != nil {
			return fmt.Errorf("can't parse maxBodySize %q: %v", size, err)
		}
		s.MaxBodySize = n
	}
	return nil
}

// CheckAndSetDefaults validates s and either returns a copy of s with default
// settings applied or returns an error due to an invalid configuration
func (s *Server) CheckAndSetDefaults() (Server, error) {
	c := *s
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.MaxBodySize < 0 {
		return Server{}, errors.New("maxBodySize cannot be negative")
	}
	if c.MaxBodySize == 0 {
		c.MaxBodySize = DefaultMaxBodySize
	}
	if c.Type == "" {
		c.Type = DefaultType
	}
	if !validType(c.Type) {
		return Server{}, fmt.Errorf("unsupported type %q, expected one of %s", c.Type, strings.Join(Types, ", "))
	}
	if c.Schema != "" && c.Type != DefaultType {
		return Server{}, errors.New("schema and type are mutually exclusive")
	}
	return c, nil
}

// CheckAndSetDefaults validates m and either returns a copy of m with default
// settings applied or returns an error due to an invalid configuration
func (m *Meta) CheckAndSetDefaults() (Meta, error) {
	c := Meta{}

	s, err := m.Server.CheckAndSetDefaults()
	if err != nil {
		return Meta{}, err
	}
	c.Server = s

	c.Stores = make(map[string]string, len(m.Stores))
	for name, uri := range m.Stores {
		if name == "" {
			return Meta{}, errors.New("store names cannot be empty")
		}
		if strings.TrimSpace(uri) == "" {
			return Meta{}, fmt.Errorf("store %q has no connection string", name)
		}
		c.Stores[name] = uri
	}
	return c, nil
}

// StoreNames returns the configured store names in lexical order.
func (m *Meta) StoreNames() []string {
	names := make([]string, 0, len(m.Stores))
	for name := range m.Stores {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Parse decodes a YAML configuration. It does not apply defaults.
func Parse(r io.Reader) (*Meta, error) {
	var m Meta
	if err := yaml.NewDecoder(r).Decode(&m); err != nil {
		return &Meta{}, fmt.Errorf("can't read the config file as YAML: %v", err)
	}
	return &m, nil
}

// Load reads and validates the configuration file at path.
func Load(fs afero.Fs, path string) (Meta, error) {
	f, err := fs.Open(path)
	if err != nil {
		return Meta{}, fmt.Errorf("opening config: %w", err)
	}
	defer f.Close()

	m, err := Parse(f)
	if err != nil {
		return Meta{}, err
	}
	return m.CheckAndSetDefaults()
}

// Validator returns the payload check the server applies on insert, or nil
// when payloads are unrestricted. The schema file is read from fs.
func (s *Server) Validator(fs afero.Fs) (func([]byte) error, error) {
	if s.Schema != "" {
		data, err := afero.ReadFile(fs, s.Schema)
		if err != nil {
			return nil, fmt.Errorf("reading schema: %w", err)
		}
		sch, err := schema.Parse(data)
		if err != nil {
			return nil, err
		}
		return kv.Validator(sch.Codec()), nil
	}
	return TypeValidator(s.Type)
}

// TypeValidator returns the check for payloads of the named type. "bytes"
// accepts everything and yields nil.
func TypeValidator(name string) (func([]byte) error, error) {
	switch name {
	case "", "bytes":
		return nil, nil
	case "str":
		return utf8Validator, nil
	case "int":
		return kv.Validator(kv.JSON[int64]()), nil
	case "float":
		return kv.Validator(kv.JSON[float64]()), nil
	case "bool":
		return kv.Validator(kv.JSON[bool]()), nil
	case "dict":
		return kv.Validator(kv.JSON[map[string]any]()), nil
	case "list", "set":
		return kv.Validator(kv.JSON[[]any]()), nil
	default:
		return nil, fmt.Errorf("unsupported type %q, expected one of %s", name, strings.Join(Types, ", "))
	}
}

func utf8Validator(data []byte) error {
	if !utf8.Valid(data) {
		return kv.InvalidData(errors.New("payload is not valid UTF-8"))
	}
	return nil
}

func validType(name string) bool {
	for _, t := range Types {
		if t == name {
			return true
		}
	}
	return false
}
