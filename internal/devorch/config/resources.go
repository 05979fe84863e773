// Package config loads the resource descriptor file: the images and
// containers devorch manages, plus the host workspace they mount.
//
// The file is YAML. It is expanded (${ROOT}), checked against an embedded
// JSON schema, decoded strictly, and finally validated semantically. When no
// file is given the embedded defaults describe the KEGE stack.
package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/bdobrica/devorch/internal/devorch/runtime"
)

//go:embed defaults.yaml
var defaultsYAML []byte

//go:embed schema.json
var schemaJSON string

// ErrInvalid wraps every schema and semantic validation failure.
var ErrInvalid = errors.New("invalid resource file")

// File is the decoded resource file.
type File struct {
	// Registry prefixes the tag of every locally built image.
	Registry  string    `yaml:"registry"`
	Workspace Workspace `yaml:"workspace"`
	Resources Resources `yaml:"resources"`
}

// Workspace describes host-side state that must exist before resolution.
type Workspace struct {
	// Tree lists directories (relative to the root) created if absent.
	Tree []string `yaml:"tree"`
	// Defaults are files copied into build/ only when not already present.
	Defaults []DefaultFile `yaml:"defaults"`
}

// DefaultFile is a copy-if-absent configuration artifact.
type DefaultFile struct {
	Src string `yaml:"src"` // relative to the root
	Dst string `yaml:"dst"` // relative to root/build
}

// Resources is the fixed resource set.
type Resources struct {
	Web      Resource `yaml:"web"`
	Database Resource `yaml:"database"`
	Builder  Resource `yaml:"builder"`
}

// All returns the resources in resolution order.
func (r Resources) All() []Resource {
	return []Resource{r.Web, r.Database, r.Builder}
}

// Resource describes one buildable or fetchable image and the container
// created from it. It is immutable once loaded.
type Resource struct {
	Name string `yaml:"name"`
	// Build is a build-context directory, or runtime.RemoteBuild to pull.
	Build string `yaml:"build"`
	// Image is the tag, without the registry prefix.
	Image string `yaml:"image"`
	// SupplyUID injects the caller's uid as the "uid" build argument.
	SupplyUID bool     `yaml:"supply_uid"`
	Volumes   []string `yaml:"volumes"`
	Env       []string `yaml:"env"`
	Ports     []string `yaml:"ports"`
	Command   []string `yaml:"command"`
	// Bootstrap runs once, in order, right after the container is created.
	Bootstrap []string `yaml:"bootstrap"`
	// Setup runs on every session start, but each step only when the file
	// it creates is missing on the host.
	Setup []SetupStep `yaml:"setup"`
}

// SetupStep is a conditional one-time setup action.
type SetupStep struct {
	Creates string   `yaml:"creates"` // relative to the root
	Run     []string `yaml:"run"`     // shell scripts run in the container
}

// Remote reports whether the image is pulled rather than built.
func (r Resource) Remote() bool {
	return r.Build == runtime.RemoteBuild
}

// Defaults returns the embedded default resource file expanded for root.
func Defaults(root string) (*File, error) {
	return Parse(defaultsYAML, root)
}

// Load reads path (or the embedded defaults when path is empty) and parses
// it for root.
func Load(path, root string) (*File, error) {
	if path == "" {
		return Defaults(root)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read resource file: %w", err)
	}
	return Parse(data, root)
}

// Parse expands, schema-checks, decodes and validates a resource file.
func Parse(data []byte, root string) (*File, error) {
	expanded := expand(string(data), root)

	var doc any
	if err := yaml.Unmarshal([]byte(expanded), &doc); err != nil {
		return nil, fmt.Errorf("parse resource file: %w", err)
	}
	if err := validateSchema(doc); err != nil {
		return nil, err
	}

	var f File
	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("decode resource file: %w", err)
	}
	f.Registry = RegistryPrefix(f.Registry)
	if err := Validate(&f); err != nil {
		return nil, err
	}
	return &f, nil
}

// RegistryPrefix returns registry with exactly one trailing "/", or "" when
// registry is blank.
func RegistryPrefix(registry string) string {
	registry = strings.TrimRight(strings.TrimSpace(registry), "/")
	if registry == "" {
		return ""
	}
	return registry + "/"
}

// Validate performs the checks the schema cannot express.
func Validate(f *File) error {
	if f == nil {
		return fmt.Errorf("%w: file must not be nil", ErrInvalid)
	}
	// Built images are located by "*/<image>", which needs a prefix.
	if f.Registry != "" && f.Registry != RegistryPrefix(f.Registry) {
		return fmt.Errorf("%w: registry %q must end with a single \"/\"", ErrInvalid, f.Registry)
	}
	seen := make(map[string]struct{}, 3)
	for _, r := range f.Resources.All() {
		if !r.Remote() && f.Registry == "" {
			return fmt.Errorf("%w: resource %q is built locally but no registry prefix is set", ErrInvalid, r.Name)
		}
		if _, dup := seen[r.Name]; dup {
			return fmt.Errorf("%w: duplicate resource name %q", ErrInvalid, r.Name)
		}
		seen[r.Name] = struct{}{}
		if r.Remote() && r.SupplyUID {
			return fmt.Errorf("%w: resource %q: supply_uid has no effect on pulled images", ErrInvalid, r.Name)
		}
		for _, step := range r.Setup {
			if strings.HasPrefix(step.Creates, "/") {
				return fmt.Errorf("%w: resource %q: setup path %q must be relative to the root", ErrInvalid, r.Name, step.Creates)
			}
		}
	}
	return nil
}

func expand(s, root string) string {
	return os.Expand(s, func(key string) string {
		if key == "ROOT" {
			return root
		}
		return "${" + key + "}"
	})
}

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		schema, schemaErr = jsonschema.CompileString("devorch-resources.json", schemaJSON)
	})
	return schema, schemaErr
}

// validateSchema checks a generic YAML document against the embedded schema.
// The document is round-tripped through JSON so the validator sees only
// JSON-native types.
func validateSchema(doc any) error {
	sch, err := compiledSchema()
	if err != nil {
		return fmt.Errorf("compile resource schema: %w", err)
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := sch.Validate(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}
