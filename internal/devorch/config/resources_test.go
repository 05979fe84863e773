package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bdobrica/devorch/internal/devorch/config"
)

func TestDefaults(t *testing.T) {
	f, err := config.Defaults("/src/kege")
	if err != nil {
		t.Fatalf("embedded defaults must be valid: %v", err)
	}
	if f.Registry != "docker-registry.dshpr.com/" {
		t.Errorf("Registry = %q", f.Registry)
	}

	all := f.Resources.All()
	names := []string{all[0].Name, all[1].Name, all[2].Name}
	want := []string{"managed-kege-nginx", "managed-kege-postgres", "managed-kege-builder"}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("All()[%d].Name = %q, want %q", i, names[i], want[i])
		}
	}

	if !f.Resources.Web.Remote() {
		t.Error("web image should be pulled")
	}
	if f.Resources.Builder.Remote() || !f.Resources.Builder.SupplyUID {
		t.Error("builder image should be built with the caller uid")
	}
	if f.Resources.Builder.Build != "/src/kege/meta/builder" {
		t.Errorf("${ROOT} not expanded: %q", f.Resources.Builder.Build)
	}
	if len(f.Resources.Builder.Bootstrap) != 6 {
		t.Errorf("expected 6 bootstrap commands, got %d", len(f.Resources.Builder.Bootstrap))
	}
	if len(f.Resources.Builder.Setup) != 2 || f.Resources.Builder.Setup[0].Creates != "build/bin/sql-typer" {
		t.Errorf("unexpected setup steps %+v", f.Resources.Builder.Setup)
	}
	if len(f.Workspace.Tree) != 7 || len(f.Workspace.Defaults) != 2 {
		t.Errorf("unexpected workspace %+v", f.Workspace)
	}
}

const minimal = `
registry: registry.example.com
resources:
  web:      {name: web, build: dockerhub, image: "nginx:1.25-alpine"}
  database: {name: db, build: "${ROOT}/pg", image: pg, env: ["POSTGRES_DB=kege"]}
  builder:  {name: builder, build: "${ROOT}/b", image: b, supply_uid: true}
`

func TestParse_Minimal(t *testing.T) {
	f, err := config.Parse([]byte(minimal), "/r")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.Resources.Database.Build != "/r/pg" {
		t.Errorf("Build = %q", f.Resources.Database.Build)
	}
	if f.Registry != "registry.example.com/" {
		t.Errorf("Registry = %q, want a trailing slash added", f.Registry)
	}
}

func TestParse_LeavesUnknownVariables(t *testing.T) {
	doc := strings.Replace(minimal, "POSTGRES_DB=kege", "POSTGRES_DB=${DB_NAME}", 1)
	f, err := config.Parse([]byte(doc), "/r")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := f.Resources.Database.Env[0]; got != "POSTGRES_DB=${DB_NAME}" {
		t.Errorf("Env[0] = %q", got)
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"empty", ""},
		{"missing builder", `
resources:
  web:      {name: web, build: dockerhub, image: nginx}
  database: {name: db, build: /pg, image: pg}
`},
		{"unknown field", strings.Replace(minimal, "image: pg,", "image: pg, restart: always,", 1)},
		{"bad env", strings.Replace(minimal, "POSTGRES_DB=kege", "=kege", 1)},
		{"duplicate names", strings.Replace(minimal, "name: builder", "name: db", 1)},
		{"uid on pulled image", strings.Replace(minimal, "image: \"nginx:1.25-alpine\"}", "image: nginx, supply_uid: true}", 1)},
		{"built image without registry", strings.Replace(minimal, "registry: registry.example.com", "registry: \"\"", 1)},
		{"absolute setup path", strings.Replace(minimal, "supply_uid: true}", "supply_uid: true, setup: [{creates: /usr/bin/x, run: [make]}]}", 1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.Parse([]byte(tt.doc), "/r")
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if tt.name != "empty" && !errors.Is(err, config.ErrInvalid) && !strings.Contains(err.Error(), "decode") {
				t.Errorf("expected ErrInvalid, got %v", err)
			}
		})
	}
}

func TestRegistryPrefix(t *testing.T) {
	tests := map[string]string{
		"":                            "",
		" / ":                         "",
		"myreg":                       "myreg/",
		"myreg/":                      "myreg/",
		"myreg//":                     "myreg/",
		"docker-registry.dshpr.com/":  "docker-registry.dshpr.com/",
		" registry.example.com:5000 ": "registry.example.com:5000/",
	}
	for in, want := range tests {
		if got := config.RegistryPrefix(in); got != want {
			t.Errorf("RegistryPrefix(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestValidate_Registry(t *testing.T) {
	f, err := config.Parse([]byte(minimal), "/r")
	if err != nil {
		t.Fatal(err)
	}
	f.Registry = "myreg"
	if err := config.Validate(f); !errors.Is(err, config.ErrInvalid) {
		t.Errorf("registry without trailing slash: got %v", err)
	}
	f.Registry = ""
	if err := config.Validate(f); !errors.Is(err, config.ErrInvalid) {
		t.Errorf("empty registry with built images: got %v", err)
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "resources.yaml")
	if err := os.WriteFile(path, []byte(minimal), 0o644); err != nil {
		t.Fatal(err)
	}
	f, err := config.Load(path, "/r")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.Resources.Web.Name != "web" {
		t.Errorf("Web.Name = %q", f.Resources.Web.Name)
	}

	if _, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"), "/r"); err == nil {
		t.Error("expected error for missing file")
	}

	f, err = config.Load("", "/r")
	if err != nil || f.Resources.Web.Name != "managed-kege-nginx" {
		t.Errorf("empty path should load defaults, got %v, %v", f, err)
	}
}
