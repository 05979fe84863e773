package docker

import (
	"archive/tar"
	"bytes"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/docker/go-connections/nat"

	"github.com/bdobrica/devorch/internal/devorch/runtime"
)

// --- pkillArgs --------------------------------------------------------------

func TestPkillArgs(t *testing.T) {
	cases := []struct {
		req  runtime.SignalRequest
		want []string
	}{
		{runtime.SignalRequest{Process: "KEGE", Signal: syscall.SIGINT}, []string{"pkill", "-2", "KEGE"}},
		{runtime.SignalRequest{Process: "postgres", Signal: syscall.SIGINT, OldestOnly: true}, []string{"pkill", "-2", "-o", "postgres"}},
		{runtime.SignalRequest{Process: "postgres", Signal: syscall.SIGKILL}, []string{"pkill", "-9", "postgres"}},
	}
	for _, tc := range cases {
		got := pkillArgs(tc.req)
		if len(got) != len(tc.want) {
			t.Fatalf("pkillArgs(%+v) = %v, want %v", tc.req, got, tc.want)
		}
		for i := range tc.want {
			if got[i] != tc.want[i] {
				t.Errorf("pkillArgs(%+v)[%d] = %q, want %q", tc.req, i, got[i], tc.want[i])
			}
		}
	}
}

// --- createConfig -----------------------------------------------------------

func TestCreateConfig(t *testing.T) {
	req := runtime.CreateRequest{
		Name:    "managed-kege-nginx",
		ImageID: "abc123",
		Cmd:     []string{"nginx", "-g", "daemon off;"},
		Env:     []string{"A=1"},
		Volumes: []string{"/src:/var/www/html"},
		Ports:   []string{"5001:80"},
	}
	cfg, host, err := createConfig(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cfg.Tty || !cfg.OpenStdin {
		t.Error("expected tty and open stdin, matching `docker run -it -d`")
	}
	if cfg.Image != "abc123" {
		t.Errorf("Image = %q", cfg.Image)
	}
	if _, ok := cfg.ExposedPorts[nat.Port("80/tcp")]; !ok {
		t.Errorf("expected 80/tcp exposed, got %v", cfg.ExposedPorts)
	}
	b := host.PortBindings[nat.Port("80/tcp")]
	if len(b) != 1 || b[0].HostPort != "5001" {
		t.Errorf("unexpected port bindings %v", host.PortBindings)
	}
	if len(host.Binds) != 1 || host.Binds[0] != "/src:/var/www/html" {
		t.Errorf("unexpected binds %v", host.Binds)
	}
}

func TestCreateConfig_BadPort(t *testing.T) {
	_, _, err := createConfig(runtime.CreateRequest{Name: "x", Ports: []string{"not-a-port:abc"}})
	if err == nil {
		t.Fatal("expected error for malformed port spec")
	}
}

// --- buildArgs --------------------------------------------------------------

func TestBuildArgs(t *testing.T) {
	if buildArgs(nil) != nil {
		t.Error("expected nil for empty build args")
	}
	got := buildArgs(map[string]string{"uid": "1000", "gid": "100"})
	if got["uid"] == nil || *got["uid"] != "1000" || got["gid"] == nil || *got["gid"] != "100" {
		t.Errorf("unexpected build args %v", got)
	}
}

// --- extractSingleFile ------------------------------------------------------

func TestExtractSingleFile(t *testing.T) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	if err := tw.WriteHeader(&tar.Header{Name: "lib", Typeflag: tar.TypeDir, Mode: 0o755}); err != nil {
		t.Fatal(err)
	}
	body := []byte("ELF")
	if err := tw.WriteHeader(&tar.Header{Name: "libpq.so.5.16", Typeflag: tar.TypeReg, Mode: 0o644, Size: int64(len(body))}); err != nil {
		t.Fatal(err)
	}
	if _, err := tw.Write(body); err != nil {
		t.Fatal(err)
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}

	dst := filepath.Join(t.TempDir(), "lib", "x86_64-linux-gnu", "libpq.so.5")
	if err := extractSingleFile(&buf, dst); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "ELF" {
		t.Errorf("content = %q", got)
	}
}

func TestExtractSingleFile_Empty(t *testing.T) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	_ = tw.Close()
	if err := extractSingleFile(&buf, filepath.Join(t.TempDir(), "x")); err == nil {
		t.Fatal("expected error for archive without regular file")
	}
}
