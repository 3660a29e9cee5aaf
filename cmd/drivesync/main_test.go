package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func setupCLI(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	fixture := filepath.Join(dir, "fixture.yaml")
	err := os.WriteFile(fixture, []byte(`entries:
  - path: /docs/a.txt
    content: alpha
  - path: /docs/b.md
    content: bravo
  - path: /music
`), 0o644)
	if err != nil {
		t.Fatal(err)
	}
	cfg := filepath.Join(dir, "config.yaml")
	body := fmt.Sprintf(`driver: memory
driver_options:
  fixture: %s
  state: %s
store:
  path: %s
log:
  file: %s
`, fixture, filepath.Join(dir, "remote.yaml"), filepath.Join(dir, "nodes.db"), filepath.Join(dir, "drivesync.log"))
	if err := os.WriteFile(cfg, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return cfg
}

func run(t *testing.T, cfg string, args ...string) string {
	t.Helper()
	a := &app{}
	root := a.rootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--config", cfg}, args...))
	if err := root.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("drivesync %s: %v\n%s", strings.Join(args, " "), err, out.String())
	}
	return out.String()
}

func TestCLI_SyncAndBrowse(t *testing.T) {
	cfg := setupCLI(t)

	out := run(t, cfg, "sync")
	for _, want := range []string{"created   /docs/a.txt", "created   /music", "synced 4 changes"} {
		if !strings.Contains(out, want) {
			t.Errorf("sync output missing %q:\n%s", want, out)
		}
	}

	if out := run(t, cfg, "ls", "/docs"); out != "a.txt\nb.md\n" {
		t.Errorf("ls = %q", out)
	}
	if out := run(t, cfg, "find", "--glob", "*.md"); out != "/docs/b.md\n" {
		t.Errorf("find = %q", out)
	}
	if out := run(t, cfg, "stat", "/docs/a.txt"); !strings.Contains(out, `"path": "/docs/a.txt"`) {
		t.Errorf("stat = %s", out)
	}
	if out := run(t, cfg, "doctor"); !strings.Contains(out, "no problems found") {
		t.Errorf("doctor = %s", out)
	}
}

func TestCLI_EditThenSync(t *testing.T) {
	cfg := setupCLI(t)
	run(t, cfg, "sync")

	run(t, cfg, "mv", "/docs/a.txt", "/music")
	out := run(t, cfg, "sync")
	if !strings.Contains(out, "moved     /docs/a.txt -> /music/a.txt") {
		t.Errorf("sync output:\n%s", out)
	}

	run(t, cfg, "mkdir", "-p", "/photos/2024")
	if out := run(t, cfg, "ls", "/photos"); out != "2024/\n" {
		t.Errorf("ls /photos = %q", out)
	}

	dest := t.TempDir()
	run(t, cfg, "download", "--dest", dest, "/music")
	data, err := os.ReadFile(filepath.Join(dest, "music", "a.txt"))
	if err != nil || string(data) != "alpha" {
		t.Errorf("downloaded = %q, %v", data, err)
	}
}
