package shell

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWrapEchoCommands(t *testing.T) {
	in := "echo hello\nls -la\n  echo -n indented\nmyecho nope\necho"
	out := wrapEchoCommands(in)
	lines := strings.Split(out, "\n")

	if lines[0] != "{ set +x; } 2>/dev/null; echo hello; { set -x; } 2>/dev/null" {
		t.Errorf("plain echo not wrapped: %q", lines[0])
	}
	if lines[1] != "ls -la" {
		t.Errorf("non-echo line changed: %q", lines[1])
	}
	if lines[2] != "  { set +x; } 2>/dev/null; echo -n indented; { set -x; } 2>/dev/null" {
		t.Errorf("indented echo lost indentation: %q", lines[2])
	}
	if lines[3] != "myecho nope" {
		t.Errorf("echo substring wrongly wrapped: %q", lines[3])
	}
	if !strings.Contains(lines[4], "echo;") {
		t.Errorf("bare echo not wrapped: %q", lines[4])
	}
}

func TestMaterializeScriptWrapper(t *testing.T) {
	dir := t.TempDir()
	r := NewRunner(dir)

	path, err := r.materializeScript("echo building\nmake all", "Build Image")
	if err != nil {
		t.Fatalf("materialize: %v", err)
	}
	defer os.Remove(path)

	if base := filepath.Base(path); !strings.HasPrefix(base, ".build_stage_Build_Image_") || !strings.HasSuffix(base, ".sh") {
		t.Errorf("unexpected script name %q", base)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o700 {
		t.Errorf("script mode = %o, want 0700", info.Mode().Perm())
	}

	data, _ := os.ReadFile(path)
	content := string(data)
	for _, want := range []string{
		"#!/bin/bash\n",
		"set -e\n",
		"set -o pipefail\n",
		"source \"" + filepath.Join(dir, VarsFileName) + "\"",
		"set -x\n",
		"make all",
	} {
		if !strings.Contains(content, want) {
			t.Errorf("script missing %q:\n%s", want, content)
		}
	}
	// Wrapper preamble must precede the user body.
	if strings.Index(content, "set -x") > strings.Index(content, "make all") {
		t.Errorf("tracing enabled after user body:\n%s", content)
	}
}
