package tree

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

// writeFile creates a file with parent directories under root.
func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestListFiles(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "README.md", "readme")
	writeFile(t, root, "src/main.c", "main")
	writeFile(t, root, "src/util/helper.c", "helper")
	writeFile(t, root, ".gitignore", "ignored")
	writeFile(t, root, ".config/workflow.yml", "wf")
	writeFile(t, root, ".git/HEAD", "ref: refs/heads/main")
	writeFile(t, root, ".git/objects/ab/cdef", "blob")

	got, err := ListFiles(root)
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}

	// Sorted relative paths; .git content absent, dotfiles present.
	want := []string{
		".config/workflow.yml",
		".gitignore",
		"README.md",
		"src/main.c",
		"src/util/helper.c",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ListFiles = %v, want %v", got, want)
	}
}

func TestListFiles_EmptyDir(t *testing.T) {
	got, err := ListFiles(t.TempDir())
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected no files, got %v", got)
	}
}

func TestListFiles_MissingDir(t *testing.T) {
	_, err := ListFiles(filepath.Join(t.TempDir(), "does-not-exist"))
	if err == nil {
		t.Fatal("expected error for missing directory")
	}
}

func TestListFiles_SkipsNestedGitDir(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "vendor/lib/.git/config", "nested repo")
	writeFile(t, root, "vendor/lib/code.go", "code")

	got, err := ListFiles(root)
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	want := []string{"vendor/lib/code.go"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ListFiles = %v, want %v", got, want)
	}
}

func TestNewPreservedSet(t *testing.T) {
	tests := []struct {
		name     string
		prefixes []string
		want     PreservedSet
		wantErr  bool
	}{
		{name: "empty set", prefixes: nil, want: PreservedSet{}},
		{name: "single dir", prefixes: []string{".config"}, want: PreservedSet{".config"}},
		{name: "normalized", prefixes: []string{"./docs/", "a//b"}, want: PreservedSet{"docs", "a/b"}},
		{name: "root dot", prefixes: []string{"."}, wantErr: true},
		{name: "empty entry", prefixes: []string{""}, wantErr: true},
		{name: "absolute", prefixes: []string{"/etc"}, wantErr: true},
		{name: "parent escape", prefixes: []string{"../outside"}, wantErr: true},
		{name: "sneaky escape", prefixes: []string{"a/../.."}, wantErr: true},
		{name: "dotdot-like name ok", prefixes: []string{"..data"}, want: PreservedSet{"..data"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewPreservedSet(tt.prefixes)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("NewPreservedSet(%v) expected error, got %v", tt.prefixes, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("NewPreservedSet(%v): %v", tt.prefixes, err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("NewPreservedSet(%v) = %v, want %v", tt.prefixes, got, tt.want)
			}
		})
	}
}

func TestPreservedSet_Contains(t *testing.T) {
	ps, err := NewPreservedSet([]string{".config", "local/overrides"})
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		rel  string
		want bool
	}{
		{rel: ".config", want: true},
		{rel: ".config/workflow.yml", want: true},
		{rel: ".config/deep/nested/file", want: true},
		{rel: "local/overrides/env", want: true},
		{rel: ".configuration", want: false}, // prefix must end at a separator
		{rel: "local/overrides-backup", want: false},
		{rel: "src/main.c", want: false},
		{rel: "", want: false},
	}

	for _, tt := range tests {
		if got := ps.Contains(tt.rel); got != tt.want {
			t.Errorf("Contains(%q) = %v, want %v", tt.rel, got, tt.want)
		}
	}
}

func TestPreservedSet_Empty(t *testing.T) {
	ps, err := NewPreservedSet(nil)
	if err != nil {
		t.Fatal(err)
	}
	if ps.Contains(".config/anything") {
		t.Error("empty set should preserve nothing")
	}
}
