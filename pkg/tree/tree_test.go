package tree

import (
	"reflect"
	"testing"
)

func TestBuildChildPath(t *testing.T) {
	tests := []struct {
		parent, name, want string
	}{
		{"/", "a.txt", "/a.txt"},
		{"", "a.txt", "/a.txt"},
		{"/dir", "b.txt", "/dir/b.txt"},
		{"/a/b", "c", "/a/b/c"},
	}
	for _, tt := range tests {
		if got := BuildChildPath(tt.parent, tt.name); got != tt.want {
			t.Errorf("BuildChildPath(%q, %q) = %q, want %q", tt.parent, tt.name, got, tt.want)
		}
	}
}

func TestSplitJoin(t *testing.T) {
	tests := []struct {
		path string
		want []string
	}{
		{"/", []string{}},
		{"", []string{}},
		{"/docs", []string{"docs"}},
		{"/docs//x.txt", []string{"docs", "x.txt"}},
		{"/docs/./x.txt/", []string{"docs", "x.txt"}},
	}
	for _, tt := range tests {
		got := Split(tt.path)
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("Split(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
	if got := Join([]string{"a", "b"}); got != "/a/b" {
		t.Errorf("Join = %q", got)
	}
	if got := Join(nil); got != "/" {
		t.Errorf("Join(nil) = %q", got)
	}
}

func TestResolve(t *testing.T) {
	tests := []struct {
		base, to, want string
	}{
		{"/a/b", "c", "/a/b/c"},
		{"/a/b", "../c", "/a/c"},
		{"/a/b", "../../../c", "/c"},
		{"/a/b", "/x/y", "/x/y"},
		{"/a/b", ".", "/a/b"},
		{"/", "..", "/"},
	}
	for _, tt := range tests {
		if got := Resolve(tt.base, tt.to); got != tt.want {
			t.Errorf("Resolve(%q, %q) = %q, want %q", tt.base, tt.to, got, tt.want)
		}
	}
}

func TestParentBase(t *testing.T) {
	if got := Parent("/docs/x.txt"); got != "/docs" {
		t.Errorf("Parent = %q", got)
	}
	if got := Parent("/docs"); got != "/" {
		t.Errorf("Parent = %q", got)
	}
	if got := Base("/docs/x.txt"); got != "x.txt" {
		t.Errorf("Base = %q", got)
	}
	if got := Base("/"); got != "" {
		t.Errorf("Base(/) = %q", got)
	}
}

func TestNameRules(t *testing.T) {
	// "é" precomposed vs decomposed
	composed := "café"
	decomposed := "café"

	def := DefaultNormalizer()
	if def.Normalize(composed) != def.Normalize(decomposed) {
		t.Error("default rules should apply NFC")
	}
	if def.Normalize("Docs") == def.Normalize("docs") {
		t.Error("default rules should be case sensitive")
	}

	ci := NameRules{CaseInsensitive: true}
	if ci.Normalize("Docs") != ci.Normalize("DOCS") {
		t.Error("case-insensitive rules should fold case")
	}
}

func TestValidName(t *testing.T) {
	for _, name := range []string{"", ".", "..", "a/b"} {
		if ValidName(name) {
			t.Errorf("ValidName(%q) = true", name)
		}
	}
	if !ValidName("x.txt") {
		t.Error("ValidName(x.txt) = false")
	}
}
