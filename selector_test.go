package monocache

import (
	"errors"
	"slices"
	"testing"

	"github.com/spf13/afero"
)

func TestMatchPattern(t *testing.T) {
	testCases := []struct {
		pattern string
		name    string
		want    bool
	}{
		{"**", "a.txt", true},
		{"**", "src/deep/a.txt", true},
		{"*.ts", "index.ts", true},
		{"*.ts", "src/index.ts", false},
		{"src/**", "src/index.ts", true},
		{"src/**", "src", true},
		{"src/**/*.ts", "src/a/b/c.ts", true},
		{"src/**/*.ts", "src/c.ts", true},
		{"src/**/*.ts", "lib/c.ts", false},
		{"**/node_modules/**", "packages/ui/node_modules/react/index.js", true},
		{"node_modules/**", "node_modules", true},
		{"./dist/**", "dist/index.js", true},
		{"dist/*.js", "dist/chunks/a.js", false},
		{"[a-c].txt", "b.txt", true},
		{"[", "[", false},
	}

	for _, tc := range testCases {
		t.Run(tc.pattern+"~"+tc.name, func(t *testing.T) {
			if got := MatchPattern(tc.pattern, tc.name); got != tc.want {
				t.Errorf("MatchPattern(%q, %q) = %v, want %v", tc.pattern, tc.name, got, tc.want)
			}
		})
	}
}

func TestSelect(t *testing.T) {
	memFs := afero.NewMemMapFs()
	createTree(t, memFs, "/repo/app", map[string]string{
		"package.json":              "{}",
		"src/index.ts":              "a",
		"src/util/strings.ts":       "b",
		"dist/index.js":             "c",
		"node_modules/dep/index.js": "d",
		"README.md":                 "e",
	})

	t.Run("include everything", func(t *testing.T) {
		got, err := Select(memFs, "/repo/app", []string{"**"}, []string{"node_modules/**", "dist/**"})
		if err != nil {
			t.Fatalf("Select failed: %v", err)
		}
		want := []string{
			"/repo/app/README.md",
			"/repo/app/package.json",
			"/repo/app/src",
			"/repo/app/src/index.ts",
			"/repo/app/src/util",
			"/repo/app/src/util/strings.ts",
		}
		if !slices.Equal(got, want) {
			t.Errorf("Select() = %v, want %v", got, want)
		}
	})

	t.Run("include subset", func(t *testing.T) {
		got, err := SelectFiles(memFs, "/repo/app", []string{"src/**/*.ts", "package.json"}, nil)
		if err != nil {
			t.Fatalf("SelectFiles failed: %v", err)
		}
		want := []string{
			"/repo/app/package.json",
			"/repo/app/src/index.ts",
			"/repo/app/src/util/strings.ts",
		}
		if !slices.Equal(got, want) {
			t.Errorf("SelectFiles() = %v, want %v", got, want)
		}
	})

	t.Run("exclude single files", func(t *testing.T) {
		got, err := SelectFiles(memFs, "/repo/app", []string{"**"}, []string{"**/*.md", "node_modules/**", "dist/**"})
		if err != nil {
			t.Fatalf("SelectFiles failed: %v", err)
		}
		if slices.Contains(got, "/repo/app/README.md") {
			t.Errorf("README.md should be excluded: %v", got)
		}
		if len(got) != 3 {
			t.Errorf("Expected 3 files, got %v", got)
		}
	})

	t.Run("no include patterns", func(t *testing.T) {
		got, err := Select(memFs, "/repo/app", nil, nil)
		if err != nil {
			t.Fatalf("Select failed: %v", err)
		}
		if len(got) != 0 {
			t.Errorf("Expected no entries, got %v", got)
		}
	})
}

func TestSelect_Errors(t *testing.T) {
	memFs := afero.NewMemMapFs()
	createTree(t, memFs, "/repo/app", map[string]string{"a.txt": "x"})

	if _, err := Select(memFs, "/repo/missing", []string{"**"}, nil); err == nil {
		t.Errorf("Expected an error for a missing root")
	}

	_, err := Select(memFs, "/repo/app", []string{"src/[.ts"}, []string{"[z"})
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("Expected ValidationError, got %v", err)
	}
	if len(ve.Errors) != 2 {
		t.Errorf("Expected 2 pattern errors, got %d: %v", len(ve.Errors), ve)
	}
}
