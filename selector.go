package monocache

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"
)

// Select walks root and returns every entry, files and directories alike,
// whose slash-separated path relative to root matches at least one include
// pattern and no exclude pattern. Returned paths are root joined with the
// relative path, sorted.
//
// Patterns use path.Match syntax per segment, plus "**" which matches any
// number of segments. A directory matching an exclude pattern is not descended.
func Select(fs afero.Fs, root string, include, exclude []string) ([]string, error) {
	if err := validatePatterns(include, exclude); err != nil {
		return nil, err
	}

	exists, err := afero.DirExists(fs, root)
	if err != nil {
		return nil, fmt.Errorf("failed to check root %s: %w", root, err)
	}
	if !exists {
		return nil, fmt.Errorf("package root does not exist: %s", root)
	}

	var matches []string
	err = afero.Walk(fs, root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if matchesAny(rel, exclude) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if matchesAny(rel, include) {
			matches = append(matches, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", root, err)
	}

	sort.Strings(matches)
	return matches, nil
}

// SelectFiles is Select restricted to regular files.
func SelectFiles(fs afero.Fs, root string, include, exclude []string) ([]string, error) {
	entries, err := Select(fs, root, include, exclude)
	if err != nil {
		return nil, err
	}

	files := entries[:0]
	for _, entry := range entries {
		info, err := fs.Stat(entry)
		if err != nil {
			if danglingLink(fs, entry) {
				continue
			}
			return nil, fmt.Errorf("stat %s: %w", entry, err)
		}
		if info.Mode().IsRegular() {
			files = append(files, entry)
		}
	}
	return files, nil
}

// validatePatterns checks every pattern segment for syntax errors.
func validatePatterns(include, exclude []string) error {
	var errs []error
	for _, pattern := range append(append([]string{}, include...), exclude...) {
		if err := validatePattern(pattern); err != nil {
			errs = append(errs, fmt.Errorf("invalid pattern %s: %w", pattern, err))
		}
	}
	return newValidationError(errs)
}

func validatePattern(pattern string) error {
	for _, part := range strings.Split(filepath.ToSlash(pattern), "/") {
		if part == "**" {
			continue
		}
		if _, err := path.Match(part, "test"); err != nil {
			return err
		}
	}
	return nil
}

// matchesAny reports whether rel matches one of patterns.
func matchesAny(rel string, patterns []string) bool {
	for _, pattern := range patterns {
		if MatchPattern(pattern, rel) {
			return true
		}
	}
	return false
}

// MatchPattern checks if a slash-separated path matches a pattern with ** support.
// Invalid patterns never match.
func MatchPattern(pattern, name string) bool {
	pattern = strings.TrimPrefix(filepath.ToSlash(pattern), "./")
	name = filepath.ToSlash(name)

	patternParts := strings.Split(pattern, "/")
	pathParts := strings.Split(name, "/")

	return matchGlobParts(pathParts, patternParts, 0, 0)
}

// matchGlobParts recursively matches path parts against pattern parts.
func matchGlobParts(pathParts, patternParts []string, pathIdx, patternIdx int) bool {
	if patternIdx >= len(patternParts) {
		return pathIdx >= len(pathParts)
	}

	if pathIdx >= len(pathParts) {
		for i := patternIdx; i < len(patternParts); i++ {
			if patternParts[i] != "**" {
				return false
			}
		}
		return true
	}

	patternPart := patternParts[patternIdx]
	pathPart := pathParts[pathIdx]

	if patternPart == "**" {
		if matchGlobParts(pathParts, patternParts, pathIdx, patternIdx+1) {
			return true
		}
		return matchGlobParts(pathParts, patternParts, pathIdx+1, patternIdx)
	}

	matched, err := path.Match(patternPart, pathPart)
	if err != nil || !matched {
		return false
	}

	return matchGlobParts(pathParts, patternParts, pathIdx+1, patternIdx+1)
}
