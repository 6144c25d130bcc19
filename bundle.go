package flydns

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	esbuild "github.com/evanw/esbuild/pkg/api"
)

// BundleEntry turns the entry script at path into one classic script. A
// plain .js file without imports is returned as-is; anything else
// (TypeScript, local imports) goes through esbuild and comes out as an
// IIFE so the script's globals stay reachable from the engine.
func BundleEntry(path string) (string, error) {
	source, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading entry script: %w", err)
	}
	src := string(source)

	if !needsBundling(path, src) {
		return src, nil
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolving entry script: %w", err)
	}
	result := esbuild.Build(esbuild.BuildOptions{
		EntryPoints:   []string{abs},
		AbsWorkingDir: filepath.Dir(abs),
		Bundle:        true,
		Format:        esbuild.FormatIIFE,
		Write:         false,
		Platform:      esbuild.PlatformNeutral,
		Target:        esbuild.ES2020,
		TreeShaking:   esbuild.TreeShakingFalse,
		LogLevel:      esbuild.LogLevelSilent,
	})

	if len(result.Errors) > 0 {
		msgs := make([]string, 0, len(result.Errors))
		for _, e := range result.Errors {
			msgs = append(msgs, e.Text)
		}
		return "", fmt.Errorf("bundling %s: %s", filepath.Base(path), strings.Join(msgs, "; "))
	}
	if len(result.OutputFiles) == 0 {
		return "", fmt.Errorf("bundling produced no output")
	}
	return string(result.OutputFiles[0].Contents), nil
}

var (
	// import declarations and re-exports open a line.
	moduleSyntax = regexp.MustCompile(`(?m)^\s*(import(\s+|\s*[{*'"])|export\s.*\bfrom\s*['"])`)
	// require() and import() calls, on lines that are not comments.
	moduleCall = regexp.MustCompile(`(?m)^\s*([^/*\s].*)?\b(require|import)\s*\(`)
)

// needsBundling reports whether the entry must go through esbuild.
func needsBundling(path, source string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".ts", ".mts", ".tsx":
		return true
	}
	return moduleSyntax.MatchString(source) || moduleCall.MatchString(source)
}
