// Command layercheck enforces the import boundary of the governance core.
//
// The core packages decide and record; they must not reach transports,
// archives, configuration loading or process entrypoints. Any non-test Go
// file under a core package that imports a forbidden path is a violation.
//
// Usage:
//
//	go run ./tools/layercheck [-root <project-root>]
package main

import (
	"flag"
	"fmt"
	"go/parser"
	"go/token"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// corePackages are directories under pkg/ that form the governance core.
var corePackages = []string{
	"budget",
	"celexpr",
	"contracts",
	"escalation",
	"guardian",
	"orchestrator",
	"profile",
	"quality",
	"routing",
	"store",
	"tooling",
}

// forbiddenFragments are import path fragments the core must not use.
var forbiddenFragments = []string{
	"/pkg/api",
	"/pkg/archive",
	"/pkg/client",
	"/pkg/config",
	"/pkg/database",
	"/pkg/eventbus",
	"/cmd/",
	"net/http",
	"github.com/alecthomas/kong",
	"github.com/aws/",
	"github.com/minio/",
	"github.com/nats-io/",
	"cloud.google.com/",
}

type violation struct {
	File     string
	Line     int
	Import   string
	Fragment string
}

func (v violation) String() string {
	return fmt.Sprintf("%s:%d imports %q (forbidden: %q)", v.File, v.Line, v.Import, v.Fragment)
}

func main() {
	root := flag.String("root", ".", "Project root directory")
	flag.Parse()
	os.Exit(run(*root, os.Stdout, os.Stderr))
}

func run(root string, stdout, stderr io.Writer) int {
	violations, err := check(root, corePackages, forbiddenFragments)
	if err != nil {
		fmt.Fprintf(stderr, "ERROR: %v\n", err)
		return 1
	}
	for _, v := range violations {
		fmt.Fprintf(stdout, "LAYER VIOLATION: %s\n", v)
	}
	if len(violations) > 0 {
		fmt.Fprintf(stdout, "\n%d layer violation(s) found\n", len(violations))
		return 1
	}
	fmt.Fprintln(stdout, "layer check passed: governance core has no forbidden imports")
	return 0
}

func check(root string, packages, fragments []string) ([]violation, error) {
	var out []violation
	fset := token.NewFileSet()
	for _, pkg := range packages {
		dir := filepath.Join(root, "pkg", pkg)
		if _, err := os.Stat(dir); err != nil {
			return nil, fmt.Errorf("core package %s: %w", pkg, err)
		}
		err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				if d.Name() == "testdata" {
					return filepath.SkipDir
				}
				return nil
			}
			if !strings.HasSuffix(path, ".go") || strings.HasSuffix(path, "_test.go") {
				return nil
			}
			f, err := parser.ParseFile(fset, path, nil, parser.ImportsOnly)
			if err != nil {
				return fmt.Errorf("parse %s: %w", path, err)
			}
			for _, imp := range f.Imports {
				importPath := strings.Trim(imp.Path.Value, `"`)
				for _, frag := range fragments {
					if strings.Contains(importPath, frag) {
						rel, _ := filepath.Rel(root, path)
						out = append(out, violation{
							File:     rel,
							Line:     fset.Position(imp.Pos()).Line,
							Import:   importPath,
							Fragment: frag,
						})
					}
				}
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].File != out[j].File {
			return out[i].File < out[j].File
		}
		return out[i].Line < out[j].Line
	})
	return out, nil
}
