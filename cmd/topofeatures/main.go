// Command topofeatures reports which files in this module implement
// which named component (the FDT reader, the topology model, the page
// allocator, and so on), by loading the module's packages with
// golang.org/x/tools/go/packages and matching each package's import
// path against a fixed component table.
package main

import (
	"fmt"
	"os"
	"sort"

	"golang.org/x/tools/go/packages"
)

// component names a part of the system and the package path that
// implements it.
type component struct {
	name       string
	pkgPattern string
}

var components = []component{
	{"C1 FDT reader", "fdt"},
	{"C2 Topology model", "topology"},
	{"C3 Page allocator", "palloc"},
	{"C4 Memory-range planner", "planner"},
	{"C5 Device mapper", "devmap"},
	{"C6 Boot orchestrator", "boot"},
	{"C7 IPI communication ring", "ring"},
	{"C8 Sync/barrier primitives", "barrier"},
}

func main() {
	cfg := &packages.Config{
		Mode: packages.NeedName | packages.NeedFiles | packages.NeedCompiledGoFiles,
	}

	names := make([]string, len(components))
	for i, c := range components {
		names[i] = c.pkgPattern
	}

	pkgs, err := packages.Load(cfg, names...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "topofeatures: %v\n", err)
		os.Exit(1)
	}

	byPattern := make(map[string]*packages.Package, len(pkgs))
	for _, p := range pkgs {
		byPattern[p.Name] = p
	}

	for _, c := range components {
		p, ok := byPattern[c.pkgPattern]
		if !ok || len(p.Errors) > 0 {
			fmt.Printf("%-28s (package %q not found)\n", c.name, c.pkgPattern)
			continue
		}
		files := append([]string(nil), p.GoFiles...)
		sort.Strings(files)
		fmt.Printf("%-28s %d file(s):\n", c.name, len(files))
		for _, f := range files {
			fmt.Printf("    %s\n", f)
		}
	}
}
