// Command depgraph emits a Graphviz DOT description of this module's
// internal package dependency graph: packages in load order, each with
// its sorted internal import edges.
//
// An earlier incarnation shelled out to `go mod graph`, which only
// reports module-to-module edges and says nothing about the package
// graph within this single module.
// This version walks the package graph itself with
// golang.org/x/tools/go/packages.
package main

import (
	"fmt"
	"os"
	"sort"

	"golang.org/x/tools/go/packages"
)

func main() {
	pattern := "lyrekernel/..."
	if len(os.Args) > 1 {
		pattern = os.Args[1]
	}

	cfg := &packages.Config{Mode: packages.NeedName | packages.NeedImports | packages.NeedDeps}
	pkgs, err := packages.Load(cfg, pattern)
	if err != nil {
		fmt.Fprintf(os.Stderr, "depgraph: %v\n", err)
		os.Exit(1)
	}
	if packages.PrintErrors(pkgs) > 0 {
		os.Exit(1)
	}

	fmt.Println("digraph deps {")
	for _, pkg := range pkgs {
		var imports []string
		for path := range pkg.Imports {
			imports = append(imports, path)
		}
		sort.Strings(imports)
		for _, imp := range imports {
			fmt.Printf("    %q -> %q;\n", pkg.PkgPath, imp)
		}
	}
	fmt.Println("}")
}
