// Command topograph renders a parsed topology as a Graphviz DOT graph:
// one cluster per domain, with its CPUs, memory ranges and devices as
// nodes.
package main

import (
	"bufio"
	"fmt"
	"os"

	"fdt"
	"topology"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Println("topograph <dtb-file>")
		os.Exit(1)
	}
	blob, err := os.ReadFile(os.Args[1])
	if err != nil {
		panic(err)
	}
	root, err := fdt.Parse(blob, 0)
	if err != nil {
		panic(err)
	}
	m := topology.BuildFromFDT(root)

	w := bufio.NewWriter(os.Stdout)
	defer w.Flush()

	w.WriteString("digraph topology {\n")
	for _, d := range m.Domains() {
		fmt.Fprintf(w, "    subgraph cluster_domain%d {\n", d.ID)
		fmt.Fprintf(w, "        label=\"domain %d\";\n", d.ID)
		for _, c := range d.CPUs {
			fmt.Fprintf(w, "        \"cpu%d_d%d\" [label=\"hart %d\"];\n", c.HartID, d.ID, c.HartID)
		}
		for i, mr := range d.MemRanges {
			fmt.Fprintf(w, "        \"mem%d_d%d\" [label=\"0x%x..0x%x\", shape=box];\n", i, d.ID, mr.Start, mr.End())
		}
		for i, dev := range d.Devices {
			fmt.Fprintf(w, "        \"dev%d_d%d\" [label=\"%s\", shape=diamond];\n", i, d.ID, dev.Name)
		}
		w.WriteString("    }\n")
	}
	w.WriteString("}\n")
}
