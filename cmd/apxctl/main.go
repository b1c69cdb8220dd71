// Command apxctl is an interactive console for querying a running apxd's
// introspection API (spec.md §6 CLI surface; SPEC_FULL §6). Grounded on
// pkg/miniclient's liner-driven Attach REPL, replacing its JSON-over-unix-
// socket command protocol with plain HTTP GETs against internal/apxinspect.
package main

import (
	"flag"
	"fmt"
	"os"
)

func main() {
	addr := flag.String("addr", "http://127.0.0.1:9851", "apxd introspection API base URL")
	flag.Parse()

	if flag.NArg() > 0 && flag.Arg(0) == "log" {
		if flag.NArg() != 3 || flag.Arg(1) != "tail" {
			fmt.Fprintln(os.Stderr, "usage: apxctl log tail <file>")
			os.Exit(1)
		}
		if err := tailLog(flag.Arg(2)); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	c := &Client{base: *addr}
	c.Attach()
}
