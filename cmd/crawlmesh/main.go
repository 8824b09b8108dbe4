// Command crawlmesh runs and operates a CrawlMesh frontier/worker-pool
// engine: starting the full crawl, seeding URLs onto the frontier, and
// inspecting queue depth.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
