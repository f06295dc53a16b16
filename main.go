// The main package for the crawl-prometheus executable.
package main

import (
	"github.com/JakeFAU/crawl-prometheus/cmd"
)

func main() {
	cmd.Execute()
}
