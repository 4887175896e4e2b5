// Command scrape-dispatch runs the API, the worker pool, the Fetch Service and
// the operator tooling.
package main

import (
	"os"

	"github.com/JakeFAU/scrape-dispatch/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
