// Command canopy runs the job queue worker, sweeper, and stream supervisor,
// and provisions mail provider accounts via OAuth.
package main

import (
	"os"

	"github.com/canopymail/core/internal/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
