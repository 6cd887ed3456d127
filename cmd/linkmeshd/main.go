// Command linkmeshd runs one node of a GBA link-cable multiplayer mesh,
// either as the mesh's master or as a joiner of an existing one.
package main

import (
	"context"
	"os"

	"github.com/jfpfau/linkmesh/cmd/linkmeshd/cli"
	"github.com/jfpfau/linkmesh/internal/logging"
)

func main() {
	logger := logging.New()
	defer logger.Sync()

	root := cli.NewCLI(logger)
	if err := root.ExecuteContext(context.Background()); err != nil {
		logger.Errorw("linkmeshd: exiting with error", "err", err)
		os.Exit(1)
	}
}
