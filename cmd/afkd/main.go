// Command afkd runs the AFK coin-earning service.
package main

import (
	"os"

	"github.com/golang/glog"

	"github.com/coinhost/afkd/internal/cli"
)

func main() {
	err := cli.Execute()
	glog.Flush()
	if err != nil {
		os.Exit(1)
	}
}
