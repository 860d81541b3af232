// SPDX-License-Identifier: GPL-2.0-only

// Command usbipd exports USB devices attached to this Windows host over
// USB/IP. See the commands package for the list/bind/unbind/server surface.
package main

import (
	"fmt"
	"os"

	"github.com/benmcmorran/usbipd-win/cmd/usbipd/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "usbipd: %v\n", err)
		os.Exit(1)
	}
}
