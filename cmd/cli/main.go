// Command otactl talks to the OTA client firmware: it drives the device
// console, serves firmware images for the device to pull and rehearses an
// update on the host against file-backed flash.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
