package cmd

import "fmt"

// License prints third-party license notices for the dependencies this
// server embeds.
type License struct{}

func (l *License) Run() error {
	fmt.Println(licenseNotice)
	return nil
}

const licenseNotice = `usbipd-win exports locally attached USB devices over the USB/IP wire
protocol to remote USB/IP clients.

This program is distributed in the hope that it will be useful, but
WITHOUT ANY WARRANTY of any kind. It links against third-party modules
under their own licenses; see go.mod for the full dependency list.`
