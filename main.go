package main

import (
	_ "time/tzdata"

	"github.com/flightdesk/flightsync/cmd"
)

func main() {
	cmd.Execute()
}
