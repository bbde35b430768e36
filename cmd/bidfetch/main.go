package main

import (
	"bidfetch/cmd/bidfetch/commands"
	"bidfetch/lib/util/serviceutil"
)

func main() {
	commands.ExecuteContext(serviceutil.SignalContext())
}
