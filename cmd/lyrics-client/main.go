// lyrics-client is a line-oriented REPL for talking to a lyrics-server
// over either the custom MyCP transport or ordinary kernel TCP sockets.
package main

import (
	"context"
	"flag"
	"log"
	"os"

	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/rtx"

	"github.com/lyricsdb/mycp/client"
	"github.com/lyricsdb/mycp/transport"
)

func init() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
}

var (
	transportFlag = flag.String("transport", "tcp", "Transport to connect with: \"mycp\" or \"tcp\".")
	connectAddr   = flag.String("connect", "127.0.0.1:9100", "Server address to connect to (ip:port).")
	localPort     = flag.Uint("local-port", 5000, "Local MyCP port to use (ignored for the tcp transport).")
)

func main() {
	flag.Parse()
	flagx.ArgsFromEnv(flag.CommandLine)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, err := transport.Dial(ctx, transport.Backend(*transportFlag), uint16(*localPort), *connectAddr)
	rtx.Must(err, "Could not connect to %q via %q", *connectAddr, *transportFlag)
	defer stream.Close()

	rtx.Must(client.Run(stream, os.Stdin, os.Stdout), "client REPL exited with an error")
}
