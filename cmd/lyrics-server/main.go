// lyrics-server runs the lyricsDB request dispatcher over either the
// custom MyCP transport or ordinary kernel TCP sockets.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"time"

	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/prometheusx"
	"github.com/m-lab/go/rtx"

	"github.com/lyricsdb/mycp"
	"github.com/lyricsdb/mycp/server"
	"github.com/lyricsdb/mycp/store"
	"github.com/lyricsdb/mycp/transport"
)

func init() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
}

var (
	transportFlag = flag.String("transport", "tcp", "Transport to serve on: \"mycp\" or \"tcp\".")
	listenAddr    = flag.String("listen", ":9100", "Address to listen on (host:port for tcp, :port for mycp).")
	promPort      = flag.String("prom", ":9090", "Prometheus metrics export address and port.")
	recordFile    = flag.String("record", "", "If set, pipe every added song through zstd into this file.")
	snapshotLog   = flag.String("snapshot-log", "", "If set and -transport=mycp, append one JSON line per connection per -snapshot-interval to this file, readable by cmd/lyrics-stats.")
	snapshotEvery = flag.Duration("snapshot-interval", 10*time.Second, "How often to append connection snapshots to -snapshot-log.")

	ctx, cancel = context.WithCancel(context.Background())
)

func main() {
	flag.Parse()
	flagx.ArgsFromEnv(flag.CommandLine)
	defer cancel()

	promSrv := prometheusx.MustStartPrometheus(*promPort)
	defer promSrv.Shutdown(ctx)

	var rec store.Recorder
	if *recordFile != "" {
		r, err := store.NewZstdRecorder(*recordFile)
		rtx.Must(err, "Could not start zstd recorder for %q", *recordFile)
		rec = r
		defer rec.Close()
	}
	db := store.New(rec)

	if *snapshotLog != "" && transport.Backend(*transportFlag) == transport.MyCP {
		f, err := os.OpenFile(*snapshotLog, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		rtx.Must(err, "Could not open %q for connection snapshots", *snapshotLog)
		defer f.Close()
		mgr, err := mycp.SharedManager(ctx)
		rtx.Must(err, "Could not start the MyCP network manager")
		go mgr.RunSnapshotLoop(ctx, *snapshotEvery, f)
	}

	l, err := transport.Listen(ctx, transport.Backend(*transportFlag), *listenAddr)
	rtx.Must(err, "Could not listen on %q via %q", *listenAddr, *transportFlag)
	defer l.Close()

	log.Printf("lyrics-server listening on %s (%s)", *listenAddr, *transportFlag)
	rtx.Must(server.Serve(ctx, l, db), "server.Serve exited with an error")
}
