// lyrics-stats converts the JSON-lines connection snapshots a
// lyrics-server writes via -snapshot-log into a CSV, one row per
// connection per snapshot interval.
package main

import (
	"bufio"
	"encoding/json"
	"io"
	"log"
	"os"

	"github.com/gocarina/gocsv"
	"github.com/m-lab/go/rtx"

	"github.com/lyricsdb/mycp/iomux"
)

func init() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
}

// readSnapshots decodes every JSON-encoded iomux.ConnectionSnapshot line
// from rdr, in order.
func readSnapshots(rdr io.Reader) ([]*iomux.ConnectionSnapshot, error) {
	dec := json.NewDecoder(bufio.NewReader(rdr))
	var out []*iomux.ConnectionSnapshot
	for {
		var s iomux.ConnectionSnapshot
		err := dec.Decode(&s)
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, &s)
	}
}

func toCSV(snapshots []*iomux.ConnectionSnapshot, wtr io.Writer) error {
	return gocsv.Marshal(snapshots, wtr)
}

func main() {
	args := os.Args[1:]

	var source io.ReadCloser = os.Stdin
	var err error
	if len(args) == 1 {
		source, err = os.Open(args[0])
		rtx.Must(err, "Could not open file %q", args[0])
	} else if len(args) > 1 {
		log.Fatal("Too many command-line arguments.")
	}
	defer source.Close()

	snaps, err := readSnapshots(source)
	rtx.Must(err, "Could not read connection snapshots")
	rtx.Must(toCSV(snaps, os.Stdout), "Could not convert snapshots to CSV")
}
