// Package client implements the lyricsDB REPL: a line-oriented prompt over
// stdin that turns simple commands into protocol frames sent across a
// transport.Stream, reading one command line, sending one frame, and
// printing one response frame per iteration.
package client

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/lyricsdb/mycp/protocol"
	"github.com/lyricsdb/mycp/transport"
)

// Run reads commands from in, one per line, until EOF or an unrecoverable
// transport error, writing responses to out.
func Run(stream transport.Stream, in io.Reader, out io.Writer) error {
	rw := streamIO{stream}
	scanner := bufio.NewScanner(in)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		req, err := parseCommand(line)
		if err != nil {
			fmt.Fprintln(out, "error:", err)
			continue
		}
		if err := protocol.WriteFrame(rw, req); err != nil {
			return fmt.Errorf("client: sending request: %w", err)
		}
		resp, err := protocol.ReadFrame(rw)
		if err != nil {
			return fmt.Errorf("client: reading response: %w", err)
		}
		printResponse(out, resp)
	}
	return scanner.Err()
}

// parseCommand turns one REPL line into a request Message. Supported
// commands: "get <title>", "list", "add <title> | <artist> | <text>".
func parseCommand(line string) (protocol.Message, error) {
	fields := strings.SplitN(line, " ", 2)
	cmd := fields[0]
	switch cmd {
	case "get":
		if len(fields) < 2 || strings.TrimSpace(fields[1]) == "" {
			return nil, fmt.Errorf("usage: get <title>")
		}
		return protocol.GetSongReq{Title: strings.TrimSpace(fields[1])}, nil
	case "list":
		return protocol.GetListReq{}, nil
	case "add":
		if len(fields) < 2 {
			return nil, fmt.Errorf("usage: add <title> | <artist> | <text>")
		}
		parts := strings.SplitN(fields[1], "|", 3)
		if len(parts) != 3 {
			return nil, fmt.Errorf("usage: add <title> | <artist> | <text>")
		}
		return protocol.AddSongReq{
			Title:  strings.TrimSpace(parts[0]),
			Artist: strings.TrimSpace(parts[1]),
			Text:   strings.TrimSpace(parts[2]),
		}, nil
	default:
		return nil, fmt.Errorf("unknown command %q (want get/list/add)", cmd)
	}
}

func printResponse(out io.Writer, resp protocol.Message) {
	switch r := resp.(type) {
	case protocol.GetSongResp:
		if !r.Found {
			fmt.Fprintln(out, "not found")
			return
		}
		fmt.Fprintln(out, r.Text)
	case protocol.GetListResp:
		for _, title := range r.Titles {
			fmt.Fprintln(out, title)
		}
	case protocol.AddSongResp:
		if !r.OK {
			fmt.Fprintln(out, "error:", r.Error)
			return
		}
		fmt.Fprintln(out, "added:", r.ID)
	default:
		fmt.Fprintf(out, "unexpected response %T\n", resp)
	}
}

type streamIO struct{ s transport.Stream }

func (w streamIO) Write(p []byte) (int, error) {
	if err := w.s.Send(p); err != nil {
		return 0, err
	}
	return len(p), nil
}
func (r streamIO) Read(p []byte) (int, error) { return r.s.Recv(p) }
