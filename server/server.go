// Package server implements the lyricsDB request dispatcher: one goroutine
// per accepted transport.Stream, reading and answering protocol frames
// against a store.Store.
package server

import (
	"context"
	"io"
	"log"

	"github.com/lyricsdb/mycp/mycperr"
	"github.com/lyricsdb/mycp/protocol"
	"github.com/lyricsdb/mycp/store"
	"github.com/lyricsdb/mycp/transport"
)

// streamReader adapts transport.Stream's Recv (any backend) to a plain
// io.Reader for protocol.ReadFrame.
type streamReader struct {
	s transport.Stream
}

func (r streamReader) Read(p []byte) (int, error) {
	n, err := r.s.Recv(p)
	if err != nil {
		if mycperr.Is(err, mycperr.PeerClosed) {
			return n, io.EOF
		}
		return n, err
	}
	return n, nil
}

// Serve accepts connections from l until ctx is canceled, spawning one
// goroutine per connection that loops reading a frame, dispatching it
// against db, and writing the response frame, until the peer disconnects.
func Serve(ctx context.Context, l transport.Listener, db *store.Store) error {
	go func() {
		<-ctx.Done()
		l.Close()
	}()

	for {
		s, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go handleConn(s, db)
	}
}

func handleConn(s transport.Stream, db *store.Store) {
	defer s.Close()
	r := streamReader{s: s}
	for {
		req, err := protocol.ReadFrame(r)
		if err != nil {
			if err != io.EOF {
				log.Printf("server: reading frame: %v", err)
			}
			return
		}
		resp := dispatch(db, req)
		if resp == nil {
			continue
		}
		if err := protocol.WriteFrame(streamWriter{s}, resp); err != nil {
			log.Printf("server: writing response: %v", err)
			return
		}
	}
}

type streamWriter struct{ s transport.Stream }

func (w streamWriter) Write(p []byte) (int, error) {
	if err := w.s.Send(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func dispatch(db *store.Store, req protocol.Message) protocol.Message {
	switch m := req.(type) {
	case protocol.GetSongReq:
		song, err := db.GetByTitle(m.Title)
		if err != nil {
			return protocol.GetSongResp{Found: false}
		}
		return protocol.GetSongResp{Found: true, Text: song.Text}
	case protocol.GetListReq:
		return protocol.GetListResp{Titles: db.Titles()}
	case protocol.AddSongReq:
		song, err := db.AddSong(m.Title, m.Artist, m.Text)
		if err != nil {
			return protocol.AddSongResp{OK: false, Error: err.Error()}
		}
		return protocol.AddSongResp{ID: song.ID, OK: true}
	default:
		log.Printf("server: unhandled request type %T", req)
		return nil
	}
}
