// Package store holds the in-memory lyrics catalog the lyricsDB server
// dispatches requests against. It is grounded on cache.Cache's
// single-struct-owns-its-map pattern, simplified to one map (there is no
// "previous round" concept here) and guarded by a sync.RWMutex since reads
// (GetSongReq, GetListReq) vastly outnumber writes (AddSongReq).
package store

import (
	"errors"
	"sync"

	"github.com/rs/xid"
)

// Package error values, mirroring cache's sentinel-error style.
var (
	ErrNotFound      = errors.New("store: song not found")
	ErrEmptyTitle    = errors.New("store: title must not be empty")
	ErrDuplicateSong = errors.New("store: a song with that title already exists")
)

// Song is one lyrics entry.
type Song struct {
	ID     string
	Title  string
	Artist string
	Text   string
}

// Store is the lyricsDB catalog: one map keyed by xid, one secondary index
// from title to ID for GetSongReq/GetListReq lookups.
type Store struct {
	mu       sync.RWMutex
	byID     map[string]Song
	idByName map[string]string

	recorder Recorder
}

// New creates an empty Store. If rec is non-nil, every successful AddSong
// is also appended to it before the call returns.
func New(rec Recorder) *Store {
	return &Store{
		byID:     make(map[string]Song),
		idByName: make(map[string]string),
		recorder: rec,
	}
}

// GetByTitle looks up a song by its exact title.
func (s *Store) GetByTitle(title string) (Song, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.idByName[title]
	if !ok {
		return Song{}, ErrNotFound
	}
	return s.byID[id], nil
}

// Titles returns every song title currently stored, in no particular
// order.
func (s *Store) Titles() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	titles := make([]string, 0, len(s.idByName))
	for title := range s.idByName {
		titles = append(titles, title)
	}
	return titles
}

// AddSong inserts a new song, assigning it a fresh xid-based ID. Adding a
// song whose title already exists is rejected with ErrDuplicateSong rather
// than overwriting it.
func (s *Store) AddSong(title, artist, text string) (Song, error) {
	if title == "" {
		return Song{}, ErrEmptyTitle
	}
	s.mu.Lock()
	if _, exists := s.idByName[title]; exists {
		s.mu.Unlock()
		return Song{}, ErrDuplicateSong
	}
	song := Song{ID: xid.New().String(), Title: title, Artist: artist, Text: text}
	s.byID[song.ID] = song
	s.idByName[title] = song.ID
	s.mu.Unlock()

	if s.recorder != nil {
		if err := s.recorder.RecordAdd(song); err != nil {
			return song, err
		}
	}
	return song, nil
}

// Len reports how many songs are currently stored.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}
