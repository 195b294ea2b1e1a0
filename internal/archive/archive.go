// Package archive writes finalized sessions to compressed JSON files
// for retention outside the live database.
package archive

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/minutesd/minutesd/internal/aggregate"
	"github.com/minutesd/minutesd/internal/store"
	"github.com/minutesd/minutesd/internal/summarize"
)

// Document is the archived shape of one finished session.
type Document struct {
	SessionID  string              `json:"sessionId"`
	UserID     string              `json:"userId"`
	Title      string              `json:"title"`
	Status     string              `json:"status"`
	StartedAt  time.Time           `json:"startedAt"`
	EndedAt    *time.Time          `json:"endedAt,omitempty"`
	Transcript string              `json:"transcript"`
	Segments   []aggregate.Segment `json:"segments"`
	Summary    *summarize.Summary  `json:"summary,omitempty"`
	ArchivedAt time.Time           `json:"archivedAt"`
}

// Writer persists session archives as zstd-compressed JSON under Dir.
type Writer struct {
	Dir string
}

// NewWriter ensures dir exists and returns a Writer over it.
func NewWriter(dir string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating archive dir: %w", err)
	}
	return &Writer{Dir: dir}, nil
}

// Write stores the session archive and returns its path. Written via a
// temp file and rename so readers never observe a partial archive.
func (w *Writer) Write(sess *store.Session, result aggregate.Result, summary *summarize.Summary) (string, error) {
	doc := Document{
		SessionID:  sess.ID,
		UserID:     sess.UserID,
		Title:      sess.Title,
		Status:     string(sess.Status),
		StartedAt:  sess.StartedAt,
		EndedAt:    sess.EndedAt,
		Transcript: result.Text,
		Segments:   result.Segments,
		Summary:    summary,
		ArchivedAt: time.Now().UTC(),
	}

	final := filepath.Join(w.Dir, sess.ID+".json.zst")
	tmp, err := os.CreateTemp(w.Dir, ".archive-*")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())

	enc, err := zstd.NewWriter(tmp)
	if err != nil {
		tmp.Close()
		return "", err
	}
	if err := json.NewEncoder(enc).Encode(doc); err != nil {
		enc.Close()
		tmp.Close()
		return "", fmt.Errorf("encoding archive: %w", err)
	}
	if err := enc.Close(); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		return "", err
	}
	return final, nil
}

// Read loads an archived session document.
func Read(path string) (*Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	var doc Document
	if err := json.NewDecoder(dec).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decoding archive: %w", err)
	}
	return &doc, nil
}
