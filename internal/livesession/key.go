package livesession

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"
	"github.com/zeebo/blake3"
)

// entryDomainKey is the BLAKE3 key for entry identities: the ASCII domain
// name zero-padded to 32 bytes. Changing it changes every stored key.
var entryDomainKey = [32]byte{
	'c', 'o', 'a', 'c', 'h', 'l', 'y', '.', 't', 'r', 'a', 'n', 's', 'c', 'r', 'i',
	'p', 't', '.', 'e', 'n', 't', 'r', 'y', 0, 0, 0, 0, 0, 0, 0, 0,
}

type keyFields struct {
	Speaker   string   `json:"speaker"`
	Text      string   `json:"text"`
	Timestamp string   `json:"timestamp"`
	IsFinal   bool     `json:"is_final"`
	StartTime *float64 `json:"start_time,omitempty"`
	EndTime   *float64 `json:"end_time,omitempty"`
}

// EntryKey derives the stable identity of an entry from its content: the
// keyed BLAKE3 hash of the canonical JSON of speaker, text, timestamp,
// finality and timing. Redelivery of the same event yields the same key.
func EntryKey(e TranscriptEntry) (string, error) {
	raw, err := json.Marshal(keyFields{
		Speaker:   e.Speaker,
		Text:      e.Text,
		Timestamp: e.Timestamp.UTC().Format(time.RFC3339Nano),
		IsFinal:   e.IsFinal,
		StartTime: e.StartTime,
		EndTime:   e.EndTime,
	})
	if err != nil {
		return "", fmt.Errorf("marshal entry key: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize entry key: %w", err)
	}
	hasher, err := blake3.NewKeyed(entryDomainKey[:])
	if err != nil {
		return "", fmt.Errorf("init entry hasher: %w", err)
	}
	_, _ = hasher.Write(canonical)
	return hex.EncodeToString(hasher.Sum(nil)), nil
}
