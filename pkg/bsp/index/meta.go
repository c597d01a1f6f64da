package index

import (
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/fluxorio/unitpool/pkg/config"
)

// Meta is the summary written to meta.json next to the index
type Meta struct {
	LastSaved      time.Time `json:"lastSaved"`
	SavedBy        string    `json:"savedBy"`
	IndexerVersion string    `json:"indexerVersion"`
	Elapsed        float64   `json:"elapsed"` // seconds, one decimal
	Stats          Stats     `json:"stats"`
}

// NewMeta builds the summary of a finished run
func NewMeta(stats Stats, elapsed time.Duration, now time.Time) Meta {
	return Meta{
		LastSaved:      now,
		SavedBy:        currentUser(),
		IndexerVersion: IndexerVersion,
		Elapsed:        math.Round(elapsed.Seconds()*10) / 10,
		Stats:          stats,
	}
}

// WriteMeta writes meta as meta.json in the directory of the index file
func WriteMeta(indexPath string, meta Meta) (string, error) {
	path := filepath.Join(filepath.Dir(indexPath), "meta.json")
	if err := config.SaveJSON(path, meta); err != nil {
		return "", err
	}
	return path, nil
}

func currentUser() string {
	for _, key := range []string{"USER", "USERNAME"} {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	return "unknown"
}
