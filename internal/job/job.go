// Package job holds the current unit of mining work and hands out disjoint
// nonce ranges for it.
package job

import (
	"time"

	"github.com/google/uuid"

	"github.com/bardlex/qminer/internal/difficulty"
	"github.com/bardlex/qminer/internal/randomq"
)

// Template is the work description produced by a job source before the
// manager assigns it a version.
type Template struct {
	ID         string
	Header     []byte
	Target     difficulty.Target
	Rounds     uint64
	NonceLimit uint64 // exclusive upper bound; 0 means the full 64-bit space
	Height     int64

	// Key identifies the upstream work for change detection, e.g. the
	// previous block hash plus height. Empty means always new.
	Key string
}

// Job is a published, immutable unit of work.
type Job struct {
	ID         string
	Header     []byte
	Target     difficulty.Target
	Rounds     uint64
	Version    uint64
	NonceLimit uint64
	Height     int64
	Key        string
	CreatedAt  time.Time
}

// NonceRange is a half-open interval [Start, End) of nonces for one version.
type NonceRange struct {
	Start      uint64
	End        uint64
	JobVersion uint64
}

// Len returns the number of nonces in r.
func (r NonceRange) Len() uint64 {
	return r.End - r.Start
}

// Share is a qualifying nonce for a specific job version.
type Share struct {
	ID         string
	JobID      string
	JobVersion uint64
	WorkerID   int
	Nonce      uint64
	Digest     randomq.Digest
	FoundAt    time.Time
}

// NewShare stamps a share with a fresh id.
func NewShare(j *Job, workerID int, nonce uint64, digest randomq.Digest) *Share {
	return &Share{
		ID:         uuid.NewString(),
		JobID:      j.ID,
		JobVersion: j.Version,
		WorkerID:   workerID,
		Nonce:      nonce,
		Digest:     digest,
		FoundAt:    time.Now(),
	}
}
