package messaging

import "time"

// ShareMessage is a qualifying nonce published to TopicShares.
type ShareMessage struct {
	ShareID     string    `json:"share_id"`
	JobID       string    `json:"job_id"`
	JobVersion  uint64    `json:"job_version"`
	WorkerName  string    `json:"worker_name"`
	Thread      int       `json:"thread"`
	Nonce       uint64    `json:"nonce"`
	NonceHex    string    `json:"nonce_hex"`
	Digest      string    `json:"digest"`
	FoundAt     time.Time `json:"found_at"`
	SubmittedAt time.Time `json:"submitted_at"`
}
