package model

import "time"

// CacheDocument is a cache entry as held by a shared tier. Value carries the
// encoded payload, zstd-compressed when Compressed is set.
type CacheDocument struct {
	Namespace  string    `json:"namespace"`
	Key        string    `json:"key"`
	Value      []byte    `json:"value"`
	Compressed bool      `json:"compressed"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Expired reports whether the document is past its expiry at now
func (d *CacheDocument) Expired(now time.Time) bool {
	return !now.Before(d.ExpiresAt)
}
