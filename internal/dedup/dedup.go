// Package dedup detects byte-identical uploads within a tenant.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
)

// ErrNoMatch is returned by a Finder when no record carries the digest.
var ErrNoMatch = errors.New("no image with digest")

// Digest is the hex SHA-256 of the raw object bytes. It is both the dedup
// key and the persistence idempotency key.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Match identifies an existing record with the same digest.
type Match struct {
	ImageID    string
	StorageKey string
}

// Finder looks up a record by digest, scoped to one tenant.
type Finder interface {
	FindImageByHash(ctx context.Context, tenantID, contentHash string) (Match, error)
}

// PerceptualHasher computes a near-duplicate fingerprint. An empty string
// means "not computed".
type PerceptualHasher interface {
	Hash(img image.Image) (string, error)
}

// NoopHasher is the default PerceptualHasher; it never computes a hash.
type NoopHasher struct{}

func (NoopHasher) Hash(image.Image) (string, error) { return "", nil }

type Engine struct {
	finder Finder
	phash  PerceptualHasher
}

func NewEngine(finder Finder, phash PerceptualHasher) *Engine {
	if phash == nil {
		phash = NoopHasher{}
	}
	return &Engine{finder: finder, phash: phash}
}

type Result struct {
	Digest      string
	DuplicateOf string
	PHash       string
}

// Check looks for an earlier record with digest in tenantID. A record
// stored under the same key is the same upload seen again, not a duplicate.
func (e *Engine) Check(ctx context.Context, tenantID, key, digest string, img image.Image) (Result, error) {
	res := Result{Digest: digest}

	m, err := e.finder.FindImageByHash(ctx, tenantID, digest)
	switch {
	case errors.Is(err, ErrNoMatch):
	case err != nil:
		return Result{}, fmt.Errorf("find by hash: %w", err)
	case m.StorageKey != key:
		res.DuplicateOf = m.ImageID
	}

	if img != nil {
		ph, err := e.phash.Hash(img)
		if err != nil {
			return Result{}, fmt.Errorf("perceptual hash: %w", err)
		}
		res.PHash = ph
	}
	return res, nil
}
