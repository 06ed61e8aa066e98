package gateway

import (
	"encoding/base64"
	"errors"
	"sync"
	"time"

	"github.com/skip2/go-qrcode"
)

const qrImageSize = 256

// PairingArtifact is the rendered pairing code a user scans from a companion device.
type PairingArtifact struct {
	Key      string
	Code     string
	Rendered string
	IssuedAt time.Time
}

// Renderer turns a raw pairing code into a client-consumable payload.
type Renderer interface {
	Render(code string) (string, error)
}

// QRRenderer renders pairing codes as PNG QR images encoded in a data URL.
type QRRenderer struct {
	Size int
}

// Render implements Renderer.
func (r QRRenderer) Render(code string) (string, error) {
	if code == "" {
		return "", errors.New("empty pairing code")
	}
	size := r.Size
	if size <= 0 {
		size = qrImageSize
	}
	png, err := qrcode.Encode(code, qrcode.Medium, size)
	if err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}

// PairingCache holds the latest pairing artifact per session key.
// Each key is written only by its own session controller.
type PairingCache struct {
	mu        sync.RWMutex
	artifacts map[string]PairingArtifact
}

// NewPairingCache constructs an empty cache.
func NewPairingCache() *PairingCache {
	return &PairingCache{artifacts: make(map[string]PairingArtifact)}
}

// Put replaces the artifact for its key.
func (c *PairingCache) Put(a PairingArtifact) {
	c.mu.Lock()
	c.artifacts[a.Key] = a
	c.mu.Unlock()
}

// Get returns the current artifact, if any.
func (c *PairingCache) Get(key string) (PairingArtifact, bool) {
	c.mu.RLock()
	a, ok := c.artifacts[key]
	c.mu.RUnlock()
	return a, ok
}

// Clear drops the artifact for key.
func (c *PairingCache) Clear(key string) {
	c.mu.Lock()
	delete(c.artifacts, key)
	c.mu.Unlock()
}
