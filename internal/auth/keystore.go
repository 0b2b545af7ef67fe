package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// KeyEntry is one provisioned API key. Only the SHA-256 of the key material
// is ever stored.
type KeyEntry struct {
	Hash      string     `json:"hash"` // hex-encoded SHA-256 of the key
	Subject   string     `json:"subject"`
	Scopes    []string   `json:"scopes"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

// KeyStore is the static API key store, reloadable from disk.
type KeyStore struct {
	mu      sync.RWMutex
	path    string
	entries []KeyEntry
}

// LoadKeyStore reads the JSON key file. An empty path yields an empty store
// (bearer-only deployments).
func LoadKeyStore(path string) (*KeyStore, error) {
	ks := &KeyStore{path: path}
	if path == "" {
		return ks, nil
	}
	if err := ks.reload(); err != nil {
		return nil, err
	}
	return ks, nil
}

func (ks *KeyStore) reload() error {
	data, err := os.ReadFile(ks.path)
	if err != nil {
		return err
	}
	var entries []KeyEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return err
	}
	ks.mu.Lock()
	ks.entries = entries
	ks.mu.Unlock()
	return nil
}

// Watch reloads the store when the file changes. Editors and provisioning
// tools replace the file, so rename/create count as writes.
func (ks *KeyStore) Watch(stop <-chan struct{}) error {
	if ks.path == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(ks.path); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-stop:
				return
			case evt, ok := <-watcher.Events:
				if !ok {
					return
				}
				if evt.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if err := ks.reload(); err != nil {
					log.Printf("[WARN] keystore: reload after %s failed: %v", evt.Op, err)
					continue
				}
				log.Printf("keystore: reloaded %s", ks.path)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("[WARN] keystore: watcher error: %v", err)
			}
		}
	}()
	return nil
}

// Lookup hashes the presented key and compares it against every entry in
// constant time. Revoked entries never match.
func (ks *KeyStore) Lookup(presented string) (*KeyEntry, bool) {
	sum := sha256.Sum256([]byte(presented))
	hexSum := []byte(hex.EncodeToString(sum[:]))

	ks.mu.RLock()
	defer ks.mu.RUnlock()

	var found *KeyEntry
	for i := range ks.entries {
		e := &ks.entries[i]
		if subtle.ConstantTimeCompare(hexSum, []byte(strings.ToLower(e.Hash))) == 1 && found == nil {
			found = e
		}
	}
	if found == nil || found.RevokedAt != nil {
		return nil, false
	}
	cp := *found
	return &cp, true
}
