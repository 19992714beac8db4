// Package manifest writes a small JSON sidecar next to every finalized
// archive, so a stored backup can be identified and checked without the
// state database.
package manifest

import (
	"encoding/json"
	"os"
	"time"
)

const Version = "1"

// Manifest describes one received archive.
type Manifest struct {
	Version    string    `json:"version"`
	TransferID string    `json:"transfer_id"`
	FileName   string    `json:"file_name"`
	Size       int64     `json:"size"`
	Checksum   string    `json:"checksum"`      // SHA-256 of the assembled archive
	MD5        string    `json:"md5,omitempty"` // legacy digest for external tooling
	ReceivedAt time.Time `json:"received_at"`
	ArchivedTo string    `json:"archived_to,omitempty"`
}

func (m *Manifest) Serialize() ([]byte, error) {
	return json.MarshalIndent(m, "", "  ")
}

func Deserialize(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// PathFor is the sidecar location for an archive path.
func PathFor(archivePath string) string {
	return archivePath + ".manifest"
}

// Write persists the manifest atomically next to its archive.
func Write(archivePath string, m *Manifest) error {
	if m.Version == "" {
		m.Version = Version
	}
	data, err := m.Serialize()
	if err != nil {
		return err
	}
	tmp := PathFor(archivePath) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, PathFor(archivePath)); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// Load reads the sidecar for an archive path.
func Load(archivePath string) (*Manifest, error) {
	data, err := os.ReadFile(PathFor(archivePath))
	if err != nil {
		return nil, err
	}
	return Deserialize(data)
}
