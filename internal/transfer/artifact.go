package transfer

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// Artifact is a fully assembled file.
type Artifact struct {
	Name     string
	MimeType string
	Data     []byte
	Digest   [32]byte
}

func newArtifact(m Manifest, data []byte) *Artifact {
	return &Artifact{
		Name:     m.Name,
		MimeType: m.MimeType,
		Data:     data,
		Digest:   blake3.Sum256(data),
	}
}

func (a *Artifact) Size() uint64 { return uint64(len(a.Data)) }

// DigestHex is the BLAKE3 digest both endpoints print for comparison.
func (a *Artifact) DigestHex() string { return hex.EncodeToString(a.Digest[:]) }
