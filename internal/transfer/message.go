package transfer

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Control message types. Chunks travel as binary frames with no header.
const (
	TypeFileInfo          = "file-info"
	TypeReadyForNextChunk = "ready-for-next-chunk"
	TypeFileReceived      = "file-received"
)

// Manifest describes the file; it is sent once, before the first chunk.
type Manifest struct {
	Name     string
	Size     uint64
	MimeType string
}

type control struct {
	Type     string  `json:"type"`
	Name     string  `json:"name,omitempty"`
	Size     *uint64 `json:"size,omitempty"`
	MimeType string  `json:"mimeType,omitempty"`

	// Window and ChunkSize are the sender's pacing parameters. A file-info
	// without them comes from a strict lockstep sender.
	Window    int `json:"window,omitempty"`
	ChunkSize int `json:"chunkSize,omitempty"`
}

func encodeFileInfo(m Manifest, window, chunkSize int) (string, error) {
	size := m.Size
	b, err := json.Marshal(control{
		Type:      TypeFileInfo,
		Name:      m.Name,
		Size:      &size,
		MimeType:  m.MimeType,
		Window:    window,
		ChunkSize: chunkSize,
	})
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func encodeSignal(typ string) string {
	b, _ := json.Marshal(control{Type: typ})
	return string(b)
}

func decodeControl(data []byte) (control, error) {
	var c control
	if err := json.Unmarshal(data, &c); err != nil {
		return control{}, fmt.Errorf("decode control message: %w", err)
	}
	if c.Type == "" {
		return control{}, errors.New("control message without type")
	}
	if c.Type == TypeFileInfo && c.Size == nil {
		return control{}, errors.New("file-info without size")
	}
	return c, nil
}

func (c control) manifest() Manifest {
	m := Manifest{Name: c.Name, MimeType: c.MimeType}
	if c.Size != nil {
		m.Size = *c.Size
	}
	return m
}
