package main

import (
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/wilsonzlin/quickdrop/internal/endpoint"
	"github.com/wilsonzlin/quickdrop/internal/transfer"
)

func (c *cli) sendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send <file>",
		Short: "Offer a file and print the code the receiver needs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			m, err := manifestFor(f)
			if err != nil {
				return err
			}
			opts, err := c.endpointOptions()
			if err != nil {
				return err
			}

			a, err := endpoint.Send(cmd.Context(), opts, m, f)
			if err != nil {
				return err
			}
			res, err := c.follow(cmd, a, true)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent %s (%s)\nblake3 %x\n", m.Name, formatSize(m.Size), res.Digest)
			return nil
		},
	}
}

// manifestFor describes f. The MIME type comes from the extension, falling
// back to sniffing the first bytes.
func manifestFor(f *os.File) (transfer.Manifest, error) {
	info, err := f.Stat()
	if err != nil {
		return transfer.Manifest{}, err
	}
	if info.IsDir() {
		return transfer.Manifest{}, fmt.Errorf("%s is a directory", f.Name())
	}

	name := filepath.Base(f.Name())
	mimeType := mime.TypeByExtension(filepath.Ext(name))
	if mimeType == "" {
		head := make([]byte, 512)
		n, err := f.ReadAt(head, 0)
		if err != nil && err != io.EOF {
			return transfer.Manifest{}, err
		}
		mimeType = http.DetectContentType(head[:n])
	}
	return transfer.Manifest{Name: name, Size: uint64(info.Size()), MimeType: mimeType}, nil
}
