package xmltv

import (
	"bufio"
	"bytes"
	"compress/bzip2"
	"compress/gzip"
	"errors"
	"fmt"
	"io"

	"github.com/ulikunitz/xz"
)

// Magic prefixes of the compression formats guides commonly ship in.
var (
	gzipMagic  = []byte{0x1f, 0x8b}
	bzip2Magic = []byte("BZh")
	xzMagic    = []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}
)

// ParseCompressed parses a document that may be gzip, bzip2, or xz
// compressed, sniffing the format from its leading bytes. Plain XML
// passes through unchanged.
func (p *Parser) ParseCompressed(r io.Reader) error {
	br := bufio.NewReader(r)

	head, err := br.Peek(len(xzMagic))
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("reading guide header: %w", err)
	}

	switch {
	case bytes.HasPrefix(head, gzipMagic):
		zr, err := gzip.NewReader(br)
		if err != nil {
			return fmt.Errorf("opening gzip stream: %w", err)
		}
		defer zr.Close()
		return p.Parse(zr)

	case bytes.HasPrefix(head, bzip2Magic):
		return p.Parse(bzip2.NewReader(br))

	case bytes.HasPrefix(head, xzMagic):
		xr, err := xz.NewReader(br)
		if err != nil {
			return fmt.Errorf("opening xz stream: %w", err)
		}
		return p.Parse(xr)
	}

	return p.Parse(br)
}
