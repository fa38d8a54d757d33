package httpclient

import (
	"compress/flate"
	"compress/gzip"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
)

// acceptedEncodings is the Accept-Encoding value advertised when
// decompression is enabled.
const acceptedEncodings = "gzip, deflate, br"

// wrapBody replaces resp.Body with a reader that decodes the declared
// Content-Encoding and enforces MaxResponseSize on the decoded bytes.
func (c *Client) wrapBody(resp *http.Response) io.ReadCloser {
	b := &body{src: resp.Body, r: resp.Body}
	if c.config.MaxResponseSize > 0 {
		b.capped = true
		b.remaining = c.config.MaxResponseSize
	}

	if c.config.EnableDecompression {
		switch strings.ToLower(resp.Header.Get("Content-Encoding")) {
		case "":
			// Nothing to decode.
		case "gzip":
			zr, err := gzip.NewReader(resp.Body)
			if err != nil {
				// A broken stream surfaces on read; hand back the raw
				// bytes instead of failing the response here.
				c.logger.Warn("bad gzip stream, passing body through",
					slog.String("error", err.Error()))
				break
			}
			b.r, b.decoder = zr, zr
		case "deflate":
			fr := flate.NewReader(resp.Body)
			b.r, b.decoder = fr, fr
		case "br":
			b.r = brotli.NewReader(resp.Body)
		default:
			c.logger.Debug("unrecognized content encoding, passing body through",
				slog.String("encoding", resp.Header.Get("Content-Encoding")))
		}
	}

	// No decoding and no cap; the original body suffices.
	if b.r == resp.Body && !b.capped {
		return resp.Body
	}
	return b
}

// body decodes and size-caps an HTTP response body. remaining counts
// down decoded bytes; once it goes negative every Read returns
// ErrResponseTooLarge.
type body struct {
	r         io.Reader
	src       io.Closer
	decoder   io.Closer
	remaining int64
	capped    bool
	overflow  bool
}

func (b *body) Read(p []byte) (int, error) {
	if b.overflow {
		return 0, ErrResponseTooLarge
	}

	n, err := b.r.Read(p)
	if b.capped {
		b.remaining -= int64(n)
		if b.remaining < 0 {
			b.overflow = true
			return n, ErrResponseTooLarge
		}
	}
	return n, err
}

func (b *body) Close() error {
	if b.decoder != nil {
		b.decoder.Close()
	}
	return b.src.Close()
}
