// Package xmltv decodes XMLTV electronic program guide documents in a
// streaming fashion, invoking callbacks per entry so multi-hundred-MB
// guides never need to be held in memory at once.
package xmltv

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

// Channel is a channel definition from the guide header.
type Channel struct {
	ID          string
	DisplayName string
}

// Programme is a single guide entry. Times are in the zone the document
// declared, or UTC when the timestamp carried no offset.
type Programme struct {
	Start       time.Time
	Stop        time.Time
	Channel     string
	Title       string
	SubTitle    string
	Description string
	Category    string
}

// Parser walks an XMLTV document and hands each entry to the configured
// callbacks. A nil callback skips the corresponding element kind.
type Parser struct {
	// OnChannel receives each channel definition.
	OnChannel func(ch *Channel) error

	// OnProgramme receives each programme.
	OnProgramme func(prog *Programme) error

	// OnError receives recoverable per-entry problems, such as an
	// unparseable timestamp. Parsing continues afterwards.
	OnError func(err error)
}

// Decode targets for the raw XML. Guides routinely repeat elements per
// language; the first occurrence wins.
type channelElem struct {
	ID    string   `xml:"id,attr"`
	Names []string `xml:"display-name"`
}

type programmeElem struct {
	Start      string   `xml:"start,attr"`
	Stop       string   `xml:"stop,attr"`
	Channel    string   `xml:"channel,attr"`
	Titles     []string `xml:"title"`
	SubTitles  []string `xml:"sub-title"`
	Descs      []string `xml:"desc"`
	Categories []string `xml:"category"`
}

// Parse decodes an uncompressed XMLTV document from r. A callback error
// aborts the walk and is returned to the caller.
func (p *Parser) Parse(r io.Reader) error {
	dec := xml.NewDecoder(r)
	// Real-world guides are sloppy: unescaped entities, HTML tags in
	// descriptions, mixed encodings.
	dec.Strict = false
	dec.AutoClose = xml.HTMLAutoClose
	dec.Entity = xml.HTMLEntity

	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("decoding guide: %w", err)
		}

		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}

		switch start.Name.Local {
		case "channel":
			if err := p.decodeChannel(dec, &start); err != nil {
				return err
			}
		case "programme":
			if err := p.decodeProgramme(dec, &start); err != nil {
				return err
			}
		}
	}
}

func (p *Parser) decodeChannel(dec *xml.Decoder, start *xml.StartElement) error {
	if p.OnChannel == nil {
		return dec.Skip()
	}

	var el channelElem
	if err := dec.DecodeElement(&el, start); err != nil {
		p.report(fmt.Errorf("channel entry: %w", err))
		return nil
	}

	ch := Channel{ID: el.ID, DisplayName: first(el.Names)}
	if err := p.OnChannel(&ch); err != nil {
		return fmt.Errorf("channel callback: %w", err)
	}
	return nil
}

func (p *Parser) decodeProgramme(dec *xml.Decoder, start *xml.StartElement) error {
	if p.OnProgramme == nil {
		return dec.Skip()
	}

	var el programmeElem
	if err := dec.DecodeElement(&el, start); err != nil {
		p.report(fmt.Errorf("programme entry: %w", err))
		return nil
	}

	prog := Programme{
		Channel:     el.Channel,
		Start:       p.attrTime(el.Start),
		Stop:        p.attrTime(el.Stop),
		Title:       first(el.Titles),
		SubTitle:    first(el.SubTitles),
		Description: first(el.Descs),
		Category:    first(el.Categories),
	}
	if err := p.OnProgramme(&prog); err != nil {
		return fmt.Errorf("programme callback: %w", err)
	}
	return nil
}

// attrTime parses a timestamp attribute, reporting failures through
// OnError and returning the zero time so the caller can filter.
func (p *Parser) attrTime(s string) time.Time {
	if strings.TrimSpace(s) == "" {
		return time.Time{}
	}
	t, err := parseTime(s)
	if err != nil {
		p.report(err)
		return time.Time{}
	}
	return t
}

func (p *Parser) report(err error) {
	if p.OnError != nil {
		p.OnError(err)
	}
}

// first returns the first element trimmed, or "".
func first(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return strings.TrimSpace(values[0])
}

// timeLayouts are the timestamp shapes seen in the wild, most specific
// first: full with offset, full without, and minute precision.
var timeLayouts = []string{
	"20060102150405 -0700",
	"20060102150405",
	"200601021504",
}

func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("bad xmltv timestamp %q", s)
}
