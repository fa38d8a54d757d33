package transcoder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/asticode/go-astits"
)

// maxProbeBytes bounds how much of a segment the codec probe reads. The
// PAT and PMT sit in the first packets of every segment ffmpeg writes.
const maxProbeBytes = 256 * 1024

// probeSegment reads the program map of an MPEG-TS segment and returns
// codec labels for its first video and audio streams.
func probeSegment(ctx context.Context, path string) (video, audio string, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", "", err
	}
	defer f.Close()

	dmx := astits.NewDemuxer(ctx, io.LimitReader(f, maxProbeBytes))
	for {
		d, err := dmx.NextData()
		if err != nil {
			if errors.Is(err, astits.ErrNoMorePackets) {
				break
			}
			return "", "", fmt.Errorf("demuxing segment: %w", err)
		}
		if d.PMT == nil {
			continue
		}

		for _, es := range d.PMT.ElementaryStreams {
			switch {
			case es.StreamType.IsVideo() && video == "":
				video = streamTypeLabel(es.StreamType)
			case es.StreamType.IsAudio() && audio == "":
				audio = streamTypeLabel(es.StreamType)
			}
		}
		return video, audio, nil
	}

	return "", "", errors.New("no program map found")
}

// newestSegment returns the most recently modified .ts file in dir.
func newestSegment(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}

	var newest string
	var newestMod time.Time
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".ts" {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if newest == "" || info.ModTime().After(newestMod) {
			newest = entry.Name()
			newestMod = info.ModTime()
		}
	}

	if newest == "" {
		return "", errors.New("no segments found")
	}
	return filepath.Join(dir, newest), nil
}

// streamTypeLabel maps MPEG-TS stream types to the codec names surfaced in
// worker stats.
func streamTypeLabel(t astits.StreamType) string {
	switch t {
	case astits.StreamTypeH264Video:
		return "h264"
	case astits.StreamTypeH265Video:
		return "hevc"
	case astits.StreamTypeMPEG2Video:
		return "mpeg2video"
	case astits.StreamTypeADTS:
		return "aac"
	case astits.StreamTypeAC3Audio:
		return "ac3"
	case astits.StreamTypeEAC3Audio:
		return "eac3"
	case astits.StreamTypeMPEG1Audio:
		return "mp2"
	default:
		return fmt.Sprintf("type_0x%02x", uint8(t))
	}
}
