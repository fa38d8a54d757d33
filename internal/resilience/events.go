package resilience

// ErrorType classifies a playback error by the failing subsystem.
type ErrorType string

const (
	// ErrorTypeNetwork covers transport failures: playlist or segment
	// requests that time out, 4xx/5xx, connection resets.
	ErrorTypeNetwork ErrorType = "network"
	// ErrorTypeMedia covers decode and buffering failures inside the
	// playback engine.
	ErrorTypeMedia ErrorType = "media"
	// ErrorTypeOther is anything the engine could not classify.
	ErrorTypeOther ErrorType = "other"
)

// Detail narrows an error within its type.
type Detail string

const (
	// DetailFragParsing marks a segment that could not be parsed.
	DetailFragParsing Detail = "frag_parsing"
	// DetailBufferAppend marks a segment the decoder buffer rejected.
	DetailBufferAppend Detail = "buffer_append"
)

// Event is one structured error delivered by the playback engine.
type Event struct {
	Type    ErrorType
	Detail  Detail
	Fatal   bool
	Message string
}

// parsingRelated reports whether the event belongs to the parsing/append
// family of media errors, which are recovered by skipping the corrupt
// unit instead of counting toward the media ceiling.
func (e Event) parsingRelated() bool {
	return e.Detail == DetailFragParsing || e.Detail == DetailBufferAppend
}

// TransportMode identifies a playback transport for mode escalation.
type TransportMode string

const (
	// TransportModeHLS is segmented playlist playback.
	TransportModeHLS TransportMode = "hls"
	// TransportModeDirect is progressive transport-stream playback, the
	// escalation target when segmented playback keeps failing.
	TransportModeDirect TransportMode = "direct"
)
