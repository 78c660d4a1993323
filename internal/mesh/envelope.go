// Package mesh implements the topology-aware request/event transport that
// links a node to the rest of the mesh: envelope encoding, peer name
// resolution, request/acknowledge correlation, and the root's retained
// lifecycle publications.
package mesh

// Kind distinguishes the payload carried by an Envelope.
type Kind string

const (
	KindRelay  Kind = "RELAY"
	KindPWM    Kind = "PWM"
	KindConfig Kind = "CONFIG"
	KindInput  Kind = "INPUT"
	KindDiag   Kind = "DIAG"
)

// RootSentinel is the destination value meaning "the current root",
// resolved against the link's last-known root address at send time.
const RootSentinel = "*ROOT*"

// Envelope is the mesh transport object wrapping a command or event as it
// crosses node boundaries.
type Envelope struct {
	CorrelationID     uint32
	TimestampMs       uint64
	SourceDevice      string
	DestinationDevice string
	Kind              Kind
	TTL               int
	Hop               int
	OriginSetTopic    string
	Payload           interface{}
}

// Status is the outcome of a request or send_event call.
type Status string

const (
	StatusOK      Status = "OK"
	StatusTimeout Status = "TIMEOUT"
	StatusNoRoute Status = "NO_ROUTE"
	StatusErr     Status = "ERR"
)
