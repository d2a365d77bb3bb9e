// Package remote provides node-to-node actor messaging for the aithon
// runtime. Local sends stay in-process; a Transport carries envelopes between
// runtimes on different nodes and delivers them to named actors.
package remote

import "time"

// ProtocolVersion is the envelope protocol spoken by this build. Peers
// advertise their version on every request and accept any compatible 1.x.
const ProtocolVersion = "1.0.0"

// Envelope is the transport-level wrapper around one remote message.
type Envelope struct {
	SenderNode    string `json:"senderNode"`
	SenderPID     int32  `json:"senderPid"`
	ReceiverNode  string `json:"receiverNode"`
	ReceiverName  string `json:"receiverName"` // Registry name on the receiving node
	Payload       []byte `json:"payload"`
	TimestampUnix int64  `json:"timestampUnix"`
}

// Handler is invoked by a Transport for every arriving envelope.
type Handler func(Envelope) error

// Transport abstracts a bidirectional envelope carrier.
type Transport interface {
	Start(address string, handler Handler) error
	Stop() error
	Address() string
	Send(to string, env Envelope) error
}

// Codec defines envelope payload serialization.
type Codec interface {
	Marshal(v interface{}) ([]byte, error)
	Unmarshal(data []byte, v interface{}) error
	ContentType() string
}

// NowUnix returns the current time in unix nanoseconds for stamping envelopes.
func NowUnix() int64 { return time.Now().UnixNano() }
