package state

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
)

// metadata keys
const (
	MdSender    = "sender"
	MdReceiver  = "receiver"
	MdOrigin    = "origin"
	MdHopCount  = "hop"
	MdMessageId = "id"
	MdTrace     = "trace"
	MdTopic     = "topic"
	MdCategory  = "category"
)

// topics used for handler dispatch
const (
	TopicLsa      = "lsa"
	TopicLsaBatch = "lsa-batch"
	TopicRouted   = "routed"
)

const (
	CategoryHealthCheck = "health-check"
)

const traceSep = ","

// Metadata is the per-message header. It is copied, never shared, between hops.
type Metadata map[string]string

func (m Metadata) Clone() Metadata {
	if m == nil {
		return Metadata{}
	}
	return maps.Clone(m)
}

func (m Metadata) Sender() NodeId   { return NodeId(m[MdSender]) }
func (m Metadata) Receiver() NodeId { return NodeId(m[MdReceiver]) }
func (m Metadata) Origin() NodeId   { return NodeId(m[MdOrigin]) }
func (m Metadata) MessageId() string {
	return m[MdMessageId]
}
func (m Metadata) Topic() string    { return m[MdTopic] }
func (m Metadata) Category() string { return m[MdCategory] }

func (m Metadata) HopCount() uint32 {
	v, err := strconv.ParseUint(m[MdHopCount], 10, 32)
	if err != nil {
		return 0
	}
	return uint32(v)
}

func (m Metadata) SetHopCount(hops uint32) {
	m[MdHopCount] = strconv.FormatUint(uint64(hops), 10)
}

// IncrementHopCount bumps the hop count and returns the new value
func (m Metadata) IncrementHopCount() uint32 {
	hops := m.HopCount() + 1
	m.SetHopCount(hops)
	return hops
}

func (m Metadata) Trace() []NodeId {
	raw := m[MdTrace]
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, traceSep)
	out := make([]NodeId, 0, len(parts))
	for _, p := range parts {
		out = append(out, NodeId(p))
	}
	return out
}

func (m Metadata) AppendTrace(id NodeId) {
	if m[MdTrace] == "" {
		m[MdTrace] = string(id)
		return
	}
	m[MdTrace] += traceSep + string(id)
}

func (m Metadata) TraceContains(id NodeId) bool {
	return slices.Contains(m.Trace(), id)
}

type ResponseCode uint8

const (
	CodeOk ResponseCode = iota
	CodeNoRoute
	CodeTimeout
	CodeInterrupted
	CodeSendFailed
	CodeSerialization
	CodeRemoteError
	CodeUnknownTopic
	CodeLoop
	CodeClosed
)

var codeNames = map[ResponseCode]string{
	CodeOk:            "ok",
	CodeNoRoute:       "no route",
	CodeTimeout:       "timeout",
	CodeInterrupted:   "interrupted",
	CodeSendFailed:    "send failed",
	CodeSerialization: "serialization",
	CodeRemoteError:   "remote error",
	CodeUnknownTopic:  "unknown topic",
	CodeLoop:          "routing loop",
	CodeClosed:        "closed",
}

func (c ResponseCode) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("code(%d)", uint8(c))
}

// Response is what every request yields, successful or not.
type Response struct {
	Success  bool
	Code     ResponseCode
	Error    string
	Payload  []byte
	Metadata Metadata
}

func Ok(payload []byte) Response {
	return Response{Success: true, Code: CodeOk, Payload: payload}
}

func Fail(code ResponseCode, format string, args ...any) Response {
	return Response{Success: false, Code: code, Error: fmt.Sprintf(format, args...)}
}

func (r Response) String() string {
	if r.Success {
		return fmt.Sprintf("ok (%d bytes)", len(r.Payload))
	}
	return fmt.Sprintf("failed: %s: %s", r.Code, r.Error)
}
