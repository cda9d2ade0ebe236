package protocol

import (
	"slices"

	"github.com/encodeous/weft/state"
	"google.golang.org/protobuf/encoding/protowire"
)

type EnvelopeKind uint8

const (
	KindHello EnvelopeKind = iota + 1
	KindRequest
	KindResponse
)

func (k EnvelopeKind) String() string {
	switch k {
	case KindHello:
		return "hello"
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	}
	return "unknown"
}

// Envelope is the frame exchanged on a stream transport. A hello carries NodeId and ConnectionId,
// a request carries Metadata and Payload, a response additionally carries the outcome.
type Envelope struct {
	Kind         EnvelopeKind
	RequestId    uint64
	NodeId       state.NodeId
	ConnectionId string
	Metadata     state.Metadata
	Payload      []byte
	Success      bool
	Code         state.ResponseCode
	Error        string
}

const (
	envKind         protowire.Number = 1
	envRequestId    protowire.Number = 2
	envMetadata     protowire.Number = 3
	envPayload      protowire.Number = 4
	envSuccess      protowire.Number = 5
	envCode         protowire.Number = 6
	envError        protowire.Number = 7
	envNodeId       protowire.Number = 8
	envConnectionId protowire.Number = 9

	mdKey   protowire.Number = 1
	mdValue protowire.Number = 2
)

// ResponseEnvelope wraps a response to the request with the given id
func ResponseEnvelope(id uint64, res state.Response) Envelope {
	return Envelope{
		Kind:      KindResponse,
		RequestId: id,
		Metadata:  res.Metadata,
		Payload:   res.Payload,
		Success:   res.Success,
		Code:      res.Code,
		Error:     res.Error,
	}
}

func (e Envelope) Response() state.Response {
	return state.Response{
		Success:  e.Success,
		Code:     e.Code,
		Error:    e.Error,
		Payload:  e.Payload,
		Metadata: e.Metadata,
	}
}

func EncodeEnvelope(e Envelope) []byte {
	var b []byte
	b = appendVarint(b, envKind, uint64(e.Kind))
	b = appendVarint(b, envRequestId, e.RequestId)
	keys := make([]string, 0, len(e.Metadata))
	for k := range e.Metadata {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		var entry []byte
		entry = appendString(entry, mdKey, k)
		entry = appendString(entry, mdValue, e.Metadata[k])
		b = appendBytes(b, envMetadata, entry)
	}
	if len(e.Payload) > 0 {
		b = appendBytes(b, envPayload, e.Payload)
	}
	if e.Success {
		b = appendVarint(b, envSuccess, 1)
	}
	b = appendVarint(b, envCode, uint64(e.Code))
	b = appendString(b, envError, e.Error)
	b = appendString(b, envNodeId, string(e.NodeId))
	b = appendString(b, envConnectionId, e.ConnectionId)
	return b
}

func decodeMetadataEntry(b []byte) (string, string, error) {
	var k, v string
	err := walk(b, func(num protowire.Number, typ protowire.Type, raw []byte) error {
		if num != mdKey && num != mdValue {
			return nil
		}
		s, err := bytesOf(num, typ, raw)
		if err != nil {
			return err
		}
		if num == mdKey {
			k = string(s)
		} else {
			v = string(s)
		}
		return nil
	})
	return k, v, err
}

func DecodeEnvelope(b []byte) (Envelope, error) {
	var e Envelope
	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch num {
		case envKind, envRequestId, envSuccess, envCode:
			x, err := varintOf(num, typ, v)
			if err != nil {
				return err
			}
			switch num {
			case envKind:
				e.Kind = EnvelopeKind(x)
			case envRequestId:
				e.RequestId = x
			case envSuccess:
				e.Success = x != 0
			default:
				e.Code = state.ResponseCode(x)
			}
		case envMetadata:
			raw, err := bytesOf(num, typ, v)
			if err != nil {
				return err
			}
			k, val, err := decodeMetadataEntry(raw)
			if err != nil {
				return err
			}
			if e.Metadata == nil {
				e.Metadata = make(state.Metadata)
			}
			e.Metadata[k] = val
		case envPayload, envError, envNodeId, envConnectionId:
			raw, err := bytesOf(num, typ, v)
			if err != nil {
				return err
			}
			switch num {
			case envPayload:
				e.Payload = slices.Clone(raw)
			case envError:
				e.Error = string(raw)
			case envNodeId:
				e.NodeId = state.NodeId(raw)
			default:
				e.ConnectionId = string(raw)
			}
		}
		return nil
	})
	if err != nil {
		return Envelope{}, err
	}
	if e.Kind < KindHello || e.Kind > KindResponse {
		return Envelope{}, malformed("unknown envelope kind %d", e.Kind)
	}
	return e, nil
}
