// Package protocol is the wire format of weft. Messages use the protobuf wire encoding,
// written directly with protowire so the layout stays stable without generated code.
package protocol

import (
	"errors"
	"fmt"

	"github.com/encodeous/weft/state"
	"google.golang.org/protobuf/encoding/protowire"
)

// ErrMalformed is returned when a message cannot be decoded
var ErrMalformed = errors.New("malformed message")

const (
	advOwner          protowire.Number = 1
	advSeqno          protowire.Number = 2
	advLink           protowire.Number = 3
	advReason         protowire.Number = 4
	advGraphHash      protowire.Number = 5
	advDisplayName    protowire.Number = 6
	advIsWorkflowHost protowire.Number = 7

	linkSource       protowire.Number = 1
	linkDestination  protowire.Number = 2
	linkConnectionId protowire.Number = 3

	batchEntry protowire.Number = 1
)

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

// walk visits every field of a message, handing the raw value to fn
func walk(b []byte, fn func(num protowire.Number, typ protowire.Type, v []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return malformed("bad tag: %v", protowire.ParseError(n))
		}
		b = b[n:]
		m := protowire.ConsumeFieldValue(num, typ, b)
		if m < 0 {
			return malformed("bad field %d: %v", num, protowire.ParseError(m))
		}
		if err := fn(num, typ, b[:m]); err != nil {
			return err
		}
		b = b[m:]
	}
	return nil
}

func varintOf(num protowire.Number, typ protowire.Type, v []byte) (uint64, error) {
	if typ != protowire.VarintType {
		return 0, malformed("field %d is not a varint", num)
	}
	x, n := protowire.ConsumeVarint(v)
	if n < 0 {
		return 0, malformed("field %d: %v", num, protowire.ParseError(n))
	}
	return x, nil
}

func bytesOf(num protowire.Number, typ protowire.Type, v []byte) ([]byte, error) {
	if typ != protowire.BytesType {
		return nil, malformed("field %d is not length delimited", num)
	}
	x, n := protowire.ConsumeBytes(v)
	if n < 0 {
		return nil, malformed("field %d: %v", num, protowire.ParseError(n))
	}
	return x, nil
}

func appendLink(b []byte, l state.TopologyLink) []byte {
	var inner []byte
	inner = appendString(inner, linkSource, string(l.Source))
	inner = appendString(inner, linkDestination, string(l.Destination))
	inner = appendString(inner, linkConnectionId, l.ConnectionId)
	return appendBytes(b, advLink, inner)
}

func decodeLink(b []byte) (state.TopologyLink, error) {
	var l state.TopologyLink
	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch num {
		case linkSource, linkDestination, linkConnectionId:
			raw, err := bytesOf(num, typ, v)
			if err != nil {
				return err
			}
			switch num {
			case linkSource:
				l.Source = state.NodeId(raw)
			case linkDestination:
				l.Destination = state.NodeId(raw)
			default:
				l.ConnectionId = string(raw)
			}
		}
		return nil
	})
	return l, err
}

func AppendAdvertisement(b []byte, adv state.Advertisement) []byte {
	b = appendString(b, advOwner, string(adv.Owner))
	b = appendVarint(b, advSeqno, adv.Seqno)
	for _, l := range adv.Links {
		b = appendLink(b, l)
	}
	b = appendVarint(b, advReason, uint64(adv.Reason))
	if !adv.GraphHash.IsZero() {
		b = appendBytes(b, advGraphHash, adv.GraphHash[:])
	}
	b = appendString(b, advDisplayName, adv.DisplayName)
	if adv.IsWorkflowHost {
		b = appendVarint(b, advIsWorkflowHost, 1)
	}
	return b
}

func EncodeAdvertisement(adv state.Advertisement) []byte {
	return AppendAdvertisement(nil, adv)
}

func DecodeAdvertisement(b []byte) (state.Advertisement, error) {
	var adv state.Advertisement
	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch num {
		case advOwner:
			raw, err := bytesOf(num, typ, v)
			if err != nil {
				return err
			}
			adv.Owner = state.NodeId(raw)
		case advSeqno:
			x, err := varintOf(num, typ, v)
			if err != nil {
				return err
			}
			adv.Seqno = x
		case advLink:
			raw, err := bytesOf(num, typ, v)
			if err != nil {
				return err
			}
			l, err := decodeLink(raw)
			if err != nil {
				return err
			}
			adv.Links = append(adv.Links, l)
		case advReason:
			x, err := varintOf(num, typ, v)
			if err != nil {
				return err
			}
			if x > uint64(state.ReasonShutdown) {
				return malformed("unknown reason %d", x)
			}
			adv.Reason = state.Reason(x)
		case advGraphHash:
			raw, err := bytesOf(num, typ, v)
			if err != nil {
				return err
			}
			if len(raw) != len(adv.GraphHash) {
				return malformed("graph hash has %d bytes", len(raw))
			}
			copy(adv.GraphHash[:], raw)
		case advDisplayName:
			raw, err := bytesOf(num, typ, v)
			if err != nil {
				return err
			}
			adv.DisplayName = string(raw)
		case advIsWorkflowHost:
			x, err := varintOf(num, typ, v)
			if err != nil {
				return err
			}
			adv.IsWorkflowHost = x != 0
		}
		return nil
	})
	if err != nil {
		return state.Advertisement{}, err
	}
	if adv.Owner == "" {
		return state.Advertisement{}, malformed("advertisement has no owner")
	}
	for _, l := range adv.Links {
		if l.Source != adv.Owner {
			return state.Advertisement{}, malformed("link %s does not originate at %s", l, adv.Owner)
		}
	}
	return adv, nil
}

// EncodeBatch writes the entries in owner order so equal batches encode identically
func EncodeBatch(batch state.AdvertisementBatch) []byte {
	var b []byte
	for _, owner := range batch.Owners() {
		b = appendBytes(b, batchEntry, EncodeAdvertisement(batch[owner]))
	}
	return b
}

func DecodeBatch(b []byte) (state.AdvertisementBatch, error) {
	batch := make(state.AdvertisementBatch)
	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		if num != batchEntry {
			return nil
		}
		raw, err := bytesOf(num, typ, v)
		if err != nil {
			return err
		}
		adv, err := DecodeAdvertisement(raw)
		if err != nil {
			return err
		}
		if _, dup := batch[adv.Owner]; dup {
			return malformed("duplicate batch entry for %s", adv.Owner)
		}
		batch[adv.Owner] = adv
		return nil
	})
	if err != nil {
		return nil, err
	}
	return batch, nil
}
