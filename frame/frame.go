// Package frame defines the record that flows from a source to its sinks
// and the checkpoint token that travels back with each ack.
package frame

import (
	"fmt"
	"sort"

	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/timestamppb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Checkpoint identifies one emitted record: the station, the source worker
// that read it, the partition it came from (0 when unpartitioned) and its
// sequence within that partition.
type Checkpoint struct {
	Station   string
	Worker    int
	Partition int
	Sequence  uint64
}

func (c *Checkpoint) String() string {
	if c == nil {
		return "<none>"
	}
	if c.Partition > 0 {
		return fmt.Sprintf("%s/%d:p%d@%d", c.Station, c.Worker, c.Partition, c.Sequence)
	}
	return fmt.Sprintf("%s/%d@%d", c.Station, c.Worker, c.Sequence)
}

type Frame struct {
	Key        []byte
	Value      []byte
	Headers    map[string][]byte
	Ts         *timestamppb.Timestamp
	Checkpoint *Checkpoint
}

// Positions maps a partition to the last sequence handled on it. Every
// partition numbers its records from 1, so a position is only meaningful
// next to its partition. Partition 0 is an unpartitioned station.
type Positions map[int]uint64

func (p Positions) Clone() Positions {
	out := make(Positions, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Wire layout, compatible with google.protobuf.UInt64Value:
//
//	1: uint64 sequence of partition 0
//	2: repeated {1: partition, 2: sequence}
const (
	fieldSequence  protowire.Number = 1
	fieldPartition protowire.Number = 2
	entryPartition protowire.Number = 1
	entrySequence  protowire.Number = 2
)

// EncodePositions renders p in its opaque, persisted form. Zero positions
// are dropped; nothing left encodes to nil ("no checkpoint").
func EncodePositions(p Positions) ([]byte, error) {
	var b []byte
	if seq := p[0]; seq > 0 {
		head, err := proto.Marshal(wrapperspb.UInt64(seq))
		if err != nil {
			return nil, err
		}
		b = append(b, head...)
	}
	parts := make([]int, 0, len(p))
	for part, seq := range p {
		switch {
		case part < 0:
			return nil, fmt.Errorf("frame: invalid partition %d", part)
		case part > 0 && seq > 0:
			parts = append(parts, part)
		}
	}
	sort.Ints(parts)
	for _, part := range parts {
		var e []byte
		e = protowire.AppendTag(e, entryPartition, protowire.VarintType)
		e = protowire.AppendVarint(e, uint64(part))
		e = protowire.AppendTag(e, entrySequence, protowire.VarintType)
		e = protowire.AppendVarint(e, p[part])
		b = protowire.AppendTag(b, fieldPartition, protowire.BytesType)
		b = protowire.AppendBytes(b, e)
	}
	return b, nil
}

// DecodePositions is the inverse of EncodePositions. Empty input yields an
// empty, non-nil map.
func DecodePositions(b []byte) (Positions, error) {
	p := Positions{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, decodeErr(protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == fieldSequence && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, decodeErr(protowire.ParseError(n))
			}
			p[0] = v
			b = b[n:]
		case num == fieldPartition && typ == protowire.BytesType:
			e, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, decodeErr(protowire.ParseError(n))
			}
			part, seq, err := decodeEntry(e)
			if err != nil {
				return nil, err
			}
			p[part] = seq
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, decodeErr(protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	for part, seq := range p {
		if seq == 0 {
			delete(p, part)
		}
	}
	return p, nil
}

func decodeEntry(b []byte) (int, uint64, error) {
	var part, seq uint64
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return 0, 0, decodeErr(protowire.ParseError(n))
		}
		b = b[n:]
		if typ != protowire.VarintType || (num != entryPartition && num != entrySequence) {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return 0, 0, decodeErr(protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return 0, 0, decodeErr(protowire.ParseError(n))
		}
		if num == entryPartition {
			part = v
		} else {
			seq = v
		}
		b = b[n:]
	}
	if part == 0 || part > 1<<31 {
		return 0, 0, decodeErr(fmt.Errorf("partition %d out of range", part))
	}
	return int(part), seq, nil
}

func decodeErr(err error) error {
	return fmt.Errorf("frame: decode checkpoint: %w", err)
}
