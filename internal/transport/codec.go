package transport

import (
	"fmt"

	"google.golang.org/grpc/encoding"
	"google.golang.org/protobuf/encoding/protowire"

	"land-election/internal/election"
)

// codecName is the gRPC content-subtype of the election messages ("application/grpc+landpb").
const codecName = "landpb"

// Field numbers shared by all four messages:
//
//	message VoteRequest       { string server_id = 1; uint64 term = 2; }
//	message VoteResponse      { string server_id = 1; uint64 term = 2; bool granted = 3; }
//	message HeartbeatRequest  { string server_id = 1; uint64 term = 2; }
//	message HeartbeatResponse { string server_id = 1; uint64 term = 2; bool accepted = 3; }
const (
	fieldServerID protowire.Number = 1
	fieldTerm     protowire.Number = 2
	fieldOutcome  protowire.Number = 3
)

// codec encodes the election messages in protobuf wire format without generated code.
type codec struct{}

func (codec) Name() string { return codecName }

func (codec) Marshal(v any) ([]byte, error) {
	switch m := v.(type) {
	case *election.VoteRequest:
		return appendMessage(nil, wireMessage{id: m.ServerID, term: m.Term}), nil
	case *election.VoteResponse:
		return appendMessage(nil, wireMessage{id: m.ServerID, term: m.Term, outcome: m.Granted}), nil
	case *election.HeartbeatRequest:
		return appendMessage(nil, wireMessage{id: m.ServerID, term: m.Term}), nil
	case *election.HeartbeatResponse:
		return appendMessage(nil, wireMessage{id: m.ServerID, term: m.Term, outcome: m.Accepted}), nil
	default:
		return nil, fmt.Errorf("%s codec: cannot marshal %T", codecName, v)
	}
}

func (codec) Unmarshal(data []byte, v any) error {
	msg, err := consumeMessage(data)
	if err != nil {
		return fmt.Errorf("%s codec: cannot unmarshal %T: %w", codecName, v, err)
	}
	switch m := v.(type) {
	case *election.VoteRequest:
		*m = election.VoteRequest{ServerID: msg.id, Term: msg.term}
	case *election.VoteResponse:
		*m = election.VoteResponse{ServerID: msg.id, Term: msg.term, Granted: msg.outcome}
	case *election.HeartbeatRequest:
		*m = election.HeartbeatRequest{ServerID: msg.id, Term: msg.term}
	case *election.HeartbeatResponse:
		*m = election.HeartbeatResponse{ServerID: msg.id, Term: msg.term, Accepted: msg.outcome}
	default:
		return fmt.Errorf("%s codec: cannot unmarshal into %T", codecName, v)
	}
	return nil
}

type wireMessage struct {
	id      election.ServerID
	term    uint64
	outcome bool
}

// appendMessage skips zero-valued fields, as proto3 does.
func appendMessage(b []byte, msg wireMessage) []byte {
	if msg.id != "" {
		b = protowire.AppendTag(b, fieldServerID, protowire.BytesType)
		b = protowire.AppendString(b, string(msg.id))
	}
	if msg.term != 0 {
		b = protowire.AppendTag(b, fieldTerm, protowire.VarintType)
		b = protowire.AppendVarint(b, msg.term)
	}
	if msg.outcome {
		b = protowire.AppendTag(b, fieldOutcome, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(msg.outcome))
	}
	return b
}

// consumeMessage decodes the known fields and skips everything else, so newer peers may add fields.
func consumeMessage(b []byte) (wireMessage, error) {
	var msg wireMessage
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return wireMessage{}, protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case num == fieldServerID && typ == protowire.BytesType:
			var v string
			v, n = protowire.ConsumeString(b)
			msg.id = election.ServerID(v)
		case num == fieldTerm && typ == protowire.VarintType:
			msg.term, n = protowire.ConsumeVarint(b)
		case num == fieldOutcome && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			msg.outcome = protowire.DecodeBool(v)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return wireMessage{}, protowire.ParseError(n)
		}
		b = b[n:]
	}
	return msg, nil
}

func init() {
	encoding.RegisterCodec(codec{})
}
