package protocol

import (
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the oneof cases in UpstreamMessage and DownstreamMessage.
const (
	upSendToGroup protowire.Number = 1
	upJoinGroup   protowire.Number = 6
	upLeaveGroup  protowire.Number = 7

	downData   protowire.Number = 2
	downSystem protowire.Number = 3
)

// MessageData oneof cases.
const (
	dataText   protowire.Number = 1
	dataBinary protowire.Number = 2
	dataJSON   protowire.Number = 4
)

// sizeString is the encoded size of a proto3 string field; empty strings are omitted.
func sizeString(num protowire.Number, s string) int {
	if s == "" {
		return 0
	}
	return protowire.SizeTag(num) + protowire.SizeBytes(len(s))
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func sizeMessage(num protowire.Number, n int) int {
	return protowire.SizeTag(num) + protowire.SizeBytes(n)
}

func appendMessageHeader(b []byte, num protowire.Number, n int) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendVarint(b, uint64(n))
}

// sizeBinaryData is the size of a MessageData with binary_data set. A oneof
// member is written even when empty.
func sizeBinaryData(data []byte) int {
	return protowire.SizeTag(dataBinary) + protowire.SizeBytes(len(data))
}

func appendBinaryData(b []byte, data []byte) []byte {
	b = protowire.AppendTag(b, dataBinary, protowire.BytesType)
	return protowire.AppendBytes(b, data)
}

func appendGroupOnly(b []byte, num protowire.Number, group string) []byte {
	b = appendMessageHeader(b, num, sizeString(1, group))
	return appendString(b, 1, group)
}

func decodeGroupOnly(v []byte, group *string) error {
	return walk(v, func(num protowire.Number, v []byte) error {
		if num == 1 {
			*group = string(v)
		}
		return nil
	})
}

// decodeMessageData extracts the payload of a MessageData. Text and JSON
// payloads are returned as their UTF-8 bytes.
func decodeMessageData(v []byte, data *[]byte) error {
	return walk(v, func(num protowire.Number, v []byte) error {
		switch num {
		case dataText, dataBinary, dataJSON:
			*data = v
		}
		return nil
	})
}

// walk calls fn for every length-delimited field of b and skips all others.
func walk(b []byte, fn func(protowire.Number, []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return errors.Wrap(ErrMalformed, protowire.ParseError(n).Error())
		}
		b = b[n:]

		if typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return errors.Wrapf(ErrMalformed, "field %d: %v", num, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}

		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return errors.Wrapf(ErrMalformed, "field %d: %v", num, protowire.ParseError(n))
		}
		b = b[n:]

		if err := fn(num, v); err != nil {
			return err
		}
	}
	return nil
}
