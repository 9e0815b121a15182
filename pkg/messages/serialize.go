package messages

import (
	"bytes"
	"fmt"
	"io"

	flatbuffers "github.com/google/flatbuffers/go"
	"github.com/klauspost/compress/zstd"
)

// Flatbuffer table layout of a Message:
//
//	table Message { id:string; type:string; payload:[ubyte]; }
const (
	messageFieldID = iota
	messageFieldType
	messageFieldPayload
	messageFieldCount
)

func SerializeMessage(m *Message) ([]byte, error) {
	b, err := SerializeMessageFlatbuffer(m)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize message: %v", err)
	}

	compressed := bytes.NewBuffer(nil)
	compWriter, err := zstd.NewWriter(compressed, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd writer: %v", err)
	}
	if _, err := compWriter.Write(b); err != nil {
		return nil, fmt.Errorf("failed to compress message: %v", err)
	}
	if err := compWriter.Close(); err != nil {
		return nil, fmt.Errorf("failed to close zstd writer: %v", err)
	}

	return compressed.Bytes(), nil
}

func DeserializeMessage(data []byte) (*Message, error) {
	compReader, err := zstd.NewReader(bytes.NewReader(data), zstd.WithDecoderMaxMemory(MessageBufferSize*4))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd reader: %v", err)
	}
	defer compReader.Close()

	b, err := io.ReadAll(compReader)
	if err != nil {
		return nil, fmt.Errorf("failed to read decompressed message: %v", err)
	}

	message, err := DeserializeMessageFlatbuffer(b)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize message: %v", err)
	}

	return message, nil
}

func SerializeMessageFlatbuffer(m *Message) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("message is nil")
	}
	builder := flatbuffers.NewBuilder(len(m.Payload) + 64)

	payload := builder.CreateByteVector(m.Payload)
	messageType := builder.CreateString(m.Type)
	id := builder.CreateString(m.ID)

	builder.StartObject(messageFieldCount)
	builder.PrependUOffsetTSlot(messageFieldID, id, 0)
	builder.PrependUOffsetTSlot(messageFieldType, messageType, 0)
	builder.PrependUOffsetTSlot(messageFieldPayload, payload, 0)
	messageOffset := builder.EndObject()
	builder.Finish(messageOffset)

	return builder.FinishedBytes(), nil
}

func DeserializeMessageFlatbuffer(b []byte) (message *Message, err error) {
	if len(b) < flatbuffers.SizeUOffsetT {
		return nil, fmt.Errorf("buffer too short: %d bytes", len(b))
	}
	// the flatbuffers accessors panic on out of range offsets
	defer func() {
		if r := recover(); r != nil {
			message = nil
			err = fmt.Errorf("malformed message buffer: %v", r)
		}
	}()

	table := &flatbuffers.Table{
		Bytes: b,
		Pos:   flatbuffers.GetUOffsetT(b),
	}
	message = &Message{}
	if o := fieldOffset(table, messageFieldID); o != 0 {
		message.ID = table.String(o + table.Pos)
	}
	if o := fieldOffset(table, messageFieldType); o != 0 {
		message.Type = table.String(o + table.Pos)
	}
	if o := fieldOffset(table, messageFieldPayload); o != 0 {
		message.Payload = append([]byte(nil), table.ByteVector(o+table.Pos)...)
	}

	return message, nil
}

func fieldOffset(table *flatbuffers.Table, field int) flatbuffers.UOffsetT {
	vtableOffset := flatbuffers.VOffsetT(4 + 2*field)
	return flatbuffers.UOffsetT(table.Offset(vtableOffset))
}
