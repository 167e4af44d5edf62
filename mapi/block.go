package mapi

import (
	"bytes"
	"encoding/binary"
)

// BlockSize is the maximum payload of a single protocol block. Messages
// larger than this are split across blocks; the 2-byte little-endian block
// header carries the payload length shifted left by one, with the low bit
// set on the last block of a message.
const BlockSize = 8*1024 - 2

const headerSize = 2

// putBlock frames message into blocks and writes them to the transport.
// Full-size non-last blocks are emitted while at least BlockSize bytes
// remain; the residual (possibly empty) always goes out as the last block,
// so every message is terminated even when its length is zero or an exact
// multiple of BlockSize.
func putBlock(t *transport, message []byte) error {
	pos := 0
	for len(message)-pos >= BlockSize {
		if err := writeChunk(t, message[pos:pos+BlockSize], false); err != nil {
			return err
		}
		pos += BlockSize
	}
	return writeChunk(t, message[pos:], true)
}

func writeChunk(t *transport, chunk []byte, last bool) error {
	header := uint16(len(chunk)) << 1
	if last {
		header |= 1
	}
	buf := make([]byte, headerSize+len(chunk))
	binary.LittleEndian.PutUint16(buf, header)
	copy(buf[headerSize:], chunk)
	return t.writeAll(buf)
}

// getBlock reads blocks from the transport until one with the last flag
// arrives, and returns the reassembled message.
func getBlock(t *transport) ([]byte, error) {
	var message bytes.Buffer

	header := make([]byte, headerSize)
	for {
		if err := t.readFull(header); err != nil {
			return nil, err
		}
		unpacked := binary.LittleEndian.Uint16(header)
		length := int(unpacked >> 1)
		last := unpacked&1 == 1

		if length > BlockSize {
			return nil, unknownResponseError("block header advertises %d bytes, maximum is %d", length, BlockSize)
		}
		if length > 0 {
			chunk := make([]byte, length)
			if err := t.readFull(chunk); err != nil {
				return nil, err
			}
			message.Write(chunk)
		}
		if last {
			return message.Bytes(), nil
		}
	}
}
