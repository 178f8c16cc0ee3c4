package router

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/trailcrew/fieldsync/internal/models"
)

// Frames are length-prefixed JSON: a 4-byte big-endian length followed by the
// message body. The cap bounds what a buggy or hostile peer can make us
// allocate.
const maxFrameBytes = 64 * 1024

// Encode serializes a peer message into a wire frame
func Encode(msg models.PeerMessage) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize peer message: %w", err)
	}
	if len(body) > maxFrameBytes {
		return nil, fmt.Errorf("peer message exceeds frame cap: %d bytes", len(body))
	}

	frame := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(body)))
	copy(frame[4:], body)
	return frame, nil
}

// Decode parses a wire frame back into a peer message
func Decode(frame []byte) (models.PeerMessage, error) {
	var msg models.PeerMessage
	if len(frame) < 4 {
		return msg, fmt.Errorf("frame too short: %d bytes", len(frame))
	}
	n := binary.BigEndian.Uint32(frame[:4])
	if n > maxFrameBytes {
		return msg, fmt.Errorf("frame length %d exceeds cap", n)
	}
	if int(n) != len(frame)-4 {
		return msg, fmt.Errorf("frame length mismatch: header %d, body %d", n, len(frame)-4)
	}
	if err := json.Unmarshal(frame[4:4+n], &msg); err != nil {
		return msg, fmt.Errorf("failed to parse peer message: %w", err)
	}
	return msg, nil
}
