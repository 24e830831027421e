package wal

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"

	"github.com/synap/synap/pkg/crypto/adaptive"
)

// encodeEntryFrame renders an Entry as spec.md §6.1's exact record:
// [length:4 LE][crc32:4 LE of payload][payload]. payload is the JSON
// encoding of the Operation, optionally encrypted.
func encodeEntryFrame(e *Entry, cipher adaptive.Cipher) ([]byte, error) {
	if e == nil {
		return nil, fmt.Errorf("wal: entry is nil")
	}

	payload, err := json.Marshal(e.Op)
	if err != nil {
		return nil, fmt.Errorf("wal: marshal operation: %w", err)
	}

	if cipher != nil {
		payload, err = cipher.Encrypt(payload, nil)
		if err != nil {
			return nil, fmt.Errorf("wal: encrypt payload: %w", err)
		}
	}

	crc := crc32.ChecksumIEEE(payload)

	frame := make([]byte, 8+len(payload))
	binary.LittleEndian.PutUint32(frame[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(frame[4:8], crc)
	copy(frame[8:], payload)
	return frame, nil
}

// decodeEntryFrame parses a payload slice (length/crc already consumed by
// the caller and verified) back into an Entry.
func decodeEntryFrame(payload []byte, cipher adaptive.Cipher) (*Entry, error) {
	plain := payload
	if cipher != nil {
		var err error
		plain, err = cipher.Decrypt(payload, nil)
		if err != nil {
			return nil, fmt.Errorf("wal: decrypt payload: %w", err)
		}
	}

	e := &Entry{}
	if err := json.Unmarshal(plain, &e.Op); err != nil {
		return nil, fmt.Errorf("wal: unmarshal operation: %w", err)
	}
	return e, nil
}
