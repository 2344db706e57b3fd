package cache

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sort"
)

// encodeArrayBundle serialises a named array map into the compact binary
// format the disk and shared-disk backends persist as "<key>.arrays.bin":
// a sequence of (name-length, name, payload-length, payload) records,
// names written in sorted order so the bundle's bytes are themselves
// deterministic for a given map.
func encodeArrayBundle(arrays map[string][]byte) ([]byte, error) {
	names := make([]string, 0, len(arrays))
	for name := range arrays {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	for _, name := range names {
		payload := arrays[name]
		if err := binary.Write(&buf, binary.LittleEndian, uint32(len(name))); err != nil {
			return nil, err
		}
		buf.WriteString(name)
		if err := binary.Write(&buf, binary.LittleEndian, uint64(len(payload))); err != nil {
			return nil, err
		}
		buf.Write(payload)
	}
	return buf.Bytes(), nil
}

func decodeArrayBundle(data []byte) (map[string][]byte, error) {
	out := make(map[string][]byte)
	r := bytes.NewReader(data)
	for r.Len() > 0 {
		var nameLen uint32
		if err := binary.Read(r, binary.LittleEndian, &nameLen); err != nil {
			return nil, fmt.Errorf("cache: array bundle: read name length: %w", err)
		}
		nameBuf := make([]byte, nameLen)
		if _, err := io.ReadFull(r, nameBuf); err != nil {
			return nil, fmt.Errorf("cache: array bundle: read name: %w", err)
		}
		var payloadLen uint64
		if err := binary.Read(r, binary.LittleEndian, &payloadLen); err != nil {
			return nil, fmt.Errorf("cache: array bundle: read payload length: %w", err)
		}
		payload := make([]byte, payloadLen)
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, fmt.Errorf("cache: array bundle: read payload: %w", err)
		}
		out[string(nameBuf)] = payload
	}
	return out, nil
}
