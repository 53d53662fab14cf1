package vault

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"
)

// magic identifies a dcx-deploy vault file on disk.
var magic = [8]byte{'D', 'C', 'X', 'V', 'A', 'U', 'L', 'T'}

// formatVersion is the current on-disk vault format version. spec.md §9
// leaves migration policy (license-driven or otherwise) as a separate,
// undecided concern: this stays 1 until that policy exists.
const formatVersion byte = 1

// nonceSize is the ChaCha20-Poly1305 nonce length.
const nonceSize = 12

// entry is one decrypted-or-encrypted record as stored on disk.
type entry struct {
	Name      string
	Nonce     []byte // nonceSize bytes
	Sealed    []byte // ciphertext || 16-byte Poly1305 tag
	CreatedAt time.Time
	UpdatedAt time.Time
}

// fileHeader precedes the entry stream. KDFParams is reserved for a
// future key-derivation scheme; format version 1 uses the workstation
// key directly with no derivation, so it is always empty.
type fileHeader struct {
	Version   byte
	KDFParams []byte
}

// encodeFile serializes entries (in the order given) with the header.
func encodeFile(entries []entry) []byte {
	var buf bytes.Buffer
	buf.Write(magic[:])
	buf.WriteByte(formatVersion)
	writeUint32(&buf, 0) // KDF params length, reserved, always 0 today

	writeUint32(&buf, uint32(len(entries)))
	for _, e := range entries {
		nameBytes := []byte(e.Name)
		writeUint32(&buf, uint32(len(nameBytes)))
		buf.Write(nameBytes)

		writeUint32(&buf, uint32(len(e.Nonce)))
		buf.Write(e.Nonce)

		writeUint32(&buf, uint32(len(e.Sealed)))
		buf.Write(e.Sealed)

		writeInt64(&buf, e.CreatedAt.UTC().Unix())
		writeInt64(&buf, e.UpdatedAt.UTC().Unix())
	}
	return buf.Bytes()
}

// decodeFile parses a vault file previously produced by encodeFile.
func decodeFile(data []byte) ([]entry, error) {
	r := bytes.NewReader(data)

	var gotMagic [8]byte
	if _, err := r.Read(gotMagic[:]); err != nil {
		return nil, fmt.Errorf("read magic: %w", err)
	}
	if gotMagic != magic {
		return nil, fmt.Errorf("not a dcx-deploy vault file")
	}

	version, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("read format version: %w", err)
	}
	if version != formatVersion {
		return nil, fmt.Errorf("unsupported vault format version %d", version)
	}

	kdfLen, err := readUint32(r)
	if err != nil {
		return nil, fmt.Errorf("read kdf params length: %w", err)
	}
	if kdfLen > 0 {
		if _, err := r.Seek(int64(kdfLen), 1); err != nil {
			return nil, fmt.Errorf("skip kdf params: %w", err)
		}
	}

	count, err := readUint32(r)
	if err != nil {
		return nil, fmt.Errorf("read entry count: %w", err)
	}

	entries := make([]entry, 0, count)
	for i := uint32(0); i < count; i++ {
		var e entry

		nameLen, err := readUint32(r)
		if err != nil {
			return nil, fmt.Errorf("entry %d: read name length: %w", i, err)
		}
		nameBytes := make([]byte, nameLen)
		if _, err := r.Read(nameBytes); err != nil {
			return nil, fmt.Errorf("entry %d: read name: %w", i, err)
		}
		e.Name = string(nameBytes)

		nonceLen, err := readUint32(r)
		if err != nil {
			return nil, fmt.Errorf("entry %d: read nonce length: %w", i, err)
		}
		e.Nonce = make([]byte, nonceLen)
		if _, err := r.Read(e.Nonce); err != nil {
			return nil, fmt.Errorf("entry %d: read nonce: %w", i, err)
		}

		sealedLen, err := readUint32(r)
		if err != nil {
			return nil, fmt.Errorf("entry %d: read ciphertext length: %w", i, err)
		}
		e.Sealed = make([]byte, sealedLen)
		if _, err := r.Read(e.Sealed); err != nil {
			return nil, fmt.Errorf("entry %d: read ciphertext: %w", i, err)
		}

		createdUnix, err := readInt64(r)
		if err != nil {
			return nil, fmt.Errorf("entry %d: read created_at: %w", i, err)
		}
		updatedUnix, err := readInt64(r)
		if err != nil {
			return nil, fmt.Errorf("entry %d: read updated_at: %w", i, err)
		}
		e.CreatedAt = time.Unix(createdUnix, 0).UTC()
		e.UpdatedAt = time.Unix(updatedUnix, 0).UTC()

		entries = append(entries, e)
	}

	return entries, nil
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeInt64(buf *bytes.Buffer, v int64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	buf.Write(b[:])
}

func readUint32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := r.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func readInt64(r *bytes.Reader) (int64, error) {
	var b [8]byte
	if _, err := r.Read(b[:]); err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(b[:])), nil
}
