/*
	This file supports serialization/deserialization and compression of stored values.
*/

package dvid

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"strings"
	"sync"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

// Compression is the format of compression for storing data.
// NOTE: Should be no more than 8 (3 bits) of compression types.
type Compression uint8

const (
	Uncompressed Compression = iota
	Snappy
	Zstd
)

func (compress Compression) String() string {
	switch compress {
	case Uncompressed:
		return "No compression"
	case Snappy:
		return "Snappy compression"
	case Zstd:
		return "Zstandard compression"
	default:
		return "Unknown compression"
	}
}

// ParseCompression converts a configuration string ("none", "snappy", "zstd")
// into a Compression.  The empty string selects snappy.
func ParseCompression(s string) (Compression, error) {
	switch strings.ToLower(s) {
	case "none", "uncompressed":
		return Uncompressed, nil
	case "", "snappy":
		return Snappy, nil
	case "zstd", "zstandard":
		return Zstd, nil
	default:
		return Uncompressed, fmt.Errorf("unknown compression %q", s)
	}
}

// Checksum is the type of checksum employed for error checking stored data.
// NOTE: Should be no more than 4 (2 bits) of checksum types.
type Checksum uint8

const (
	NoChecksum Checksum = iota
	CRC32
)

func (checksum Checksum) String() string {
	switch checksum {
	case NoChecksum:
		return "No checksum"
	case CRC32:
		return "CRC32 checksum"
	default:
		return "Unknown checksum"
	}
}

// SerializationFormat is a single byte combining both compression and checksum methods.
type SerializationFormat uint8

func EncodeSerializationFormat(compress Compression, checksum Checksum) SerializationFormat {
	a := (uint8(compress) & 0x07) << 5
	b := (uint8(checksum) & 0x03) << 3
	return SerializationFormat(a | b)
}

func DecodeSerializationFormat(s SerializationFormat) (compress Compression, checksum Checksum) {
	compress = Compression(uint8(s) >> 5)
	checksum = Checksum((uint8(s) >> 3) & 0x03)
	return
}

var (
	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
	zstdErr     error
)

// encoders are safe for concurrent EncodeAll/DecodeAll calls.
func initZstd() error {
	zstdOnce.Do(func() {
		if zstdEncoder, zstdErr = zstd.NewWriter(nil); zstdErr != nil {
			return
		}
		zstdDecoder, zstdErr = zstd.NewReader(nil)
	})
	return zstdErr
}

// SerializeData serializes a slice of bytes using optional compression, checksum.
func SerializeData(data []byte, compress Compression, checksum Checksum) ([]byte, error) {
	var buffer bytes.Buffer

	format := EncodeSerializationFormat(compress, checksum)
	if err := buffer.WriteByte(byte(format)); err != nil {
		return nil, err
	}

	var byteData []byte
	switch compress {
	case Uncompressed:
		byteData = data
	case Snappy:
		byteData = snappy.Encode(nil, data)
	case Zstd:
		if err := initZstd(); err != nil {
			return nil, fmt.Errorf("unable to initialize zstd: %v", err)
		}
		byteData = zstdEncoder.EncodeAll(data, nil)
	default:
		return nil, fmt.Errorf("illegal compression (%s) during serialization", compress)
	}

	switch checksum {
	case NoChecksum:
	case CRC32:
		crcChecksum := crc32.ChecksumIEEE(byteData)
		if err := binary.Write(&buffer, binary.LittleEndian, crcChecksum); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("illegal checksum (%s) in SerializeData()", checksum)
	}

	// Note the actual data is written last, after any checksum so we don't have to
	// worry about length when deserializing.
	if _, err := buffer.Write(byteData); err != nil {
		return nil, err
	}
	return buffer.Bytes(), nil
}

// DeserializeData deserializes a slice of bytes using stored compression, checksum.
func DeserializeData(s []byte) (data []byte, compress Compression, err error) {
	if len(s) == 0 {
		err = fmt.Errorf("cannot deserialize empty value")
		return
	}
	var checksum Checksum
	compress, checksum = DecodeSerializationFormat(SerializationFormat(s[0]))
	cdata := s[1:]

	switch checksum {
	case NoChecksum:
	case CRC32:
		if len(cdata) < 4 {
			err = fmt.Errorf("serialized value too short for CRC32 checksum")
			return
		}
		storedCrc32 := binary.LittleEndian.Uint32(cdata[:4])
		cdata = cdata[4:]
		if crcChecksum := crc32.ChecksumIEEE(cdata); crcChecksum != storedCrc32 {
			err = fmt.Errorf("bad checksum.  Stored %x got %x", storedCrc32, crcChecksum)
			return
		}
	default:
		err = fmt.Errorf("illegal checksum in deserializing data")
		return
	}

	switch compress {
	case Uncompressed:
		data = cdata
	case Snappy:
		data, err = snappy.Decode(nil, cdata)
	case Zstd:
		if err = initZstd(); err != nil {
			return
		}
		data, err = zstdDecoder.DecodeAll(cdata, nil)
	default:
		err = fmt.Errorf("illegal compression format (%d) in deserialization", compress)
	}
	return
}
