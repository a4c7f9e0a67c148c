// Package bootentry encodes UEFI load options (the BootXXXX variables) and
// registers new entries cloned from the platform boot manager.
package bootentry

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"unicode/utf16"

	"github.com/google/uuid"
)

// Attribute bits of a load option.
const (
	LoadOptionActive uint32 = 0x00000001
)

// Device path node types used by boot entries.
const (
	TypeMedia        uint8 = 0x04
	SubTypeHardDrive uint8 = 0x01
	SubTypeFilePath  uint8 = 0x04

	TypeEnd          uint8 = 0x7F
	SubTypeEndEntire uint8 = 0xFF
)

const (
	nodeHeaderSize    = 4
	hardDriveNodeSize = 42
)

// Partition format and signature kinds of a hard drive node.
const (
	MBRTypeGPT        uint8 = 0x02
	SignatureTypeGUID uint8 = 0x02
)

// Node is one device path node. Data excludes the 4-byte header.
type Node struct {
	Type    uint8
	SubType uint8
	Data    []byte
}

// HardDrive is the payload of a media/hard-drive node.
type HardDrive struct {
	PartitionNumber uint32
	PartitionStart  uint64
	PartitionSize   uint64
	Signature       uuid.UUID
	MBRType         uint8
	SignatureType   uint8
}

// LoadOption is a decoded EFI_LOAD_OPTION.
type LoadOption struct {
	Attributes   uint32
	Description  string
	FilePath     []Node
	OptionalData []byte
}

// ParseLoadOption decodes a BootXXXX variable.
func ParseLoadOption(b []byte) (*LoadOption, error) {
	if len(b) < 6 {
		return nil, fmt.Errorf("load option too short: %d bytes", len(b))
	}
	opt := &LoadOption{Attributes: binary.LittleEndian.Uint32(b[0:4])}
	pathLen := int(binary.LittleEndian.Uint16(b[4:6]))

	desc, n, err := decodeUTF16Z(b[6:])
	if err != nil {
		return nil, fmt.Errorf("description: %w", err)
	}
	opt.Description = desc

	start := 6 + n
	if start+pathLen > len(b) {
		return nil, fmt.Errorf("file path list overruns option (%d > %d)", start+pathLen, len(b))
	}
	nodes, err := parseNodes(b[start : start+pathLen])
	if err != nil {
		return nil, err
	}
	opt.FilePath = nodes

	if rest := b[start+pathLen:]; len(rest) > 0 {
		opt.OptionalData = append([]byte(nil), rest...)
	}
	return opt, nil
}

func parseNodes(b []byte) ([]Node, error) {
	var nodes []Node
	for len(b) > 0 {
		if len(b) < nodeHeaderSize {
			return nil, fmt.Errorf("truncated device path node")
		}
		length := int(binary.LittleEndian.Uint16(b[2:4]))
		if length < nodeHeaderSize || length > len(b) {
			return nil, fmt.Errorf("invalid device path node length %d", length)
		}
		nodes = append(nodes, Node{
			Type:    b[0],
			SubType: b[1],
			Data:    append([]byte(nil), b[nodeHeaderSize:length]...),
		})
		b = b[length:]
	}
	return nodes, nil
}

// Marshal encodes the option in its firmware variable form.
func (o *LoadOption) Marshal() []byte {
	var path bytes.Buffer
	for _, n := range o.FilePath {
		path.WriteByte(n.Type)
		path.WriteByte(n.SubType)
		binary.Write(&path, binary.LittleEndian, uint16(nodeHeaderSize+len(n.Data)))
		path.Write(n.Data)
	}

	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, o.Attributes)
	binary.Write(&buf, binary.LittleEndian, uint16(path.Len()))
	buf.Write(encodeUTF16Z(o.Description))
	buf.Write(path.Bytes())
	buf.Write(o.OptionalData)
	return buf.Bytes()
}

// HardDrive returns the first hard drive node, if any.
func (o *LoadOption) HardDrive() (*HardDrive, bool) {
	for _, n := range o.FilePath {
		if n.Type == TypeMedia && n.SubType == SubTypeHardDrive && len(n.Data) == hardDriveNodeSize-nodeHeaderSize {
			return decodeHardDrive(n.Data), true
		}
	}
	return nil, false
}

// LoaderPath returns the path of the first file path node.
func (o *LoadOption) LoaderPath() string {
	for _, n := range o.FilePath {
		if n.Type == TypeMedia && n.SubType == SubTypeFilePath {
			s, _, _ := decodeUTF16Z(n.Data)
			return s
		}
	}
	return ""
}

func decodeHardDrive(d []byte) *HardDrive {
	var sig [16]byte
	copy(sig[:], d[20:36])
	return &HardDrive{
		PartitionNumber: binary.LittleEndian.Uint32(d[0:4]),
		PartitionStart:  binary.LittleEndian.Uint64(d[4:12]),
		PartitionSize:   binary.LittleEndian.Uint64(d[12:20]),
		Signature:       GUIDFromEFI(sig),
		MBRType:         d[36],
		SignatureType:   d[37],
	}
}

func (h HardDrive) encode() []byte {
	d := make([]byte, hardDriveNodeSize-nodeHeaderSize)
	binary.LittleEndian.PutUint32(d[0:4], h.PartitionNumber)
	binary.LittleEndian.PutUint64(d[4:12], h.PartitionStart)
	binary.LittleEndian.PutUint64(d[12:20], h.PartitionSize)
	sig := GUIDToEFI(h.Signature)
	copy(d[20:36], sig[:])
	d[36] = h.MBRType
	d[37] = h.SignatureType
	return d
}

// GUIDToEFI converts a GUID to the mixed-endian layout firmware stores: the
// first three fields little endian, the last eight bytes as is.
func GUIDToEFI(u uuid.UUID) [16]byte {
	var b [16]byte
	b[0], b[1], b[2], b[3] = u[3], u[2], u[1], u[0]
	b[4], b[5] = u[5], u[4]
	b[6], b[7] = u[7], u[6]
	copy(b[8:], u[8:])
	return b
}

// GUIDFromEFI is the inverse of GUIDToEFI.
func GUIDFromEFI(b [16]byte) uuid.UUID {
	var u uuid.UUID
	u[0], u[1], u[2], u[3] = b[3], b[2], b[1], b[0]
	u[4], u[5] = b[5], b[4]
	u[6], u[7] = b[7], b[6]
	copy(u[8:], b[8:])
	return u
}

func encodeUTF16Z(s string) []byte {
	units := utf16.Encode([]rune(s))
	b := make([]byte, 2*len(units)+2)
	for i, u := range units {
		binary.LittleEndian.PutUint16(b[2*i:], u)
	}
	return b
}

// decodeUTF16Z reads a NUL-terminated UTF-16LE string and returns it with
// the number of bytes consumed, terminator included.
func decodeUTF16Z(b []byte) (string, int, error) {
	var units []uint16
	for i := 0; i+1 < len(b); i += 2 {
		u := binary.LittleEndian.Uint16(b[i:])
		if u == 0 {
			return string(utf16.Decode(units)), i + 2, nil
		}
		units = append(units, u)
	}
	return "", 0, fmt.Errorf("unterminated UTF-16 string")
}
