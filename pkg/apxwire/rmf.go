package apxwire

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// Command addresses occupy the reserved block at the top of the 32-bit
// address space (spec.md §4.B/§6).
const (
	CommandAddrBase uint32 = 0xBFFFFC00
	CommandAddrTop  uint32 = 0xBFFFFFFF

	// RemoteMirrorBit marks an address as belonging to the peer's mirror of
	// a file rather than our own (spec.md §3, §6).
	RemoteMirrorBit uint32 = 0x80000000
)

// CommandID identifies an RMF command (spec.md §4.B, §6).
type CommandID uint32

const (
	CmdAck       CommandID = 0x0
	CmdFileInfo  CommandID = 0x3
	CmdFileOpen  CommandID = 0x0A
	CmdFileClose CommandID = 0x0B
)

func (c CommandID) String() string {
	switch c {
	case CmdAck:
		return "ACK"
	case CmdFileInfo:
		return "FILE_INFO"
	case CmdFileOpen:
		return "FILE_OPEN"
	case CmdFileClose:
		return "FILE_CLOSE"
	}
	return fmt.Sprintf("CommandID(0x%X)", uint32(c))
}

// FileType distinguishes a fixed-size port-data file from an unbounded
// stream (spec.md §3).
type FileType uint16

const (
	FileTypeFixed  FileType = 0
	FileTypeStream FileType = 1
)

// DigestType identifies how FileInfo.Digest was computed, or that it was
// not computed at all. Per spec.md §9 open question 3, the digest field is
// optional on receive; a zero DigestType means "ignore Digest."
type DigestType uint16

const (
	DigestNone    DigestType = 0
	DigestBLAKE2b DigestType = 1
)

// FileInfo announces a file's address, size, type and name (spec.md §4.B,
// §6). Name must be at most 255 bytes, NUL-terminated on the wire.
type FileInfo struct {
	Address    uint32
	Size       uint32
	Type       FileType
	DigestType DigestType
	Digest     [32]byte
	Name       string
}

const maxNameLen = 255

// SetDigest computes a BLAKE2b-256 digest of data and sets it on fi, opting
// the FileInfo into DigestBLAKE2b. Grounded on golang.org/x/crypto/blake2b
// (a teacher dependency not otherwise exercised by ron/meshage) -- see
// DESIGN.md component B.
func (fi *FileInfo) SetDigest(data []byte) {
	fi.Digest = blake2b.Sum256(data)
	fi.DigestType = DigestBLAKE2b
}

// VerifyDigest reports whether data matches fi's digest. If fi carries no
// digest (DigestNone, the default for peers that never send one -- see
// spec.md §9 open question 3), VerifyDigest reports true: the field is
// advisory, never required for routing or dispatch.
func (fi *FileInfo) VerifyDigest(data []byte) bool {
	if fi.DigestType == DigestNone {
		return true
	}
	sum := blake2b.Sum256(data)
	return sum == fi.Digest
}

// EncodeAck returns the wire payload for an ACK command.
func EncodeAck() []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint32(buf[0:4], CommandAddrBase)
	binary.BigEndian.PutUint32(buf[4:8], uint32(CmdAck))
	return buf
}

// EncodeFileInfo returns the wire payload for a FILE_INFO command.
func EncodeFileInfo(fi FileInfo) ([]byte, error) {
	if len(fi.Name) > maxNameLen {
		return nil, fmt.Errorf("apxwire: file name %q exceeds %d bytes", fi.Name, maxNameLen)
	}

	buf := make([]byte, 0, 8+4+4+2+2+32+len(fi.Name)+1)
	buf = appendUint32(buf, CommandAddrBase)
	buf = appendUint32(buf, uint32(CmdFileInfo))
	buf = appendUint32(buf, fi.Address)
	buf = appendUint32(buf, fi.Size)
	buf = appendUint16(buf, uint16(fi.Type))
	buf = appendUint16(buf, uint16(fi.DigestType))
	buf = append(buf, fi.Digest[:]...)
	buf = append(buf, []byte(fi.Name)...)
	buf = append(buf, 0)

	return buf, nil
}

// EncodeFileOpen returns the wire payload for a FILE_OPEN command.
func EncodeFileOpen(address uint32) []byte {
	buf := make([]byte, 0, 12)
	buf = appendUint32(buf, CommandAddrBase)
	buf = appendUint32(buf, uint32(CmdFileOpen))
	buf = appendUint32(buf, address)
	return buf
}

// EncodeFileClose returns the wire payload for a FILE_CLOSE command.
func EncodeFileClose(address uint32) []byte {
	buf := make([]byte, 0, 12)
	buf = appendUint32(buf, CommandAddrBase)
	buf = appendUint32(buf, uint32(CmdFileClose))
	buf = appendUint32(buf, address)
	return buf
}

// EncodeWrite returns the wire payload for a data write into the logical
// region of the file based at fileBase, at the given offset.
func EncodeWrite(fileBase uint32, offset uint32, data []byte) []byte {
	buf := make([]byte, 0, 4+len(data))
	buf = appendUint32(buf, fileBase+offset)
	buf = append(buf, data...)
	return buf
}

// Decoded is the result of decoding one RMF message.
type Decoded struct {
	Address uint32

	IsCommand bool
	Command   CommandID

	// Populated when IsCommand && Command == CmdFileInfo.
	FileInfo FileInfo

	// Populated when IsCommand && (Command == CmdFileOpen || Command == CmdFileClose).
	TargetAddress uint32

	// Populated when !IsCommand: the raw bytes to write at Address.
	Data []byte
}

// IsCommandAddress reports whether addr falls in the reserved command
// block (spec.md §4.B).
func IsCommandAddress(addr uint32) bool {
	return addr >= CommandAddrBase && addr <= CommandAddrTop
}

// Decode decodes a single RMF message payload (the bytes following the
// framing length prefix -- see Framer.Next).
func Decode(payload []byte) (Decoded, error) {
	if len(payload) < 4 {
		return Decoded{}, fmt.Errorf("apxwire: message too short to carry an address")
	}

	addr := binary.BigEndian.Uint32(payload[0:4])
	rest := payload[4:]

	if !IsCommandAddress(addr) {
		data := make([]byte, len(rest))
		copy(data, rest)
		return Decoded{Address: addr, Data: data}, nil
	}

	if len(rest) < 4 {
		return Decoded{}, fmt.Errorf("apxwire: command message too short to carry a command id")
	}

	cmd := CommandID(binary.BigEndian.Uint32(rest[0:4]))
	body := rest[4:]

	switch cmd {
	case CmdAck:
		return Decoded{Address: addr, IsCommand: true, Command: cmd}, nil

	case CmdFileInfo:
		fi, err := decodeFileInfoBody(body)
		if err != nil {
			return Decoded{}, err
		}
		return Decoded{Address: addr, IsCommand: true, Command: cmd, FileInfo: fi}, nil

	case CmdFileOpen, CmdFileClose:
		if len(body) < 4 {
			return Decoded{}, fmt.Errorf("apxwire: %v message too short to carry an address", cmd)
		}
		return Decoded{
			Address:       addr,
			IsCommand:     true,
			Command:       cmd,
			TargetAddress: binary.BigEndian.Uint32(body[0:4]),
		}, nil

	default:
		return Decoded{}, fmt.Errorf("apxwire: unknown command id 0x%X", uint32(cmd))
	}
}

func decodeFileInfoBody(body []byte) (FileInfo, error) {
	const fixedLen = 4 + 4 + 2 + 2 + 32
	if len(body) < fixedLen+1 {
		return FileInfo{}, fmt.Errorf("apxwire: FILE_INFO message too short")
	}

	fi := FileInfo{
		Address:    binary.BigEndian.Uint32(body[0:4]),
		Size:       binary.BigEndian.Uint32(body[4:8]),
		Type:       FileType(binary.BigEndian.Uint16(body[8:10])),
		DigestType: DigestType(binary.BigEndian.Uint16(body[10:12])),
	}
	copy(fi.Digest[:], body[12:44])

	nameBytes := body[44:]
	nul := -1
	for i, b := range nameBytes {
		if b == 0 {
			nul = i
			break
		}
	}
	if nul < 0 {
		return FileInfo{}, fmt.Errorf("apxwire: FILE_INFO name missing NUL terminator")
	}
	if nul > maxNameLen {
		return FileInfo{}, fmt.Errorf("apxwire: FILE_INFO name exceeds %d bytes", maxNameLen)
	}

	fi.Name = string(nameBytes[:nul])
	return fi, nil
}

func appendUint32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendUint16(buf []byte, v uint16) []byte {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	return append(buf, tmp[:]...)
}
