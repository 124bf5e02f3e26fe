// Package image implements the .hxe executable image format: a fixed
// header plus code/rodata payload, validated by magic, version, and CRC-32.
package image

import (
	"bytes"
	"encoding/binary"
	"errors"
	"hash/crc32"
)

// Magic is the fixed 4-byte header magic, per spec.md §6.
const Magic = "HSXE"

// Version is the image format version this loader accepts.
const Version = 1

const headerSize = 4 + 2 + 4 + 4 + 4 + 4 + 4 + 4 // magic,ver,entry,codeLen,rodataLen,bssLen,caps,crc

var (
	ErrBadMagic      = errors.New("image: bad magic")
	ErrBadVersion    = errors.New("image: unsupported version")
	ErrCRCMismatch   = errors.New("image: CRC mismatch")
	ErrTruncated     = errors.New("image: truncated payload")
	ErrUnsupportedCap = errors.New("image: required capability not supported")
)

// Image is a decoded .hxe file.
type Image struct {
	Version      uint16
	EntryPC      uint32
	Capabilities uint32
	Code         []byte
	Rodata       []byte
	BSSLen       uint32
}

// Encode serializes an Image to its on-disk .hxe representation, padding
// rodata to 4-byte alignment as spec.md §6 requires.
func Encode(img *Image) []byte {
	rodata := img.Rodata
	if pad := (4 - len(rodata)%4) % 4; pad != 0 {
		rodata = append(append([]byte{}, rodata...), make([]byte, pad)...)
	}
	payload := append(append([]byte{}, img.Code...), rodata...)
	crc := crc32.ChecksumIEEE(payload)

	buf := new(bytes.Buffer)
	buf.WriteString(Magic)
	binary.Write(buf, binary.LittleEndian, img.Version)
	binary.Write(buf, binary.LittleEndian, img.EntryPC)
	binary.Write(buf, binary.LittleEndian, uint32(len(img.Code)))
	binary.Write(buf, binary.LittleEndian, uint32(len(rodata)))
	binary.Write(buf, binary.LittleEndian, img.BSSLen)
	binary.Write(buf, binary.LittleEndian, img.Capabilities)
	binary.Write(buf, binary.LittleEndian, crc)
	buf.Write(payload)
	return buf.Bytes()
}

// Decode validates and parses a .hxe byte stream. supportedCaps is the
// bitmap of capabilities this host can satisfy; any bit set in the image's
// required-capabilities field that is absent from supportedCaps fails the
// load with ErrUnsupportedCap.
func Decode(data []byte, supportedCaps uint32) (*Image, error) {
	if len(data) < headerSize {
		return nil, ErrTruncated
	}
	if string(data[0:4]) != Magic {
		return nil, ErrBadMagic
	}
	r := bytes.NewReader(data[4:])
	var version uint16
	var entry, codeLen, rodataLen, bssLen, caps, crc uint32
	binary.Read(r, binary.LittleEndian, &version)
	binary.Read(r, binary.LittleEndian, &entry)
	binary.Read(r, binary.LittleEndian, &codeLen)
	binary.Read(r, binary.LittleEndian, &rodataLen)
	binary.Read(r, binary.LittleEndian, &bssLen)
	binary.Read(r, binary.LittleEndian, &caps)
	binary.Read(r, binary.LittleEndian, &crc)

	if version != Version {
		return nil, ErrBadVersion
	}
	if caps&^supportedCaps != 0 {
		return nil, ErrUnsupportedCap
	}

	payload := data[headerSize:]
	want := int(codeLen + rodataLen)
	if len(payload) < want {
		return nil, ErrTruncated
	}
	payload = payload[:want]
	if crc32.ChecksumIEEE(payload) != crc {
		return nil, ErrCRCMismatch
	}

	return &Image{
		Version:      version,
		EntryPC:      entry,
		Capabilities: caps,
		Code:         append([]byte{}, payload[:codeLen]...),
		Rodata:       append([]byte{}, payload[codeLen:]...),
		BSSLen:       bssLen,
	}, nil
}
