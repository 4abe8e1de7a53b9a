package core

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
)

// TapeHeader prefixes every serialized command tape.
type TapeHeader struct {
	Magic    uint32 // TapeMagic
	Version  uint16 // TapeVersion
	Reserved uint16 // must be zero
	Count    uint32 // number of commands
	Checksum uint32 // CRC32 (IEEE) of the command records
}

// Tape format constants
const (
	TapeMagic   = 0x45504154 // "TAPE" in little endian
	TapeVersion = 1
	// CommandSize is the encoded width of one Command: op(1) target(4) arg(8).
	CommandSize = 13
	// TapeHeaderSize is the encoded width of TapeHeader.
	TapeHeaderSize = 16
)

var (
	ErrBadMagic    = errors.New("core: invalid tape magic")
	ErrBadVersion  = errors.New("core: unsupported tape version")
	ErrCorruptTape = errors.New("core: tape checksum mismatch")
)

// EncodeCommands writes cmds to w as a header followed by fixed-width records.
func EncodeCommands(w io.Writer, cmds []Command) error {
	body, err := encodeRecords(cmds)
	if err != nil {
		return err
	}

	header := TapeHeader{
		Magic:    TapeMagic,
		Version:  TapeVersion,
		Count:    uint32(len(cmds)),
		Checksum: crc32.ChecksumIEEE(body),
	}
	if err := binary.Write(w, binary.LittleEndian, header); err != nil {
		return fmt.Errorf("write tape header: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("write tape body: %w", err)
	}
	return nil
}

// DecodeCommands reads a tape written by EncodeCommands.
func DecodeCommands(r io.Reader) ([]Command, error) {
	var header TapeHeader
	if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
		return nil, fmt.Errorf("read tape header: %w", err)
	}
	if header.Magic != TapeMagic {
		return nil, fmt.Errorf("%w: %#x", ErrBadMagic, header.Magic)
	}
	if header.Version != TapeVersion {
		return nil, fmt.Errorf("%w: %d", ErrBadVersion, header.Version)
	}

	body := make([]byte, int(header.Count)*CommandSize)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("read tape body: %w", err)
	}
	if crc32.ChecksumIEEE(body) != header.Checksum {
		return nil, ErrCorruptTape
	}

	cmds := make([]Command, header.Count)
	if err := binary.Read(bytes.NewReader(body), binary.LittleEndian, cmds); err != nil {
		return nil, fmt.Errorf("decode commands: %w", err)
	}
	for i, c := range cmds {
		if !c.Op.Valid() {
			return nil, fmt.Errorf("command %d: unknown opcode %d", i, uint8(c.Op))
		}
	}
	return cmds, nil
}

func encodeRecords(cmds []Command) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(len(cmds) * CommandSize)
	if err := binary.Write(&buf, binary.LittleEndian, cmds); err != nil {
		return nil, fmt.Errorf("encode commands: %w", err)
	}
	return buf.Bytes(), nil
}

// Disassemble renders cmds one per line with their tape positions.
func Disassemble(w io.Writer, cmds []Command) error {
	for i, c := range cmds {
		if _, err := fmt.Fprintf(w, "%6d  %s\n", i, c); err != nil {
			return err
		}
	}
	return nil
}
