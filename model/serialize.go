package model

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"io"

	"github.com/oklog/ulid/v2"

	"github.com/sbl8/tapeworks/core"
)

// Program file format constants
const (
	ProgramMagic   = 0x47525054 // "TPRG" in little endian
	ProgramVersion = 1
)

var ErrBadProgramFile = errors.New("model: not a program file")

// programHeader leads every serialized program.
type programHeader struct {
	Magic        uint32
	Version      uint16
	_            uint16
	Reserved     uint32
	Sources      uint32
	Destinations uint32
	ID           ulid.ULID
}

// chunkRecord is the flat, gob-friendly form of one tree node. Parent is an
// index into the record table, -1 for the root.
type chunkRecord struct {
	ID, Parent             int
	Name                   string
	Kind                   Kind
	StartCmd, EndCmd       int
	StartSrc, EndSrc       int
	StartDst, EndDst       int
	ChildrenParallelizable bool
	Stack                  StackPolicy
	CopyUp                 []int
	ReplayOf               int
}

// treeRecord carries everything gob encodes after the tape.
type treeRecord struct {
	Chunks   []chunkRecord
	Comments map[int]string
}

// Serialize writes the program in the binary format: a fixed header, the
// ordered index lists, the command tape, then the chunk tree.
func (p *Program) Serialize() ([]byte, error) {
	var buf bytes.Buffer
	if err := p.Encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Encode streams the binary format to w.
func (p *Program) Encode(w io.Writer) error {
	header := programHeader{
		Magic:        ProgramMagic,
		Version:      ProgramVersion,
		Reserved:     uint32(p.Layout.Reserved),
		Sources:      uint32(len(p.SourceIndices)),
		Destinations: uint32(len(p.DestinationIndices)),
		ID:           p.ID,
	}
	if err := binary.Write(w, binary.LittleEndian, header); err != nil {
		return fmt.Errorf("write program header: %w", err)
	}
	if err := writeIndices(w, p.SourceIndices); err != nil {
		return fmt.Errorf("write source indices: %w", err)
	}
	if err := writeIndices(w, p.DestinationIndices); err != nil {
		return fmt.Errorf("write destination indices: %w", err)
	}
	if err := core.EncodeCommands(w, p.Commands); err != nil {
		return err
	}
	if err := gob.NewEncoder(w).Encode(treeRecord{Chunks: flatten(p.Root), Comments: p.Comments}); err != nil {
		return fmt.Errorf("write chunk tree: %w", err)
	}
	return nil
}

// Deserialize reads a program written by Serialize and validates it.
func Deserialize(data []byte) (*Program, error) {
	return ReadProgram(bytes.NewReader(data))
}

// ReadProgram decodes a program from r and validates it.
func ReadProgram(r io.Reader) (*Program, error) {
	var header programHeader
	if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
		return nil, fmt.Errorf("read program header: %w", err)
	}
	if header.Magic != ProgramMagic {
		return nil, fmt.Errorf("%w: magic %#x", ErrBadProgramFile, header.Magic)
	}
	if header.Version != ProgramVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrBadProgramFile, header.Version)
	}

	sources, err := readIndices(r, header.Sources)
	if err != nil {
		return nil, fmt.Errorf("read source indices: %w", err)
	}
	destinations, err := readIndices(r, header.Destinations)
	if err != nil {
		return nil, fmt.Errorf("read destination indices: %w", err)
	}
	cmds, err := core.DecodeCommands(r)
	if err != nil {
		return nil, err
	}

	var tree treeRecord
	if err := gob.NewDecoder(r).Decode(&tree); err != nil {
		return nil, fmt.Errorf("read chunk tree: %w", err)
	}
	root, err := unflatten(tree.Chunks)
	if err != nil {
		return nil, err
	}

	p := NewProgram(cmds, root, int(header.Reserved), sources, destinations)
	p.ID = header.ID
	if tree.Comments != nil {
		p.Comments = tree.Comments
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func writeIndices(w io.Writer, idx []int) error {
	out := make([]uint32, len(idx))
	for i, v := range idx {
		out[i] = uint32(v)
	}
	return binary.Write(w, binary.LittleEndian, out)
}

func readIndices(r io.Reader, n uint32) ([]int, error) {
	raw := make([]uint32, n)
	if err := binary.Read(r, binary.LittleEndian, raw); err != nil {
		return nil, err
	}
	idx := make([]int, n)
	for i, v := range raw {
		idx[i] = int(v)
	}
	return idx, nil
}

// flatten lists the tree in depth-first order; parents always precede children.
func flatten(root *Chunk) []chunkRecord {
	var records []chunkRecord
	index := make(map[*Chunk]int)
	root.Walk(func(c *Chunk, _ int) bool {
		parent := -1
		if c.Parent != nil {
			parent = index[c.Parent]
		}
		index[c] = len(records)
		records = append(records, chunkRecord{
			ID:                     c.ID,
			Parent:                 parent,
			Name:                   c.Name,
			Kind:                   c.Kind,
			StartCmd:               c.StartCmd,
			EndCmd:                 c.EndCmd,
			StartSrc:               c.StartSrc,
			EndSrc:                 c.EndSrc,
			StartDst:               c.StartDst,
			EndDst:                 c.EndDst,
			ChildrenParallelizable: c.ChildrenParallelizable,
			Stack:                  c.Stack,
			CopyUp:                 c.CopyUp,
			ReplayOf:               c.ReplayOf,
		})
		return true
	})
	return records
}

func unflatten(records []chunkRecord) (*Chunk, error) {
	if len(records) == 0 || records[0].Parent != -1 {
		return nil, fmt.Errorf("%w: chunk table has no root", ErrBadProgramFile)
	}
	nodes := make([]*Chunk, len(records))
	for i, r := range records {
		nodes[i] = &Chunk{
			ID:                     r.ID,
			Name:                   r.Name,
			Kind:                   r.Kind,
			StartCmd:               r.StartCmd,
			EndCmd:                 r.EndCmd,
			StartSrc:               r.StartSrc,
			EndSrc:                 r.EndSrc,
			StartDst:               r.StartDst,
			EndDst:                 r.EndDst,
			ChildrenParallelizable: r.ChildrenParallelizable,
			Stack:                  r.Stack,
			CopyUp:                 r.CopyUp,
			ReplayOf:               r.ReplayOf,
		}
		if i == 0 {
			continue
		}
		if r.Parent < 0 || r.Parent >= i {
			return nil, fmt.Errorf("%w: chunk %d has parent index %d", ErrBadProgramFile, r.ID, r.Parent)
		}
		nodes[r.Parent].AddChild(nodes[i])
	}
	return nodes[0], nil
}

// gobProgram is the whole-program gob form used by SerializeGob.
type gobProgram struct {
	ID                 ulid.ULID
	Reserved           int
	Commands           []core.Command
	SourceIndices      []int
	DestinationIndices []int
	Tree               treeRecord
}

// SerializeGob writes the program using gob encoding (fallback)
func (p *Program) SerializeGob() ([]byte, error) {
	var buf bytes.Buffer
	err := gob.NewEncoder(&buf).Encode(gobProgram{
		ID:                 p.ID,
		Reserved:           p.Layout.Reserved,
		Commands:           p.Commands,
		SourceIndices:      p.SourceIndices,
		DestinationIndices: p.DestinationIndices,
		Tree:               treeRecord{Chunks: flatten(p.Root), Comments: p.Comments},
	})
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DeserializeGob reads a program from gob-encoded data (fallback)
func DeserializeGob(data []byte) (*Program, error) {
	var g gobProgram
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&g); err != nil {
		return nil, err
	}
	root, err := unflatten(g.Tree.Chunks)
	if err != nil {
		return nil, err
	}
	p := NewProgram(g.Commands, root, g.Reserved, g.SourceIndices, g.DestinationIndices)
	p.ID = g.ID
	if g.Tree.Comments != nil {
		p.Comments = g.Tree.Comments
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}
