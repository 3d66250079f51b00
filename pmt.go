package tsavfilter

import "fmt"

// pmtTableID is the required table_id for a PMT section.
const pmtTableID = 0x02

// Stream type classification (spec.md §3's EsInfo table).
const (
	StreamTypeADTSAAC  = 0x0f // audio
	StreamTypeMPEG2Vid = 0x02 // video
	StreamTypeH264     = 0x1b // video
)

// StreamClass is the A/V classification of an elementary stream, derived
// from its stream_type.
type StreamClass int

const (
	StreamClassNonAV StreamClass = iota
	StreamClassAudio
	StreamClassVideo
)

// ClassifyStreamType maps a PMT stream_type byte to a StreamClass.
func ClassifyStreamType(streamType byte) StreamClass {
	switch streamType {
	case StreamTypeADTSAAC:
		return StreamClassAudio
	case StreamTypeMPEG2Vid, StreamTypeH264:
		return StreamClassVideo
	default:
		return StreamClassNonAV
	}
}

// IsAV reports whether c is audio or video.
func (c StreamClass) IsAV() bool {
	return c == StreamClassAudio || c == StreamClassVideo
}

// EsInfo is one elementary stream entry in a PMT.
type EsInfo struct {
	StreamType    byte
	ElementaryPID uint16
	Descriptor    []byte // raw, opaque descriptor bytes
}

// ProgramMapTable is a decoded PMT section.
type ProgramMapTable struct {
	TableID              byte
	ProgramNumber        uint16
	VersionNumber        uint8
	CurrentNextIndicator bool
	SectionNumber        uint8
	LastSectionNumber    uint8
	PCRPID               uint16
	ProgramInfo          []byte // raw program-level descriptor bytes
	EsInfo               []*EsInfo
	CRC32                uint32
}

// ParsePMT decodes a complete PSI section payload as a PMT.
func ParsePMT(section []byte) (*ProgramMapTable, error) {
	b, err := stripPointerField(section)
	if err != nil {
		return nil, err
	}

	if len(b) < 12 {
		return nil, fmt.Errorf("tsavfilter: PMT section too short: %d bytes", len(b))
	}

	tableID := b[0]
	if tableID != pmtTableID {
		return nil, &ErrIncorrectTableID{Expected: pmtTableID, Actual: tableID}
	}

	if b[1]&0x80 == 0 {
		return nil, ErrIncorrectSectionSyntaxIndicator
	}
	sectionLength := int(b[1]&0x0f)<<8 | int(b[2])

	t := &ProgramMapTable{
		TableID:              tableID,
		ProgramNumber:        uint16(b[3])<<8 | uint16(b[4]),
		VersionNumber:        (b[5] & 0x3e) >> 1,
		CurrentNextIndicator: b[5]&0x01 > 0,
		SectionNumber:        b[6],
		LastSectionNumber:    b[7],
		PCRPID:               uint16(b[8]&0x1f)<<8 | uint16(b[9]),
	}

	programInfoLength := int(b[10]&0x0f)<<8 | int(b[11])
	if 12+programInfoLength > len(b) {
		return nil, fmt.Errorf("tsavfilter: PMT program_info_length %d runs past section end", programInfoLength)
	}
	t.ProgramInfo = b[12 : 12+programInfoLength]

	index := 12 + programInfoLength
	esLoopEnd := 3 + sectionLength - 4
	for index < esLoopEnd {
		if index+5 > len(b) {
			return nil, fmt.Errorf("tsavfilter: PMT ES entry at offset %d runs past section end", index)
		}
		streamType := b[index]
		elementaryPID := uint16(b[index+1]&0x1f)<<8 | uint16(b[index+2])
		esInfoLength := int(b[index+3]&0x0f)<<8 | int(b[index+4])
		index += 5

		if index+esInfoLength > len(b) {
			return nil, fmt.Errorf("tsavfilter: PMT ES entry descriptor (length %d) runs past section end", esInfoLength)
		}
		t.EsInfo = append(t.EsInfo, &EsInfo{
			StreamType:    streamType,
			ElementaryPID: elementaryPID,
			Descriptor:    b[index : index+esInfoLength],
		})
		index += esInfoLength
	}

	if esLoopEnd+4 > len(b) {
		return nil, fmt.Errorf("tsavfilter: PMT section missing trailing CRC32")
	}
	t.CRC32 = uint32(b[esLoopEnd])<<24 | uint32(b[esLoopEnd+1])<<16 | uint32(b[esLoopEnd+2])<<8 | uint32(b[esLoopEnd+3])

	return t, nil
}
