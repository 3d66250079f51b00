package tsavfilter

import "fmt"

// patTableID is the required table_id for a PAT section.
const patTableID = 0x00

// ProgramAssociationTable is a decoded PAT section.
type ProgramAssociationTable struct {
	TableID              byte
	TransportStreamID    uint16
	VersionNumber        uint8
	CurrentNextIndicator bool
	SectionNumber        uint8
	LastSectionNumber    uint8

	// ProgramMap maps PMT-PID -> program_number. Entries with
	// program_number == 0 (Network PID) are excluded: the map direction
	// is PID-keyed because the filter driver's per-packet hot path asks
	// "is this incoming PID a PMT?", which needs O(1) lookup by PID.
	ProgramMap map[uint16]uint16

	CRC32 uint32
}

// ParsePAT decodes a complete PSI section payload (pointer_field through
// the trailing CRC32, inclusive) as a PAT.
func ParsePAT(section []byte) (*ProgramAssociationTable, error) {
	b, err := stripPointerField(section)
	if err != nil {
		return nil, err
	}

	if len(b) < 8 {
		return nil, fmt.Errorf("tsavfilter: PAT section too short: %d bytes", len(b))
	}

	tableID := b[0]
	if tableID != patTableID {
		return nil, &ErrIncorrectTableID{Expected: patTableID, Actual: tableID}
	}

	if b[1]&0x80 == 0 {
		return nil, ErrIncorrectSectionSyntaxIndicator
	}
	sectionLength := int(b[1]&0x0f)<<8 | int(b[2])

	t := &ProgramAssociationTable{
		TableID:              tableID,
		TransportStreamID:    uint16(b[3])<<8 | uint16(b[4]),
		VersionNumber:        (b[5] & 0x3e) >> 1,
		CurrentNextIndicator: b[5]&0x01 > 0,
		SectionNumber:        b[6],
		LastSectionNumber:    b[7],
		ProgramMap:           make(map[uint16]uint16),
	}

	// section_length counts everything after itself up to and including
	// the trailing CRC32; the program loop is everything between the
	// fixed 5-byte header (bytes 3-7) and that trailing 4-byte CRC32.
	n := (sectionLength - 5 - 4) / 4
	if n < 0 {
		return nil, fmt.Errorf("tsavfilter: PAT section_length %d too small for fixed header", sectionLength)
	}

	index := 8
	for i := 0; i < n; i++ {
		if index+4 > len(b) {
			return nil, fmt.Errorf("tsavfilter: PAT program entry %d runs past section end", i)
		}
		programNumber := uint16(b[index])<<8 | uint16(b[index+1])
		pid := uint16(b[index+2]&0x1f)<<8 | uint16(b[index+3])
		if programNumber != 0 {
			t.ProgramMap[pid] = programNumber
		}
		index += 4
	}

	if index+4 > len(b) {
		return nil, fmt.Errorf("tsavfilter: PAT section missing trailing CRC32")
	}
	t.CRC32 = uint32(b[index])<<24 | uint32(b[index+1])<<16 | uint32(b[index+2])<<8 | uint32(b[index+3])

	return t, nil
}
