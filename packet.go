package tsavfilter

import (
	"errors"
	"fmt"
	"io"
)

// PacketSize is the fixed TS packet size this package supports.
// 192 and 204-byte variants are not handled.
const PacketSize = 188

// syncByte is the required first byte of every packet.
const syncByte = 0x47

// ErrPacketMustStartWithASyncByte is returned when a packet's first byte
// isn't 0x47.
var ErrPacketMustStartWithASyncByte = errors.New("tsavfilter: packet must start with a sync byte")

// ErrTransportErrorIndicator is returned when a packet's
// transport_error_indicator bit is set.
var ErrTransportErrorIndicator = errors.New("tsavfilter: transport_error_indicator is set")

// TsPacket is a decoded view over exactly 188 bytes. AdaptationField and
// DataBytes borrow from Bytes; they share Bytes' lifetime.
type TsPacket struct {
	Bytes []byte // the whole 188-byte packet, verbatim

	SyncByte                   byte
	TransportErrorIndicator    bool
	PayloadUnitStartIndicator  bool
	TransportPriority          bool
	PID                        uint16
	TransportScramblingControl uint8
	AdaptationFieldControl     uint8
	ContinuityCounter          uint8

	AdaptationField *AdaptationField
	DataBytes       []byte // nil unless AdaptationFieldControl has the payload bit set
}

// HasAdaptationField reports whether adaptation_field_control indicates
// an adaptation field is present (0b10 or 0b11).
func (p *TsPacket) HasAdaptationField() bool {
	return p.AdaptationFieldControl == 0b10 || p.AdaptationFieldControl == 0b11
}

// HasPayload reports whether adaptation_field_control indicates payload
// bytes are present (0b01 or 0b11).
func (p *TsPacket) HasPayload() bool {
	return p.AdaptationFieldControl == 0b01 || p.AdaptationFieldControl == 0b11
}

// ParsePacket decodes a single 188-byte buffer into a TsPacket. buf must
// be exactly PacketSize bytes long; the returned packet's
// AdaptationField/DataBytes borrow from buf.
//
// Decoding does not check the sync byte or transport_error_indicator:
// those checks are the caller's responsibility (see Filter). It fails
// only when buf is not PacketSize bytes or when the adaptation field's
// declared lengths run past the packet.
func ParsePacket(buf []byte) (*TsPacket, error) {
	if len(buf) != PacketSize {
		return nil, fmt.Errorf("tsavfilter: packet must be %d bytes, got %d", PacketSize, len(buf))
	}

	p := &TsPacket{Bytes: buf}
	p.SyncByte = buf[0]

	p.TransportErrorIndicator = buf[1]&0x80 > 0
	p.PayloadUnitStartIndicator = buf[1]&0x40 > 0
	p.TransportPriority = buf[1]&0x20 > 0
	p.PID = uint16(buf[1]&0x1f)<<8 | uint16(buf[2])
	p.TransportScramblingControl = buf[3] >> 6 & 0x3
	p.AdaptationFieldControl = buf[3] >> 4 & 0x3
	p.ContinuityCounter = buf[3] & 0xf

	offset := 4
	if p.HasAdaptationField() {
		af, err := parseAdaptationField(buf[offset:])
		if err != nil {
			return nil, fmt.Errorf("tsavfilter: parsing adaptation field: %w", err)
		}
		p.AdaptationField = af
		offset += 1 + af.Length
	}

	if p.HasPayload() {
		if offset > len(buf) {
			return nil, errors.New("tsavfilter: adaptation field consumed entire packet")
		}
		p.DataBytes = buf[offset:]
	}

	return p, nil
}

// PacketReader splits a byte stream into an ordered, finite, single-pass
// sequence of 188-byte packets. No sync-hunt is performed: packets are
// assumed aligned from byte 0; a misalignment surfaces downstream via the
// sync-byte check in Filter.
type PacketReader struct {
	r   io.Reader
	buf []byte
}

// NewPacketReader creates a framer reading packets from r.
func NewPacketReader(r io.Reader) *PacketReader {
	return &PacketReader{r: r, buf: make([]byte, PacketSize)}
}

// Next reads the next 188-byte packet. It returns io.EOF once the stream
// is exhausted on a packet boundary, including when fewer than 188 bytes
// remain (a clean, non-error termination). Any other read error is fatal.
func (pr *PacketReader) Next() ([]byte, error) {
	_, err := io.ReadFull(pr.r, pr.buf)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("tsavfilter: reading packet: %w", err)
	}

	out := make([]byte, PacketSize)
	copy(out, pr.buf)
	return out, nil
}

// ClockReference is a 33-bit base + 9-bit extension clock value, as
// packed into PCR/OPCR fields (6 bytes) per ISO/IEC 13818-1 2.4.2.2.
type ClockReference struct {
	Base      uint64 // 33 bits
	Reserved  uint8  // 6 bits
	Extension uint16 // 9 bits
}

func parseClockReference(b []byte) *ClockReference {
	_ = b[5]
	base := uint64(b[0])<<25 | uint64(b[1])<<17 | uint64(b[2])<<9 | uint64(b[3])<<1 | uint64(b[4]>>7)
	reserved := (b[4] >> 1) & 0x3f
	extension := uint16(b[4]&0x1)<<8 | uint16(b[5])
	return &ClockReference{Base: base, Reserved: reserved, Extension: extension}
}

// AdaptationField is a decoded packet adaptation field.
type AdaptationField struct {
	Length int // adaptation_field_length, the byte count following the length byte itself

	DiscontinuityIndicator            bool
	RandomAccessIndicator             bool
	ElementaryStreamPriorityIndicator bool
	HasPCR                            bool
	HasOPCR                           bool
	HasSplicingCountdown              bool
	HasTransportPrivateData           bool
	HasAdaptationFieldExtension       bool

	PCR                        *ClockReference
	OPCR                       *ClockReference
	SpliceCountdown            int8
	TransportPrivateDataLength int
	TransportPrivateData       []byte
	AdaptationFieldExtension   *AdaptationFieldExtension
}

// parseAdaptationField decodes the adaptation field beginning at b[0]
// (the adaptation_field_length byte).
func parseAdaptationField(b []byte) (*AdaptationField, error) {
	if len(b) < 1 {
		return nil, errors.New("adaptation field truncated")
	}

	a := &AdaptationField{Length: int(b[0])}
	if a.Length == 0 {
		return a, nil
	}
	if len(b) < 1+a.Length {
		return nil, errors.New("adaptation field longer than packet")
	}

	region := b[1 : 1+a.Length]
	offset := 0

	// ISO/IEC 13818-1 2.4.3.4 Table 2-6 assigns bit 7 to discontinuity,
	// bit 6 to random access, bit 5 to ES-priority. Follow that
	// assignment strictly (an earlier revision of this parser masked
	// ES-priority with the same bit as discontinuity).
	flags := region[offset]
	a.DiscontinuityIndicator = flags&0x80 > 0
	a.RandomAccessIndicator = flags&0x40 > 0
	a.ElementaryStreamPriorityIndicator = flags&0x20 > 0
	a.HasPCR = flags&0x10 > 0
	a.HasOPCR = flags&0x08 > 0
	a.HasSplicingCountdown = flags&0x04 > 0
	a.HasTransportPrivateData = flags&0x02 > 0
	a.HasAdaptationFieldExtension = flags&0x01 > 0
	offset++

	if a.HasPCR {
		if offset+6 > len(region) {
			return nil, errors.New("adaptation field truncated before PCR")
		}
		a.PCR = parseClockReference(region[offset:])
		offset += 6
	}

	if a.HasOPCR {
		if offset+6 > len(region) {
			return nil, errors.New("adaptation field truncated before OPCR")
		}
		a.OPCR = parseClockReference(region[offset:])
		offset += 6
	}

	if a.HasSplicingCountdown {
		if offset+1 > len(region) {
			return nil, errors.New("adaptation field truncated before splice countdown")
		}
		a.SpliceCountdown = int8(region[offset])
		offset++
	}

	if a.HasTransportPrivateData {
		if offset+1 > len(region) {
			return nil, errors.New("adaptation field truncated before private data length")
		}
		a.TransportPrivateDataLength = int(region[offset])
		offset++
		if a.TransportPrivateDataLength > 0 {
			if offset+a.TransportPrivateDataLength > len(region) {
				return nil, errors.New("adaptation field truncated before private data")
			}
			a.TransportPrivateData = region[offset : offset+a.TransportPrivateDataLength]
			offset += a.TransportPrivateDataLength
		}
	}

	if a.HasAdaptationFieldExtension {
		ext, n, err := parseAdaptationFieldExtension(region[offset:])
		if err != nil {
			return nil, fmt.Errorf("adaptation field extension: %w", err)
		}
		a.AdaptationFieldExtension = ext
		offset += n
	}

	checkStuffing(region[offset:])

	return a, nil
}

// checkStuffing warns (but does not fail) when stuffing bytes between the
// last decoded sub-field and the adaptation field boundary aren't 0xFF.
func checkStuffing(stuffing []byte) {
	for _, b := range stuffing {
		if b != 0xff {
			logger.Warnf("tsavfilter: non-0xFF stuffing byte in adaptation field: 0x%02x", b)
		}
	}
}

// AdaptationFieldExtension is the optional extension sub-field of an
// adaptation field.
type AdaptationFieldExtension struct {
	Length int // adaptation_field_extension_length

	HasLegalTimeWindow bool
	HasPiecewiseRate   bool
	HasSeamlessSplice  bool

	LegalTimeWindowIsValid bool
	LegalTimeWindowOffset  uint16

	PiecewiseRate uint32

	SpliceType        uint8
	DTSNextAccessUnit uint64

	TrailingReserved []byte
}

func parseAdaptationFieldExtension(b []byte) (*AdaptationFieldExtension, int, error) {
	if len(b) < 1 {
		return nil, 0, errors.New("truncated before extension length")
	}
	e := &AdaptationFieldExtension{Length: int(b[0])}
	if e.Length == 0 {
		return e, 1, nil
	}
	if len(b) < 1+e.Length {
		return nil, 0, errors.New("extension longer than remaining adaptation field")
	}
	region := b[1 : 1+e.Length]
	offset := 0

	if len(region) < 1 {
		return nil, 0, errors.New("truncated extension flags byte")
	}
	flags := region[offset]
	e.HasLegalTimeWindow = flags&0x80 > 0
	e.HasPiecewiseRate = flags&0x40 > 0
	e.HasSeamlessSplice = flags&0x20 > 0
	offset++

	if e.HasLegalTimeWindow {
		if offset+2 > len(region) {
			return nil, 0, errors.New("truncated before legal time window")
		}
		e.LegalTimeWindowIsValid = region[offset]&0x80 > 0
		e.LegalTimeWindowOffset = uint16(region[offset]&0x7f)<<8 | uint16(region[offset+1])
		offset += 2
	}

	if e.HasPiecewiseRate {
		if offset+3 > len(region) {
			return nil, 0, errors.New("truncated before piecewise rate")
		}
		// Corrected 22-bit layout: ((b0&0x3F)<<16) | (b1<<8) | b2. An
		// earlier revision computed (b0&0x3F)<<16 | b1<<16 | b1, which is
		// self-inconsistent (see spec's documented source bug #2).
		e.PiecewiseRate = uint32(region[offset]&0x3f)<<16 | uint32(region[offset+1])<<8 | uint32(region[offset+2])
		offset += 3
	}

	if e.HasSeamlessSplice {
		if offset+5 > len(region) {
			return nil, 0, errors.New("truncated before seamless splice")
		}
		e.SpliceType = (region[offset] & 0xf0) >> 4
		e.DTSNextAccessUnit = uint64(region[offset]&0x0e)<<29 |
			uint64(region[offset+1])<<22 |
			uint64(region[offset+2]&0xfe)<<14 |
			uint64(region[offset+3])<<7 |
			uint64(region[offset+4]&0xfe)>>1
		offset += 5
	}

	if offset < len(region) {
		e.TrailingReserved = region[offset:]
	}

	return e, 1 + e.Length, nil
}
