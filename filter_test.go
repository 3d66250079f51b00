package tsavfilter

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func patPacket(pusi bool, programs map[uint16]uint16) []byte {
	section := buildPATSection(1, programs)
	return buildPacket(pusi, patPID, -1, section)
}

func pmtPacket(pusi bool, pid uint16, programNumber uint16, entries []esEntry) []byte {
	section := buildPMTSection(programNumber, 0, nil, entries)
	return buildPacket(pusi, pid, -1, section)
}

func avPacket(pid uint16) []byte {
	return buildPacket(false, pid, -1, []byte{0xde, 0xad, 0xbe, 0xef})
}

func runFilter(t *testing.T, packets ...[]byte) ([][]byte, Stats) {
	t.Helper()
	var in bytes.Buffer
	for _, p := range packets {
		in.Write(p)
	}

	var out bytes.Buffer
	f := NewFilter()
	stats, err := f.Run(&in, &out)
	require.NoError(t, err)

	var written [][]byte
	b := out.Bytes()
	for i := 0; i+PacketSize <= len(b); i += PacketSize {
		written = append(written, b[i:i+PacketSize])
	}
	return written, stats
}

// Scenario: a single null packet (PID 0x1FFF) passes through unchanged.
func TestFilterPassesThroughUnrelatedPID(t *testing.T) {
	null := buildPacket(false, 0x1fff, -1, nil)
	written, stats := runFilter(t, null)
	require.Len(t, written, 1)
	assert.Equal(t, null, written[0])
	assert.Equal(t, 1, stats.PacketsRead)
	assert.Equal(t, 1, stats.PacketsWritten)
}

// Scenario: PAT, then its PMT declaring one video ES, then a packet on
// that video PID. The video packet is dropped.
func TestFilterDropsAVAfterPMT(t *testing.T) {
	pat := patPacket(true, map[uint16]uint16{0x0100: 1})
	pmt := pmtPacket(true, 0x0100, 1, []esEntry{{streamType: StreamTypeH264, pid: 0x0200}})
	video := avPacket(0x0200)

	written, stats := runFilter(t, pat, pmt, video)
	require.Len(t, written, 2)
	assert.Equal(t, pat, written[0])
	assert.Equal(t, pmt, written[1])
	assert.Equal(t, 1, stats.PacketsDropped)
	assert.Equal(t, 2, stats.SectionsParsed)
}

// Scenario: an A/V packet arrives before its PMT has completed. With no
// completed PMT yet, the PID is unclassified and the packet passes
// through: the accepted slippage from spec.md §4.6.
func TestFilterAcceptsSlippageBeforePMTCompletes(t *testing.T) {
	pat := patPacket(true, map[uint16]uint16{0x0100: 1})
	video := avPacket(0x0200)
	// The PMT section never completes: only half of it ever arrives. An
	// adaptation field fills the rest of the packet so that no 0xff
	// padding follows the half section in the payload.
	section := buildPMTSection(1, 0, nil, []esEntry{{streamType: StreamTypeH264, pid: 0x0200}})
	half := section[:len(section)/2]
	pmtStart := buildPacket(true, 0x0100, PacketSize-5-len(half), half)
	pmtStart[5] = 0x00 // adaptation field flags: none set

	written, _ := runFilter(t, pat, pmtStart, video)
	require.Len(t, written, 3)
	assert.Equal(t, video, written[2])
}

// Scenario: a sync_byte failure is fatal and reported as a framing error.
func TestFilterFailsOnBadSyncByte(t *testing.T) {
	bad := buildPacket(false, 0x0100, -1, nil)
	bad[0] = 0x00

	var out bytes.Buffer
	f := NewFilter()
	_, err := f.Run(bytes.NewReader(bad), &out)
	require.Error(t, err)
	var ferr *FilterError
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, KindFraming, ferr.Kind)
}

// Scenario: transport_error_indicator is fatal, same as a bad sync byte.
func TestFilterFailsOnTransportErrorIndicator(t *testing.T) {
	bad := buildPacket(false, 0x0100, -1, nil)
	bad[1] |= 0x80

	var out bytes.Buffer
	f := NewFilter()
	_, err := f.Run(bytes.NewReader(bad), &out)
	require.Error(t, err)
	var ferr *FilterError
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, KindFraming, ferr.Kind)
}

// Scenario: a PMT whose program_number disagrees with its PAT binding is
// a fatal semantic error.
func TestFilterFailsOnInconsistentProgramNumber(t *testing.T) {
	pat := patPacket(true, map[uint16]uint16{0x0100: 1})
	pmt := pmtPacket(true, 0x0100, 2, []esEntry{{streamType: StreamTypeH264, pid: 0x0200}})

	var out bytes.Buffer
	f := NewFilter()
	_, err := f.Run(bytes.NewReader(append(pat, pmt...)), &out)
	require.Error(t, err)
	var ferr *FilterError
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, KindSemantic, ferr.Kind)
}

// Scenario: a non-A/V stream_type in the PMT is classified but retained.
func TestFilterRetainsNonAVStreamType(t *testing.T) {
	pat := patPacket(true, map[uint16]uint16{0x0100: 1})
	pmt := pmtPacket(true, 0x0100, 1, []esEntry{{streamType: 0x06, pid: 0x0300}})
	sub := avPacket(0x0300)

	written, _ := runFilter(t, pat, pmt, sub)
	require.Len(t, written, 3)
	assert.Equal(t, sub, written[2])
}

// Sticky classification: a PID classified by an earlier PMT version is
// never reclassified, even if a newer PMT drops or changes its entry.
func TestFilterClassificationIsSticky(t *testing.T) {
	pat := patPacket(true, map[uint16]uint16{0x0100: 1})
	pmt1 := pmtPacket(true, 0x0100, 1, []esEntry{{streamType: StreamTypeH264, pid: 0x0200}})
	video1 := avPacket(0x0200)
	pmt2 := pmtPacket(true, 0x0100, 1, []esEntry{{streamType: 0x06, pid: 0x0200}})
	video2 := avPacket(0x0200)

	written, _ := runFilter(t, pat, pmt1, video1, pmt2, video2)
	// The PAT and both PMT occurrences pass through; both video packets
	// are dropped since 0x0200 was classified as video the first time.
	require.Len(t, written, 3)
}

// A PMT received before any PAT is ignored entirely.
func TestFilterIgnoresPMTBeforePAT(t *testing.T) {
	pmt := pmtPacket(true, 0x0100, 1, []esEntry{{streamType: StreamTypeH264, pid: 0x0200}})
	video := avPacket(0x0200)

	written, _ := runFilter(t, pmt, video)
	require.Len(t, written, 2)
	assert.Equal(t, video, written[1])
}

// Replacing the PAT wholesale: a PID no longer mapped stops being
// treated as a PMT, but previously-classified A/V PIDs stay classified.
func TestFilterReplacesPATWholesale(t *testing.T) {
	pat1 := patPacket(true, map[uint16]uint16{0x0100: 1})
	pmt1 := pmtPacket(true, 0x0100, 1, []esEntry{{streamType: StreamTypeH264, pid: 0x0200}})
	pat2 := patPacket(true, map[uint16]uint16{0x0101: 1})
	video := avPacket(0x0200)

	written, _ := runFilter(t, pat1, pmt1, pat2, video)
	require.Len(t, written, 3)
	assert.NotContains(t, written, video)
}
