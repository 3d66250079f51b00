package tsavfilter

import (
	"fmt"
	"io"
)

// patPID is the fixed PID that always carries the PAT.
const patPID = 0x0000

// Stats summarizes one Filter run. It's returned alongside the error so a
// caller can log how far a failed run got.
type Stats struct {
	PacketsRead    int
	PacketsWritten int
	PacketsDropped int
	SectionsParsed int
}

// Filter is the A/V-dropping transport stream transform. It is not safe
// for concurrent use; create one per Run.
type Filter struct {
	pat          *ProgramAssociationTable
	reassemblers map[uint16]*sectionReassembler

	avPIDs       *pidSet
	nonavPIDs    *pidSet
	trackingPIDs *pidSet

	stats Stats
}

// NewFilter creates a Filter with only the PAT PID tracked, as described
// in spec.md §4.6: tracking_pids always starts as {0x0000}.
func NewFilter() *Filter {
	f := &Filter{
		reassemblers: make(map[uint16]*sectionReassembler),
		avPIDs:       newPidSet(),
		nonavPIDs:    newPidSet(),
		trackingPIDs: newPidSet(),
	}
	f.trackingPIDs.add(patPID)
	return f
}

// Run drains r packet by packet, writing every packet whose PID hasn't
// been classified as audio or video to w, until r is exhausted or a read
// fails. It grounds the per-packet algorithm on tsutils-drop-av.rs's
// drop_av: decode, append the packet to its PID's section buffer if
// tracked and consume the PSI section if that append completed it, then
// pass through unless the PID is an A/V PID.
//
// Run takes no context and has no cancellation token: spec.md §5 is
// explicit that the core is strictly sequential with no suspension
// points, and that a caller wanting to cancel closes the input so the
// next read fails or hits EOF. The CLI's signal handling does exactly
// that (see cmd/tsavfilter).
//
// Any returned error is a *FilterError and is fatal: there is no
// rollback or retry, matching the non-goal in spec.md §7.
func (f *Filter) Run(r io.Reader, w io.Writer) (Stats, error) {
	pr := NewPacketReader(r)
	for {
		buf, err := pr.Next()
		if err != nil {
			if err == io.EOF {
				return f.stats, nil
			}
			return f.stats, newFilterError(KindIO, 0, err)
		}
		f.stats.PacketsRead++

		if err := f.processPacket(buf, w); err != nil {
			return f.stats, err
		}
	}
}

func (f *Filter) processPacket(buf []byte, w io.Writer) error {
	p, err := ParsePacket(buf)
	if err != nil {
		return newFilterError(KindFraming, 0, err)
	}
	if p.SyncByte != syncByte {
		return newFilterError(KindFraming, p.PID, ErrPacketMustStartWithASyncByte)
	}
	if p.TransportErrorIndicator {
		return newFilterError(KindFraming, p.PID, ErrTransportErrorIndicator)
	}

	if f.trackingPIDs.has(p.PID) {
		rs, ok := f.reassemblers[p.PID]
		if !ok {
			rs = newSectionReassembler()
			f.reassemblers[p.PID] = rs
		}
		if section := rs.feed(p.PayloadUnitStartIndicator, p.DataBytes); section != nil {
			f.stats.SectionsParsed++
			if err := f.consumeSection(p.PID, section); err != nil {
				return err
			}
		}
	}

	if f.avPIDs.has(p.PID) {
		f.stats.PacketsDropped++
		return nil
	}
	if _, err := w.Write(p.Bytes); err != nil {
		return newFilterError(KindIO, p.PID, err)
	}
	f.stats.PacketsWritten++
	return nil
}

// consumeSection handles one just-completed PSI section on pid: the PAT
// on 0x0000, or a PMT on a PID the current PAT maps to a program.
func (f *Filter) consumeSection(pid uint16, section []byte) error {
	if pid == patPID {
		return f.consumePAT(section)
	}

	if f.pat == nil {
		// A PMT arriving before any PAT is ignored (spec.md §4.6): we
		// wouldn't even know to expect it, since pid only ends up in
		// trackingPIDs via a previously-parsed PAT.
		return nil
	}
	programNumber, ok := f.pat.ProgramMap[pid]
	if !ok {
		return nil
	}
	return f.consumePMT(pid, programNumber, section)
}

func (f *Filter) consumePAT(section []byte) error {
	pat, err := ParsePAT(section)
	if err != nil {
		return newFilterError(KindPSIParse, patPID, err)
	}
	f.pat = pat
	for pmtPID := range pat.ProgramMap {
		f.trackingPIDs.add(pmtPID)
	}
	return nil
}

func (f *Filter) consumePMT(pid uint16, programNumber uint16, section []byte) error {
	pmt, err := ParsePMT(section)
	if err != nil {
		return newFilterError(KindPSIParse, pid, err)
	}
	if pmt.ProgramNumber != programNumber {
		return newFilterError(KindSemantic, pid, fmt.Errorf(
			"PAT binds pid 0x%04x to program_number %d but its PMT declares program_number %d",
			pid, programNumber, pmt.ProgramNumber))
	}

	for _, es := range pmt.EsInfo {
		// Sticky classification: a PID already classified, by this or
		// any earlier PMT version, is never reclassified (spec.md §9).
		if f.avPIDs.has(es.ElementaryPID) || f.nonavPIDs.has(es.ElementaryPID) {
			continue
		}
		class := ClassifyStreamType(es.StreamType)
		if class.IsAV() {
			f.avPIDs.add(es.ElementaryPID)
		} else {
			logger.Debugf("tsavfilter: retaining non-AV stream_type=0x%02x on pid=0x%04x", es.StreamType, es.ElementaryPID)
			f.nonavPIDs.add(es.ElementaryPID)
		}
	}
	return nil
}
