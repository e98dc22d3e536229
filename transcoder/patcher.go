package transcoder

import (
	"fmt"
	"os"

	"github.com/Eyevinn/mp4ff/mp4"
	"github.com/rs/zerolog/log"
)

// patchSegment rewrites a freshly-produced media segment so that,
// stitched after every other segment this session has emitted, a DASH
// player sees monotonically increasing decode times and sequence
// numbers. Grounded on the box-rewrite idiom livesim2 uses to splice a
// live timeshift window (LiveSegment in the reference pack): decode with
// mp4ff, mutate mfhd/tfdt in place, re-encode.
func patchSegment(segmentPath string, realSegmentIn uint32, cumulativeDecodeTime *uint64) (realSegmentOut uint32, err error) {
	f, err := os.Open(segmentPath)
	if err != nil {
		return 0, fmt.Errorf("%w: open: %v", errPartialSegment, err)
	}

	parsed, err := mp4.DecodeFile(f)
	f.Close()
	if err != nil {
		return 0, newPartialSegmentError("decode: " + err.Error())
	}

	if len(parsed.Segments) != 1 || len(parsed.Segments[0].Fragments) != 1 {
		return 0, newPartialSegmentError(fmt.Sprintf("expected exactly 1 fragment, got %d segments", len(parsed.Segments)))
	}

	frag := parsed.Segments[0].Fragments[0]
	moof := frag.Moof
	if moof == nil || moof.Traf == nil {
		return 0, newPartialSegmentError("missing moof/traf")
	}
	traf := moof.Traf
	if traf.Tfhd == nil || traf.Tfdt == nil || traf.Trun == nil {
		return 0, newPartialSegmentError("traf missing tfhd/tfdt/trun")
	}

	moof.Mfhd.SequenceNumber = realSegmentIn + 1

	incomingBase := traf.Tfdt.BaseMediaDecodeTime()
	if incomingBase < *cumulativeDecodeTime {
		// The transcoder was restarted: this run's timeline starts fresh
		// and is behind where we'd already stitched to. Rebase it onto
		// the cumulative decode time so it continues, rather than
		// rewinding, the presentation.
		traf.Tfdt.SetBaseMediaDecodeTime(*cumulativeDecodeTime)
	} else {
		// Continuing run: the transcoder's own timestamps are already
		// aligned with what we've stitched so far. Leave them untouched
		// and resync our running total to them.
		*cumulativeDecodeTime = incomingBase
	}

	*cumulativeDecodeTime += uint64(traf.Trun.Duration(traf.Tfhd.DefaultSampleDuration))

	out, err := os.Create(segmentPath)
	if err != nil {
		return 0, fmt.Errorf("create: %w", err)
	}
	defer out.Close()

	if err := parsed.Encode(out); err != nil {
		return 0, fmt.Errorf("encode: %w", err)
	}

	return realSegmentIn + 1, nil
}

// patchInitSegment recovers from the "partial segment" case: a
// transcoder configuration that, after a restart, emitted its media
// payload (moof+mdat) into the init file instead of the expected chunk
// file. It appends that payload to the chunk file and truncates the
// init file back to ftyp+moov, preserving the init file identity the
// player already fetched.
func patchInitSegment(initPath, segmentPath string, realSegmentIn uint32) (realSegmentOut uint32, err error) {
	initFile, err := os.Open(initPath)
	if err != nil {
		return 0, fmt.Errorf("open init: %w", err)
	}
	parsed, err := mp4.DecodeFile(initFile)
	initFile.Close()
	if err != nil {
		return 0, fmt.Errorf("decode init: %w", err)
	}

	if parsed.Init == nil || len(parsed.Segments) == 0 {
		return 0, fmt.Errorf("init file has no displaced media payload to recover")
	}

	displaced := parsed.Segments
	for _, seg := range displaced {
		for _, frag := range seg.Fragments {
			if frag.Moof != nil && frag.Moof.Mfhd != nil {
				frag.Moof.Mfhd.SequenceNumber = realSegmentIn + 1
			}
		}
	}

	// Append the displaced media to the chunk file.
	chunkFile, err := os.OpenFile(segmentPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return 0, fmt.Errorf("open chunk: %w", err)
	}
	var encErr error
	for _, seg := range displaced {
		if encErr = seg.Encode(chunkFile); encErr != nil {
			break
		}
	}
	chunkFile.Close()
	if encErr != nil {
		return 0, fmt.Errorf("encode recovered chunk: %w", encErr)
	}

	// Truncate the init file back to just ftyp+moov.
	initOut, err := os.Create(initPath)
	if err != nil {
		return 0, fmt.Errorf("recreate init: %w", err)
	}
	encErr = parsed.Init.Encode(initOut)
	initOut.Close()
	if encErr != nil {
		return 0, fmt.Errorf("encode truncated init: %w", encErr)
	}

	log.Debug().Str("init", initPath).Str("segment", segmentPath).
		Msg("recovered partial segment from init file")

	return realSegmentIn + 1, nil
}
