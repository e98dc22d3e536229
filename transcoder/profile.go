package transcoder

import (
	"fmt"
	"strings"
)

// ProfileType classifies what a profile asks the transcoder to do. A
// Transmux profile is a pure remux (stream copy) and is the only type
// eligible for direct-play.
type ProfileType int

const (
	ProfileTransmux ProfileType = iota
	ProfileTranscode
)

func (t ProfileType) String() string {
	if t == ProfileTransmux {
		return "transmux"
	}
	return "transcode"
}

// ProfileContext is the immutable input description plus mutable output
// parameters shared by every profile in a chain. A failed profile's
// fallback may adjust Width/Height/Bitrate before the next attempt.
type ProfileContext struct {
	// InputPath is the source media file. Immutable.
	InputPath string

	// OutDir is this session's private output directory. Set once by the
	// state manager at create() time.
	OutDir string

	// TranscoderBin is the path to the transcoder binary (e.g. ffmpeg).
	TranscoderBin string

	// Mutable output parameters. A fallback profile is free to change
	// these (e.g. drop to a lower resolution after a hardware encoder
	// fails).
	Width   int
	Height  int
	Bitrate int
}

// ProfileDescriptor is opaque to the core: it knows how to build an argv
// for the transcoder given a context and a start-chunk offset.
type ProfileDescriptor interface {
	// Tag is a short identifier for logs and diagnostics.
	Tag() string
	// Type reports whether this profile is a pure remux or an actual
	// transcode.
	Type() ProfileType
	// BuildArgs returns the argument vector to invoke the transcoder with,
	// seeking to startChunk's nominal offset.
	BuildArgs(ctx *ProfileContext, startChunk int, chunkSeconds int) []string
}

// ProfileChain is the ordered list of transcoder configurations tried in
// turn. The state manager advances it on child failure via Next.
type ProfileChain struct {
	profiles []ProfileDescriptor
}

// NewProfileChain builds a chain from an ordered list of descriptors.
// An empty list yields a chain that reports Empty.
func NewProfileChain(profiles ...ProfileDescriptor) *ProfileChain {
	return &ProfileChain{profiles: profiles}
}

// Empty reports whether the chain has nothing left to try.
func (c *ProfileChain) Empty() bool {
	return len(c.profiles) == 0
}

// Head returns the current (first) profile, or nil if the chain is
// exhausted.
func (c *ProfileChain) Head() ProfileDescriptor {
	if c.Empty() {
		return nil
	}
	return c.profiles[0]
}

// Next pops the head of the chain and returns the new head's tag, or ""
// with ok=false if the chain is now exhausted.
func (c *ProfileChain) Next() (tag string, ok bool) {
	if len(c.profiles) == 0 {
		return "", false
	}
	c.profiles = c.profiles[1:]
	if len(c.profiles) == 0 {
		return "", false
	}
	return c.profiles[0].Tag(), true
}

// IsDirectPlay reports whether this chain qualifies for direct-play: a
// single profile whose type is a pure remux.
func (c *ProfileChain) IsDirectPlay() bool {
	return len(c.profiles) == 1 && c.profiles[0].Type() == ProfileTransmux
}

// Len reports how many profiles remain in the chain.
func (c *ProfileChain) Len() int {
	return len(c.profiles)
}

// TransmuxProfile is a pure stream-copy remux: no re-encoding, no scaling,
// eligible for direct-play.
type TransmuxProfile struct {
	tag string
}

func NewTransmuxProfile(tag string) *TransmuxProfile {
	if tag == "" {
		tag = "direct"
	}
	return &TransmuxProfile{tag: tag}
}

func (p *TransmuxProfile) Tag() string          { return p.tag }
func (p *TransmuxProfile) Type() ProfileType    { return ProfileTransmux }

func (p *TransmuxProfile) BuildArgs(ctx *ProfileContext, startChunk int, chunkSeconds int) []string {
	startAt := float64(startChunk * chunkSeconds)

	args := []string{"-loglevel", "warning"}
	if startAt > 0 {
		args = append(args, "-ss", fmt.Sprintf("%.6f", startAt))
	}
	args = append(args,
		"-i", ctx.InputPath,
		"-copyts",
		"-fflags", "+genpts",
		"-map", "0:v:0",
		"-c:v", "copy",
		"-map", "0:a:0?",
		"-c:a", "copy",
	)
	return appendSegmentOutputArgs(args, ctx, startChunk, chunkSeconds)
}

// TranscodeProfile re-encodes video to a target resolution/bitrate, with
// optional hardware acceleration.
type TranscodeProfile struct {
	tag     string
	encoder string // libx264, h264_vaapi, h264_nvenc
	qf      int
}

const (
	EncoderX264  = "libx264"
	EncoderVAAPI = "h264_vaapi"
	EncoderNVENC = "h264_nvenc"
)

func NewTranscodeProfile(tag, encoder string, qf int) *TranscodeProfile {
	if encoder == "" {
		encoder = EncoderX264
	}
	if qf == 0 {
		qf = 23
	}
	return &TranscodeProfile{tag: tag, encoder: encoder, qf: qf}
}

func (p *TranscodeProfile) Tag() string       { return p.tag }
func (p *TranscodeProfile) Type() ProfileType { return ProfileTranscode }

func (p *TranscodeProfile) BuildArgs(ctx *ProfileContext, startChunk int, chunkSeconds int) []string {
	// Start one chunk earlier so keyframes line up with the requested
	// boundary once re-encoding settles in.
	effectiveStart := startChunk
	if effectiveStart > 0 {
		effectiveStart--
	}
	startAt := float64(effectiveStart * chunkSeconds)

	args := []string{"-loglevel", "warning"}
	if startAt > 0 {
		args = append(args, "-ss", fmt.Sprintf("%.6f", startAt))
	}

	if p.encoder == EncoderVAAPI {
		args = append(args, "-hwaccel", "vaapi", "-hwaccel_device", "/dev/dri/renderD128", "-hwaccel_output_format", "vaapi")
	} else if p.encoder == EncoderNVENC {
		args = append(args, "-hwaccel", "cuda")
	}

	args = append(args, "-i", ctx.InputPath, "-copyts", "-fflags", "+genpts")

	scaler := "scale"
	format := "format=nv12"
	scalerArgs := []string{"force_original_aspect_ratio=decrease"}
	if p.encoder == EncoderVAAPI {
		format = "format=nv12|vaapi,hwupload"
		scaler = "scale_vaapi"
		scalerArgs = append(scalerArgs, "format=nv12")
	} else if p.encoder == EncoderNVENC {
		format = "format=nv12,hwupload_cuda"
		scaler = "scale_npp"
	}
	if ctx.Width > 0 && ctx.Height > 0 {
		scalerArgs = append(scalerArgs, fmt.Sprintf("w=%d", ctx.Width), fmt.Sprintf("h=%d", ctx.Height))
	}
	filter := fmt.Sprintf("%s,%s=%s", format, scaler, strings.Join(scalerArgs, ":"))
	args = append(args, "-vf", filter)

	args = append(args, "-map", "0:v:0", "-c:v", p.encoder)

	switch p.encoder {
	case EncoderVAAPI:
		args = append(args, "-global_quality", fmt.Sprintf("%d", p.qf))
	case EncoderNVENC:
		args = append(args, "-preset", "p4", "-tune", "hq", "-rc", "vbr", "-cq", fmt.Sprintf("%d", p.qf))
		if ctx.Bitrate > 0 {
			maxrate := int(float64(ctx.Bitrate) * 1.25)
			args = append(args, "-maxrate", fmt.Sprintf("%d", maxrate), "-bufsize", fmt.Sprintf("%d", maxrate*2))
		}
	default:
		args = append(args, "-preset", "faster", "-crf", fmt.Sprintf("%d", p.qf))
	}

	args = append(args, "-map", "0:a:0?", "-c:a", "aac", "-ac", "2")

	return appendSegmentOutputArgs(args, ctx, startChunk, chunkSeconds)
}

// appendSegmentOutputArgs appends the fMP4/DASH segmenting output options
// common to every profile: init segment, numbered media segments, forced
// keyframes on chunk boundaries.
func appendSegmentOutputArgs(args []string, ctx *ProfileContext, startChunk int, chunkSeconds int) []string {
	args = append(args,
		"-force_key_frames", fmt.Sprintf("expr:gte(t,n_forced*%d)", chunkSeconds),
		"-start_number", fmt.Sprintf("%d", startChunk),
		"-avoid_negative_ts", "disabled",
		"-f", "dash",
		"-use_template", "1",
		"-use_timeline", "0",
		"-seg_duration", fmt.Sprintf("%d", chunkSeconds),
		"-init_seg_name", "init.mp4",
		"-media_seg_name", "$Number$.m4s",
		fmt.Sprintf("%s/manifest.mpd", ctx.OutDir),
	)
	return args
}
