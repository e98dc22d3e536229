package transcoder

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProfileChainDirectPlay(t *testing.T) {
	chain := NewProfileChain(NewTransmuxProfile("direct"))
	assert.True(t, chain.IsDirectPlay())
	assert.Equal(t, 1, chain.Len())

	chain2 := NewProfileChain(
		NewTranscodeProfile("high", EncoderX264, 20),
		NewTranscodeProfile("low", EncoderX264, 28),
	)
	assert.False(t, chain2.IsDirectPlay())
}

func TestProfileChainNext(t *testing.T) {
	chain := NewProfileChain(
		NewTranscodeProfile("high", EncoderX264, 20),
		NewTranscodeProfile("low", EncoderX264, 28),
	)
	require.Equal(t, "high", chain.Head().Tag())

	tag, ok := chain.Next()
	require.True(t, ok)
	assert.Equal(t, "low", tag)
	assert.Equal(t, 1, chain.Len())

	_, ok = chain.Next()
	assert.False(t, ok)
	assert.True(t, chain.Empty())
}

func TestProfileChainEmptyNext(t *testing.T) {
	chain := NewProfileChain()
	assert.True(t, chain.Empty())
	_, ok := chain.Next()
	assert.False(t, ok)
}

func TestTransmuxProfileBuildArgs(t *testing.T) {
	p := NewTransmuxProfile("direct")
	ctx := &ProfileContext{InputPath: "/in.mkv", OutDir: "/tmp/out"}
	args := p.BuildArgs(ctx, 3, 5)

	assert.Contains(t, args, "-ss")
	assert.Contains(t, args, "-c:v")
	assert.Contains(t, args, "copy")
	assert.Contains(t, args, "-i")
	assert.Contains(t, args, "/in.mkv")
	assert.Contains(t, args, "/tmp/out/manifest.mpd")
}

func TestTransmuxProfileNoSeekAtZero(t *testing.T) {
	p := NewTransmuxProfile("direct")
	ctx := &ProfileContext{InputPath: "/in.mkv", OutDir: "/tmp/out"}
	args := p.BuildArgs(ctx, 0, 5)
	assert.NotContains(t, args, "-ss")
}

func TestTranscodeProfileEncoderBranches(t *testing.T) {
	ctx := &ProfileContext{InputPath: "/in.mkv", OutDir: "/tmp/out", Width: 1280, Height: 720, Bitrate: 4_000_000}

	x264 := NewTranscodeProfile("x264", EncoderX264, 23).BuildArgs(ctx, 1, 5)
	assert.Contains(t, x264, "-crf")
	assert.Contains(t, x264, "format=nv12,scale=force_original_aspect_ratio=decrease:w=1280:h=720")

	vaapi := NewTranscodeProfile("vaapi", EncoderVAAPI, 23).BuildArgs(ctx, 1, 5)
	assert.Contains(t, vaapi, "-hwaccel")
	assert.Contains(t, vaapi, "-global_quality")

	nvenc := NewTranscodeProfile("nvenc", EncoderNVENC, 23).BuildArgs(ctx, 1, 5)
	assert.Contains(t, nvenc, "-cq")
	assert.Contains(t, nvenc, "-maxrate")
}
