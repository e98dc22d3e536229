package transcoder

import (
	"encoding/json"
	"os"
	"os/exec"
	"time"

	"github.com/rs/zerolog/log"
)

// Config holds the knobs that shape the state manager and every session
// it creates. Loaded from a JSON file overlaid on hardcoded defaults,
// plus auto-detection of the transcoder binaries.
type Config struct {
	// Bind address for the thin HTTP demo server.
	Bind string `json:"bind"`

	// TranscoderBin is the path to the transcoder binary (ffmpeg).
	TranscoderBin string `json:"transcoderBin"`
	// ProbeBin is the path to the metadata-probing binary (ffprobe).
	ProbeBin string `json:"probeBin"`
	// OutDir is the parent directory under which every session gets its
	// own private subdirectory.
	OutDir string `json:"outdir"`

	// ChunkSeconds records the nominal duration of one media chunk. It is
	// not read by sessions, which always use NominalChunkSeconds.
	ChunkSeconds int `json:"chunkSeconds"`

	// SoftTimeout records the idle duration before a session's child is
	// paused. It is not read by sessions, which always use TSoft.
	SoftTimeout time.Duration `json:"softTimeout"`
	// HardTimeout records the idle duration before garbage_collect reaps
	// a session. It is not read by sessions, which always use THard.
	HardTimeout time.Duration `json:"hardTimeout"`
	// GCInterval is how often garbage_collect runs.
	GCInterval time.Duration `json:"gcInterval"`

	// QF records a quality factor (CRF / global_quality). It is not
	// passed to any profile: each TranscodeProfile carries its own qf,
	// defaulting to 23 in NewTranscodeProfile.
	QF int `json:"qf"`

	// MaxExitStatusEntries bounds the exit-status cache.
	MaxExitStatusEntries int `json:"maxExitStatusEntries"`
}

// DefaultConfig returns hardcoded defaults matching the recommended
// constants (T_soft=30s, T_hard=90s, chunk=5s), before any file or
// auto-detection overlay runs. TranscoderBin, ProbeBin and OutDir are
// left empty for AutoDetect to fill in.
func DefaultConfig() *Config {
	return &Config{
		Bind:                 ":47788",
		ChunkSeconds:         NominalChunkSeconds,
		SoftTimeout:          TSoft,
		HardTimeout:          THard,
		GCInterval:           5 * time.Second,
		QF:                   23,
		MaxExitStatusEntries: 256,
	}
}

// FromFile overlays a JSON config file onto c.
func (c *Config) FromFile(path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(content, c); err != nil {
		return err
	}
	c.Print()
	return nil
}

// AutoDetect locates ffmpeg/ffprobe on PATH and picks a default outdir.
func (c *Config) AutoDetect() error {
	if c.TranscoderBin == "" {
		bin, err := exec.LookPath("ffmpeg")
		if err != nil {
			return err
		}
		c.TranscoderBin = bin
	}
	if c.ProbeBin == "" {
		bin, err := exec.LookPath("ffprobe")
		if err != nil {
			return err
		}
		c.ProbeBin = bin
	}
	if c.OutDir == "" {
		c.OutDir = os.TempDir() + "/nightfall"
	}
	c.Print()
	return nil
}

func (c *Config) Print() {
	log.Info().Interface("config", c).Msg("configuration loaded")
}
