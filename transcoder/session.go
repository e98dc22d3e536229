package transcoder

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	// TSoft is the idle duration after which a session is paused.
	TSoft = 30 * time.Second
	// THard is the idle duration after which a session is reaped by GC.
	THard = 90 * time.Second
	// NominalChunkSeconds is the fixed duration of one media chunk.
	NominalChunkSeconds = 5
	// SizeStabilityProbe is the interval between the two size reads used
	// to decide whether a chunk file is fully flushed.
	SizeStabilityProbe = 250 * time.Millisecond
	// ChildKillGrace is how long join() waits after a graceful signal
	// before force-killing the child.
	ChildKillGrace = 2 * time.Second

	minRawSpeed = 0.05
)

var speedRe = regexp.MustCompile(`speed=\s*([0-9.]+)x`)
var timeRe = regexp.MustCompile(`time=(\d{2}):(\d{2}):(\d{2})\.(\d{2})`)

// Session owns one child transcoder process and its private output
// directory. Every field here is mutated exclusively by the state
// manager's single dispatch goroutine (see manager.go) except the ones
// the monitor goroutines spawned by start() also write: stderrTail,
// rawSpeed and exitStatus, guarded by mu, and currentChunk, accessed
// atomically.
type Session struct {
	id           string
	outdir       string
	chain        *ProfileChain
	ctx          *ProfileContext
	isDirectPlay bool

	startNum        int
	currentChunk    int64 // accessed atomically from monitor goroutines
	realSegment     uint32
	chunksSinceInit int

	// servedChunks marks chunk indices already patched and counted this
	// run, so a repeated chunk_request for one returns the cached path
	// instead of re-patching and double-counting it.
	servedChunks map[int]struct{}

	// cumulativeDecodeTime is the patcher's running sum of sample
	// durations across chunks in the current stitched presentation; used
	// to decide whether an incoming tfdt needs rewriting after a restart.
	cumulativeDecodeTime uint64

	child      *exec.Cmd
	stdout     io.ReadCloser
	stdoutTaken bool
	paused     bool
	exitStatus *int // latched, consumed on read by callers

	lastActivity time.Time

	mu        sync.Mutex
	stderrTail []string // bounded ring of recent stderr lines
	rawSpeed  float64

	done chan struct{} // closed by the exit-monitor goroutine
}

const stderrTailLines = 200

// NewSession constructs a session. Pure, no I/O.
func NewSession(id string, chain *ProfileChain, ctx *ProfileContext) *Session {
	return &Session{
		id:           id,
		outdir:       ctx.OutDir,
		chain:        chain,
		ctx:          ctx,
		isDirectPlay: chain.IsDirectPlay(),
		lastActivity: time.Now(),
		rawSpeed:     1.0,
		servedChunks: make(map[int]struct{}),
	}
}

func (s *Session) ID() string { return s.id }

// HasStarted reports whether a child has ever been spawned and not yet
// joined.
func (s *Session) HasStarted() bool {
	return s.child != nil
}

// Start spawns the transcoder with the current head profile's argument
// vector at offset startNum. No-op if already started.
func (s *Session) Start() error {
	if s.HasStarted() {
		return nil
	}

	profile := s.chain.Head()
	if profile == nil {
		return ErrProfileChainExhausted
	}

	if err := os.MkdirAll(s.outdir, 0755); err != nil {
		return fmt.Errorf("%w: mkdir outdir: %v", ErrAborted, err)
	}

	args := profile.BuildArgs(s.ctx, s.startNum, NominalChunkSeconds)
	cmd := exec.Command(s.ctx.TranscoderBin, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("%w: stdout pipe: %v", ErrAborted, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("%w: stderr pipe: %v", ErrAborted, err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: spawn: %v", ErrAborted, err)
	}

	log.Info().Str("session", s.id).Str("profile", profile.Tag()).
		Strs("args", args).Msg("transcoder started")

	s.child = cmd
	s.stdout = stdout
	s.stdoutTaken = false
	s.paused = false
	s.exitStatus = nil
	s.lastActivity = time.Now()
	s.done = make(chan struct{})

	go s.monitorStderr(stderr)
	go s.monitorExit(cmd, s.done)

	return nil
}

// Cont resumes a suspended child. Idempotent.
func (s *Session) Cont() {
	if s.child == nil || s.child.Process == nil {
		return
	}
	if !s.paused {
		return
	}
	s.paused = false
	_ = s.child.Process.Signal(syscall.SIGCONT)
}

// Pause suspends the running child. Idempotent.
func (s *Session) Pause() {
	if s.child == nil || s.child.Process == nil {
		return
	}
	if s.paused {
		return
	}
	s.paused = true
	_ = s.child.Process.Signal(syscall.SIGSTOP)
}

// Join terminates the child: graceful signal then wait, force-killing
// after the grace period. Always leaves child nil and latches the exit
// status.
func (s *Session) Join() {
	if s.child == nil {
		return
	}

	if s.paused {
		// Can't waitpid a stopped process's exit in a timely way; let it
		// run so it can actually terminate.
		_ = s.child.Process.Signal(syscall.SIGCONT)
	}
	_ = s.child.Process.Signal(syscall.SIGTERM)

	select {
	case <-s.done:
	case <-time.After(ChildKillGrace):
		_ = s.child.Process.Kill()
		<-s.done
	}

	s.child = nil
	s.paused = false
}

// ResetTo sets start_num to chunk and deletes partial chunk files >=
// chunk, preserving the init segment. Precondition: child already
// joined.
func (s *Session) ResetTo(chunk int) {
	if s.HasStarted() {
		log.Warn().Str("session", s.id).Msg("reset_to called with child still running")
	}

	s.startNum = chunk
	atomic.StoreInt64(&s.currentChunk, int64(chunk))

	for idx := range s.servedChunks {
		if idx >= chunk {
			delete(s.servedChunks, idx)
		}
	}

	entries, err := os.ReadDir(s.outdir)
	if err != nil {
		return
	}
	for _, e := range entries {
		name := e.Name()
		if name == "init.mp4" {
			continue
		}
		if !strings.HasSuffix(name, ".m4s") {
			continue
		}
		idxStr := strings.TrimSuffix(name, ".m4s")
		idx, err := strconv.Atoi(idxStr)
		if err != nil {
			continue
		}
		if idx >= chunk {
			os.Remove(filepath.Join(s.outdir, name))
		}
	}
}

// NextProfile pops the head of the chain. Returns the new head's tag, or
// ("", false) if exhausted.
func (s *Session) NextProfile() (string, bool) {
	tag, ok := s.chain.Next()
	s.isDirectPlay = s.chain.IsDirectPlay()
	return tag, ok
}

// IsChunkDone reports whether chunk n's media file exists and is stable:
// its size hasn't changed across two probes SizeStabilityProbe apart, or
// the transcoder has already progressed past it.
func (s *Session) IsChunkDone(n int) bool {
	if int64(n) < atomic.LoadInt64(&s.currentChunk) {
		return true
	}

	path := s.ChunkToPath(n)
	info1, err := os.Stat(path)
	if err != nil {
		return false
	}
	if info1.Size() == 0 {
		return false
	}

	time.Sleep(SizeStabilityProbe)

	info2, err := os.Stat(path)
	if err != nil {
		return false
	}
	if info1.Size() != info2.Size() {
		return false
	}

	if int64(n) >= atomic.LoadInt64(&s.currentChunk) {
		atomic.StoreInt64(&s.currentChunk, int64(n)+1)
	}
	return true
}

func (s *Session) CurrentChunk() int {
	return int(atomic.LoadInt64(&s.currentChunk))
}

func (s *Session) StartNum() int {
	return s.startNum
}

// EtaFor estimates how long until chunk is produced given the
// transcoder's self-reported speed.
func (s *Session) EtaFor(chunk int) time.Duration {
	remaining := chunk - s.CurrentChunk()
	if remaining < 0 {
		remaining = 0
	}
	seconds := float64(remaining) * NominalChunkSeconds / s.RawSpeed()
	return time.Duration(seconds * float64(time.Second))
}

// RawSpeed returns the most recently observed speed multiplier, clamped
// to a small positive floor.
func (s *Session) RawSpeed() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rawSpeed < minRawSpeed {
		return minRawSpeed
	}
	return s.rawSpeed
}

// ChunkServed reports whether chunk n has already been patched and
// counted this run.
func (s *Session) ChunkServed(n int) bool {
	_, ok := s.servedChunks[n]
	return ok
}

// MarkChunkServed records that chunk n has been patched and counted, so
// a repeat request for it is idempotent.
func (s *Session) MarkChunkServed(n int) {
	s.servedChunks[n] = struct{}{}
}

func (s *Session) ChunkToPath(n int) string {
	return filepath.Join(s.outdir, fmt.Sprintf("%d.m4s", n))
}

func (s *Session) InitSeg() string {
	return filepath.Join(s.outdir, "init.mp4")
}

// Subtitle returns the path to an optional subtitle track if present.
func (s *Session) Subtitle(name string) (string, bool) {
	path := filepath.Join(s.outdir, name+".vtt")
	if _, err := os.Stat(path); err != nil {
		return "", false
	}
	return path, true
}

// TryWait is a non-blocking check: true iff the child has exited, in
// which case the exit status is latched for consumption.
func (s *Session) TryWait() bool {
	if s.child == nil || s.done == nil {
		return s.exitStatus != nil
	}
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// ExitStatus consumes the latched exit status, or nil if the child hasn't
// exited (or the status was already consumed).
func (s *Session) ExitStatus() *int {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.exitStatus
	s.exitStatus = nil
	return v
}

func (s *Session) IsTimeout() bool {
	return time.Since(s.lastActivity) > TSoft
}

func (s *Session) IsHardTimeout() bool {
	return time.Since(s.lastActivity) > THard
}

// SetTimeout forces both the soft and hard timeout to be satisfied
// immediately, so the next garbage_collect pass reaps the session.
func (s *Session) SetTimeout() {
	s.lastActivity = time.Now().Add(-2 * THard)
}

// ResetTimeout refreshes the activity clock, e.g. after successfully
// serving a chunk.
func (s *Session) ResetTimeout(chunk int) {
	s.lastActivity = time.Now()
}

// Stderr returns the captured stderr tail, if any was captured.
func (s *Session) Stderr() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.stderrTail) == 0 {
		return "", false
	}
	return strings.Join(s.stderrTail, "\n"), true
}

// TakeStdout returns the session's stdout stream exactly once; a second
// call returns ErrAborted.
func (s *Session) TakeStdout() (io.ReadCloser, error) {
	if s.stdout == nil {
		return nil, ErrAborted
	}
	if s.stdoutTaken {
		return nil, ErrAborted
	}
	s.stdoutTaken = true
	return s.stdout, nil
}

// DeleteTmp removes the session's output directory recursively.
func (s *Session) DeleteTmp() {
	os.RemoveAll(s.outdir)
}

func (s *Session) monitorStderr(r io.ReadCloser) {
	defer r.Close()

	logPath := filepath.Join(s.outdir, "stderr.log")
	logFile, logErr := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if logErr == nil {
		defer logFile.Close()
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()

		if logFile != nil {
			fmt.Fprintln(logFile, line)
		}

		s.mu.Lock()
		s.stderrTail = append(s.stderrTail, line)
		if len(s.stderrTail) > stderrTailLines {
			s.stderrTail = s.stderrTail[len(s.stderrTail)-stderrTailLines:]
		}
		if m := speedRe.FindStringSubmatch(line); m != nil {
			if v, err := strconv.ParseFloat(m[1], 64); err == nil && v > 0 {
				s.rawSpeed = v
			}
		}
		if m := timeRe.FindStringSubmatch(line); m != nil {
			hh, _ := strconv.Atoi(m[1])
			mm, _ := strconv.Atoi(m[2])
			ss, _ := strconv.Atoi(m[3])
			totalSeconds := hh*3600 + mm*60 + ss
			chunk := int64(totalSeconds / NominalChunkSeconds)
			if chunk > atomic.LoadInt64(&s.currentChunk) {
				atomic.StoreInt64(&s.currentChunk, chunk)
			}
		}
		s.mu.Unlock()
	}
}

func (s *Session) monitorExit(cmd *exec.Cmd, done chan struct{}) {
	err := cmd.Wait()
	code := 0
	if exitErr, ok := err.(*exec.ExitError); ok {
		code = exitErr.ExitCode()
	} else if err != nil {
		code = -1
	}
	s.mu.Lock()
	s.exitStatus = &code
	s.mu.Unlock()
	close(done)
}
