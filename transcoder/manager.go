package transcoder

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// queueCapacity bounds the actor's inbound command channel. A burst of
// chunk requests across many sessions queues here rather than blocking
// callers' goroutines indefinitely.
const queueCapacity = 256

// StateManager is the single-writer actor that owns every live
// transcoding session. Every mutation of sessions, stats, or
// exitStatuses happens inside run(), the one goroutine that dequeues and
// dispatches commands serially. Handlers may suspend on child I/O; while
// suspended, no other command is dequeued, so two handlers for the same
// (or different) sessions never interleave.
type StateManager struct {
	cfg     *Config
	metrics *Metrics

	queue chan func()
	tick  *time.Ticker
	done  chan struct{}

	sessions    map[string]*Session
	streamStats map[string]*streamStat
	exitCache   *exitStatusCache
}

// NewStateManager constructs the actor and starts its dispatch loop and
// periodic garbage-collection ticker. Callers should call Stop when
// done.
func NewStateManager(cfg *Config, metrics *Metrics) *StateManager {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}

	m := &StateManager{
		cfg:         cfg,
		metrics:     metrics,
		queue:       make(chan func(), queueCapacity),
		done:        make(chan struct{}),
		sessions:    make(map[string]*Session),
		streamStats: make(map[string]*streamStat),
		exitCache:   newExitStatusCache(cfg.MaxExitStatusEntries),
	}

	go m.run()

	interval := cfg.GCInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	m.tick = time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-m.tick.C:
				m.queue <- m.garbageCollect
			case <-m.done:
				return
			}
		}
	}()

	return m
}

// Stop halts the dispatch loop and the GC ticker. Sessions are not
// automatically torn down; call Die for each live session id first if a
// clean shutdown is wanted.
func (m *StateManager) Stop() {
	if m.tick != nil {
		m.tick.Stop()
	}
	close(m.done)
}

func (m *StateManager) run() {
	for {
		select {
		case cmd := <-m.queue:
			cmd()
		case <-m.done:
			return
		}
	}
}

// submit enqueues fn and blocks until it has run, returning whatever the
// closure computed. Reply channels are always buffered by 1 so a caller
// that gives up and stops reading never deadlocks the dispatcher.
func submit[T any](m *StateManager, fn func() T) T {
	reply := make(chan T, 1)
	m.queue <- func() {
		reply <- fn()
	}
	return <-reply
}

// errResult pairs a value with an error for generic reply channels.
type errResult[T any] struct {
	val T
	err error
}

func (r errResult[T]) unwrap() (T, error) { return r.val, r.err }

// Create rejects an empty chain with ErrProfileChainExhausted. Otherwise
// it generates a fresh session id, wires up its outdir and binary path,
// computes direct-play eligibility, and stores the (unstarted) session.
func (m *StateManager) Create(chain *ProfileChain, ctx *ProfileContext) (string, error) {
	return submit(m, func() errResult[string] {
		if chain == nil || chain.Empty() {
			return errResult[string]{err: ErrProfileChainExhausted}
		}

		id := uuid.NewString()
		ctx.OutDir = fmt.Sprintf("%s/%s", m.cfg.OutDir, id)
		if ctx.TranscoderBin == "" {
			ctx.TranscoderBin = m.cfg.TranscoderBin
		}

		session := NewSession(id, chain, ctx)
		m.sessions[id] = session
		m.streamStats[id] = newStreamStat()

		m.metrics.SessionsCreated.Inc()
		m.metrics.SessionsActive.Set(float64(len(m.sessions)))

		log.Info().Str("session", id).Bool("direct_play", session.isDirectPlay).
			Msg("session created")

		return errResult[string]{val: id}
	}).unwrap()
}

// Start is a thin passthrough to Session.Start.
func (m *StateManager) Start(id string) error {
	return submit(m, func() error {
		s, ok := m.sessions[id]
		if !ok {
			return ErrSessionDoesntExist
		}
		return s.Start()
	})
}

// attemptFallback consumes a latched non-success exit status, advances
// the profile chain, and restarts at the same logical chunk. Returns
// ErrProfileChainExhausted if there's nothing left to try. Must only be
// called from within the dispatch loop.
func (m *StateManager) attemptFallback(s *Session) error {
	status := s.ExitStatus()
	if status == nil || *status == 0 {
		return nil
	}

	tag, ok := s.NextProfile()
	if !ok {
		log.Warn().Str("session", s.id).Msg("profile chain exhausted")
		return ErrProfileChainExhausted
	}

	m.metrics.ProfileFallbacks.Inc()
	log.Info().Str("session", s.id).Str("profile", tag).Int("exit_status", *status).
		Msg("falling back to next profile")

	s.Join()
	s.ResetTo(s.StartNum())
	return s.Start()
}

// ChunkInitRequest resolves a request for the init segment: it recovers
// from a failed child via attemptFallback, hard-seeks to the requested
// chunk if the session hasn't started there yet, starts the session if
// needed, and returns the init segment path once the requested chunk is
// done.
func (m *StateManager) ChunkInitRequest(id string, chunk int) (string, error) {
	return submit(m, func() errResult[string] {
		s, ok := m.sessions[id]
		if !ok {
			return errResult[string]{err: ErrSessionDoesntExist}
		}

		if err := m.attemptFallback(s); err != nil {
			return errResult[string]{err: err}
		}

		if !s.isDirectPlay && !s.IsChunkDone(chunk) && s.StartNum() != chunk {
			s.Join()
			s.ResetTo(chunk)
			if err := s.Start(); err != nil {
				return errResult[string]{err: err}
			}
			m.streamStats[id] = &streamStat{hardSeekedAt: chunk, lastHardSeek: time.Now()}
			m.metrics.HardSeeks.Inc()
		}

		if !s.HasStarted() {
			if err := s.Start(); err != nil {
				return errResult[string]{err: err}
			}
		}

		if s.IsChunkDone(chunk) {
			s.chunksSinceInit = 0
			return errResult[string]{val: s.InitSeg()}
		}

		return errResult[string]{err: ErrChunkNotDone}
	}).unwrap()
}

// shouldHardSeekLocked implements the decision logic both chunk_request
// and should_hard_seek are built on. It must only be called from within
// the dispatch loop. requireBeyondLastHardSeek additionally ANDs the
// horizon-debounce disjunct with chunk > stat.hardSeekedAt: chunk_request
// needs that extra guard so a hard seek it already issued for this chunk
// doesn't look newly warranted on every subsequent call within the
// cooldown window, but should_hard_seek is a stateless advisory check and
// must not carry it.
func (m *StateManager) shouldHardSeekLocked(s *Session, chunk int, stat *streamStat, floorMs float64, requireBeyondLastHardSeek bool) bool {
	if !s.HasStarted() || s.isDirectPlay {
		return false
	}
	if chunk < s.StartNum() {
		return true
	}
	// For roughly 15s after a (re)start, ffmpeg's self-reported speed is
	// unreliable; tolerate jumping straight to a far-future chunk rather
	// than trusting a bogus eta computed from that speed.
	withinDebounce := chunk > s.CurrentChunk()+15 && time.Now().Before(stat.lastHardSeek.Add(15*time.Second))
	if requireBeyondLastHardSeek {
		withinDebounce = withinDebounce && chunk > stat.hardSeekedAt
	}
	if withinDebounce {
		return true
	}

	etaMs := float64(s.EtaFor(chunk).Milliseconds())
	tolMs := 10_000.0 / s.RawSpeed()
	if tolMs < floorMs {
		tolMs = floorMs
	}
	return etaMs > tolMs
}

// ChunkRequest resolves a request for one media chunk: it decides
// whether a hard seek is warranted, serves ErrChunkNotDone while the
// child is still producing it, and otherwise patches the segment for
// continuity before returning its path.
func (m *StateManager) ChunkRequest(id string, chunk int) (string, error) {
	return submit(m, func() errResult[string] {
		s, ok := m.sessions[id]
		if !ok {
			return errResult[string]{err: ErrSessionDoesntExist}
		}
		stat := m.streamStats[id]
		if stat == nil {
			stat = newStreamStat()
			m.streamStats[id] = stat
		}

		if !s.HasStarted() {
			if err := s.Start(); err != nil {
				return errResult[string]{err: err}
			}
		}

		if !s.IsChunkDone(chunk) {
			hardSeek := m.shouldHardSeekLocked(s, chunk, stat, 8_000.0, true)
			s.Cont()

			if hardSeek && !s.isDirectPlay {
				s.Join()
				s.ResetTo(chunk)
				if err := s.Start(); err != nil {
					return errResult[string]{err: err}
				}
				stat.hardSeekedAt = chunk
				stat.lastHardSeek = time.Now()
				m.metrics.HardSeeks.Inc()
			}

			return errResult[string]{err: ErrChunkNotDone}
		}

		path := s.ChunkToPath(chunk)

		if chunk+2 >= s.CurrentChunk() {
			s.Cont()
		}

		s.ResetTimeout(chunk)

		// A repeated request for a chunk already patched this run must
		// return the same path without re-patching or double-counting
		// against chunksSinceInit/realSegment/cumulativeDecodeTime.
		if s.ChunkServed(chunk) {
			return errResult[string]{val: path}
		}

		if !s.isDirectPlay {
			_, perr := patchSegment(path, s.realSegment, &s.cumulativeDecodeTime)
			if perr == nil {
				s.realSegment++
			} else if errors.Is(perr, errPartialSegment) {
				if s.chunksSinceInit >= 1 {
					newReal, ierr := patchInitSegment(s.InitSeg(), path, s.realSegment)
					if ierr == nil {
						s.realSegment = newReal
					} else {
						log.Warn().Str("session", id).Err(ierr).Msg("init-segment recovery failed, serving unpatched chunk")
					}
				}
			} else {
				log.Warn().Str("session", id).Err(perr).Msg("segment patch failed, serving unpatched chunk")
			}
		}

		s.chunksSinceInit++
		s.MarkChunkServed(chunk)
		m.metrics.ChunksServed.Inc()

		return errResult[string]{val: path}
	}).unwrap()
}

// ChunkEta reports the estimated seconds remaining before a chunk is
// produced, given the child's self-reported encoding speed.
func (m *StateManager) ChunkEta(id string, chunk int) (uint64, error) {
	return submit(m, func() errResult[uint64] {
		s, ok := m.sessions[id]
		if !ok {
			return errResult[uint64]{err: ErrSessionDoesntExist}
		}
		return errResult[uint64]{val: uint64(s.EtaFor(chunk).Seconds())}
	}).unwrap()
}

// ShouldHardSeek tells a client whether requesting chunk would trigger
// a hard seek if it asked now. Deliberately uses a more aggressive 5s
// floor than ChunkRequest's 8s floor: this is an advisory check the
// client can act on before the server would otherwise seek on its own.
func (m *StateManager) ShouldHardSeek(id string, chunk int) (bool, error) {
	return submit(m, func() errResult[bool] {
		s, ok := m.sessions[id]
		if !ok {
			return errResult[bool]{err: ErrSessionDoesntExist}
		}
		stat := m.streamStats[id]
		if stat == nil {
			stat = newStreamStat()
		}
		return errResult[bool]{val: m.shouldHardSeekLocked(s, chunk, stat, 5_000.0, false)}
	}).unwrap()
}

// Die joins the session's child and marks it for reaping on the next
// garbage_collect pass.
func (m *StateManager) Die(id string) error {
	return submit(m, func() error {
		s, ok := m.sessions[id]
		if !ok {
			return ErrSessionDoesntExist
		}
		s.Join()
		s.SetTimeout()
		return nil
	})
}

// DieIgnoreGC joins the session's child but leaves the entry in place
// until the caller decides what to do with it.
func (m *StateManager) DieIgnoreGC(id string) error {
	return submit(m, func() error {
		s, ok := m.sessions[id]
		if !ok {
			return ErrSessionDoesntExist
		}
		s.Join()
		return nil
	})
}

// GetSub is a thin passthrough for subtitle lookup.
func (m *StateManager) GetSub(id, name string) (string, error) {
	return submit(m, func() errResult[string] {
		s, ok := m.sessions[id]
		if !ok {
			return errResult[string]{err: ErrSessionDoesntExist}
		}
		path, found := s.Subtitle(name)
		if !found {
			return errResult[string]{err: ErrChunkNotDone}
		}
		return errResult[string]{val: path}
	}).unwrap()
}

// GetStderr returns a session's captured stderr tail, falling back to
// the exit-status cache for sessions that have already been reaped.
func (m *StateManager) GetStderr(id string) (string, error) {
	return submit(m, func() errResult[string] {
		if s, ok := m.sessions[id]; ok {
			text, found := s.Stderr()
			if !found {
				return errResult[string]{err: ErrAborted}
			}
			return errResult[string]{val: text}
		}
		if text, ok := m.exitCache.get(id); ok {
			return errResult[string]{val: text}
		}
		return errResult[string]{err: ErrSessionDoesntExist}
	}).unwrap()
}

// TakeStdout returns a session's stdout stream exactly once.
func (m *StateManager) TakeStdout(id string) (io.ReadCloser, error) {
	type result struct {
		v   io.ReadCloser
		err error
	}
	r := submit(m, func() result {
		s, ok := m.sessions[id]
		if !ok {
			return result{err: ErrSessionDoesntExist}
		}
		v, err := s.TakeStdout()
		return result{v: v, err: err}
	})
	return r.v, r.err
}

// GarbageCollect runs garbage_collect synchronously through the actor.
// Useful for tests and for a caller that wants to force a collection
// pass rather than waiting for the periodic ticker.
func (m *StateManager) GarbageCollect() {
	submit(m, func() struct{} {
		m.garbageCollect()
		return struct{}{}
	})
}

// garbageCollect is the periodic handler: try_wait every session, reap
// hard-timed-out non-direct-play sessions, pause idle-but-live ones.
// Runs on the actor goroutine like every other command, so it never
// observes a session mid-mutation by a concurrent handler. Never fails:
// failures would be logged and GC would continue with the next session.
func (m *StateManager) garbageCollect() {
	for id, s := range m.sessions {
		s.TryWait()

		if s.IsHardTimeout() && !s.isDirectPlay {
			stderrTail, _ := s.Stderr()
			m.exitCache.put(id, stderrTail)

			s.Join()
			s.DeleteTmp()

			delete(m.sessions, id)
			delete(m.streamStats, id)
			m.metrics.SessionsReaped.Inc()

			log.Info().Str("session", id).Msg("session reaped by garbage collection")
			continue
		}

		if s.IsTimeout() && !s.paused && s.HasStarted() && !s.isDirectPlay {
			s.Pause()
		}
	}

	m.metrics.SessionsActive.Set(float64(len(m.sessions)))
}
