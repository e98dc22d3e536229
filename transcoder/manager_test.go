package transcoder

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *Config {
	t.Helper()
	return &Config{
		Bind:                 ":0",
		TranscoderBin:        "/bin/sh",
		OutDir:               t.TempDir(),
		ChunkSeconds:         NominalChunkSeconds,
		SoftTimeout:          30 * time.Second,
		HardTimeout:          90 * time.Second,
		GCInterval:           time.Hour, // tests call GarbageCollect() explicitly
		QF:                   23,
		MaxExitStatusEntries: 256,
	}
}

func TestManagerCreateRejectsEmptyChain(t *testing.T) {
	m := NewStateManager(testConfig(t), nil)
	defer m.Stop()

	_, err := m.Create(NewProfileChain(), &ProfileContext{InputPath: "/dev/null"})
	assert.ErrorIs(t, err, ErrProfileChainExhausted)
}

func TestManagerCreateAndChunkInitRequest(t *testing.T) {
	m := NewStateManager(testConfig(t), nil)
	defer m.Stop()

	chain := NewProfileChain(&fakeProfile{tag: "t", kind: ProfileTranscode, chunkCount: 5, sleep: 3 * time.Second})
	id, err := m.Create(chain, &ProfileContext{InputPath: "/dev/null"})
	require.NoError(t, err)

	require.NoError(t, m.Start(id))

	require.Eventually(t, func() bool {
		_, err := m.ChunkInitRequest(id, 0)
		return err == nil
	}, 2*time.Second, 20*time.Millisecond)

	require.NoError(t, m.Die(id))
}

func TestManagerChunkRequestUnknownSession(t *testing.T) {
	m := NewStateManager(testConfig(t), nil)
	defer m.Stop()

	_, err := m.ChunkRequest("does-not-exist", 0)
	assert.ErrorIs(t, err, ErrSessionDoesntExist)
}

func TestManagerDirectPlayNeverHardSeeks(t *testing.T) {
	m := NewStateManager(testConfig(t), nil)
	defer m.Stop()

	chain := NewProfileChain(&fakeProfile{tag: "direct", kind: ProfileTransmux, chunkCount: 1, sleep: 3 * time.Second})
	id, err := m.Create(chain, &ProfileContext{InputPath: "/dev/null"})
	require.NoError(t, err)
	require.NoError(t, m.Start(id))

	// Asking far beyond the produced horizon would normally trip the
	// forward hard-seek rule; direct-play must suppress it entirely.
	seek, err := m.ShouldHardSeek(id, 999)
	require.NoError(t, err)
	assert.False(t, seek)

	require.NoError(t, m.Die(id))
}

func TestManagerChunkInitRequestDirectPlayNeverHardSeeks(t *testing.T) {
	m := NewStateManager(testConfig(t), nil)
	defer m.Stop()

	chain := NewProfileChain(&fakeProfile{tag: "direct", kind: ProfileTransmux, chunkCount: 1, sleep: 3 * time.Second})
	id, err := m.Create(chain, &ProfileContext{InputPath: "/dev/null"})
	require.NoError(t, err)
	require.NoError(t, m.Start(id))

	s := m.sessions[id]

	// A not-yet-done chunk far from start_num would normally trip the
	// seek-to-requested-chunk branch; direct-play must suppress it.
	_, err = m.ChunkInitRequest(id, 999)
	assert.ErrorIs(t, err, ErrChunkNotDone)
	assert.Equal(t, 0, s.StartNum(), "direct-play session must never be reset to a new start_num")

	require.NoError(t, m.Die(id))
}

func TestManagerChunkRequestIsIdempotent(t *testing.T) {
	m := NewStateManager(testConfig(t), nil)
	defer m.Stop()

	chain := NewProfileChain(&fakeProfile{tag: "t", kind: ProfileTranscode, chunkCount: 1, sleep: 3 * time.Second})
	id, err := m.Create(chain, &ProfileContext{InputPath: "/dev/null"})
	require.NoError(t, err)
	require.NoError(t, m.Start(id))

	s := m.sessions[id]
	require.Eventually(t, func() bool {
		return s.IsChunkDone(0)
	}, 2*time.Second, 20*time.Millisecond)

	path1, err := m.ChunkRequest(id, 0)
	require.NoError(t, err)
	realAfterFirst := s.realSegment
	sinceInitAfterFirst := s.chunksSinceInit

	path2, err := m.ChunkRequest(id, 0)
	require.NoError(t, err)

	assert.Equal(t, path1, path2, "repeated requests for the same chunk must return the same path")
	assert.Equal(t, realAfterFirst, s.realSegment, "a repeat request must not re-patch the segment")
	assert.Equal(t, sinceInitAfterFirst, s.chunksSinceInit, "a repeat request must not double-count chunks_since_init")

	require.NoError(t, m.Die(id))
}

func TestManagerShouldHardSeekForwardBeyondHorizon(t *testing.T) {
	m := NewStateManager(testConfig(t), nil)
	defer m.Stop()

	chain := NewProfileChain(&fakeProfile{tag: "t", kind: ProfileTranscode, chunkCount: 1, sleep: 5 * time.Second})
	id, err := m.Create(chain, &ProfileContext{InputPath: "/dev/null"})
	require.NoError(t, err)
	require.NoError(t, m.Start(id))

	require.Eventually(t, func() bool {
		_, err := m.ChunkInitRequest(id, 0)
		return err == nil
	}, 2*time.Second, 20*time.Millisecond)

	seek, err := m.ShouldHardSeek(id, 50)
	require.NoError(t, err)
	assert.True(t, seek, "a request 50 chunks past the current position should trigger a hard seek")

	require.NoError(t, m.Die(id))
}

func TestManagerShouldHardSeekBackward(t *testing.T) {
	m := NewStateManager(testConfig(t), nil)
	defer m.Stop()

	chain := NewProfileChain(&fakeProfile{tag: "t", kind: ProfileTranscode, chunkCount: 1, sleep: 5 * time.Second})
	id, err := m.Create(chain, &ProfileContext{InputPath: "/dev/null"})
	require.NoError(t, err)
	require.NoError(t, m.Start(id))

	s := m.sessions[id]
	s.startNum = 10

	seek, err := m.ShouldHardSeek(id, 3)
	require.NoError(t, err)
	assert.True(t, seek, "requesting a chunk before the current start must always hard-seek")

	require.NoError(t, m.Die(id))
}

func TestManagerProfileFallbackOnChildFailure(t *testing.T) {
	m := NewStateManager(testConfig(t), nil)
	defer m.Stop()

	chain := NewProfileChain(
		&fakeProfile{tag: "fails", kind: ProfileTranscode, chunkCount: 0, exitCode: 1},
		&fakeProfile{tag: "works", kind: ProfileTranscode, chunkCount: 1, sleep: 2 * time.Second},
	)
	id, err := m.Create(chain, &ProfileContext{InputPath: "/dev/null"})
	require.NoError(t, err)
	require.NoError(t, m.Start(id))

	s := m.sessions[id]
	require.Eventually(t, func() bool {
		return s.TryWait()
	}, 2*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		_, err := m.ChunkInitRequest(id, 0)
		return err == nil
	}, 2*time.Second, 20*time.Millisecond)

	assert.Equal(t, "works", s.chain.Head().Tag())

	require.NoError(t, m.Die(id))
}

func TestManagerProfileChainExhausted(t *testing.T) {
	m := NewStateManager(testConfig(t), nil)
	defer m.Stop()

	chain := NewProfileChain(&fakeProfile{tag: "only", kind: ProfileTranscode, chunkCount: 0, exitCode: 1})
	id, err := m.Create(chain, &ProfileContext{InputPath: "/dev/null"})
	require.NoError(t, err)
	require.NoError(t, m.Start(id))

	s := m.sessions[id]
	require.Eventually(t, func() bool {
		return s.TryWait()
	}, 2*time.Second, 20*time.Millisecond)

	_, err = m.ChunkInitRequest(id, 0)
	assert.ErrorIs(t, err, ErrProfileChainExhausted)
}

func TestManagerGarbageCollectReapsHardTimeout(t *testing.T) {
	m := NewStateManager(testConfig(t), nil)
	defer m.Stop()

	chain := NewProfileChain(&fakeProfile{tag: "t", kind: ProfileTranscode, chunkCount: 1, sleep: 2 * time.Second})
	id, err := m.Create(chain, &ProfileContext{InputPath: "/dev/null"})
	require.NoError(t, err)
	require.NoError(t, m.Start(id))

	require.NoError(t, m.Die(id)) // Die calls SetTimeout, forcing both thresholds

	m.GarbageCollect()

	_, ok := m.sessions[id]
	assert.False(t, ok, "a hard-timed-out session must be removed by garbage collection")
}

func TestManagerGarbageCollectPausesSoftTimeout(t *testing.T) {
	cfg := testConfig(t)
	m := NewStateManager(cfg, nil)
	defer m.Stop()

	chain := NewProfileChain(&fakeProfile{tag: "t", kind: ProfileTranscode, chunkCount: 1, sleep: 5 * time.Second})
	id, err := m.Create(chain, &ProfileContext{InputPath: "/dev/null"})
	require.NoError(t, err)
	require.NoError(t, m.Start(id))

	s := m.sessions[id]
	s.lastActivity = time.Now().Add(-2 * cfg.SoftTimeout)

	m.GarbageCollect()

	assert.True(t, s.paused, "a session idle past the soft timeout must be paused, not reaped")

	require.NoError(t, m.Die(id))
}
