package transcoder

import "time"

// streamStat tracks per-session hard-seek bookkeeping the actor needs to
// apply the debounce window in chunk_request / should_hard_seek. One entry
// per live session id, created on first access and removed with the
// session. Only ever touched from the actor's dispatch goroutine.
type streamStat struct {
	hardSeekedAt  int
	lastHardSeek  time.Time
}

// newStreamStat seeds lastHardSeek at "now", not the zero time: a
// freshly started (or just-reset) transcoder reports an unreliable
// speed for its first few seconds, so the hard-seek cooldown window
// that tolerates a 15-chunks-ahead jump applies from session start too,
// not only after an actual previous hard seek.
func newStreamStat() *streamStat {
	return &streamStat{hardSeekedAt: 0, lastHardSeek: time.Now()}
}

// exitStatusCache remembers the last stderr tail of sessions that have been
// reaped, so get_stderr-style diagnostics still work after a session is
// gone. Bounded so a long-running server doesn't accumulate one entry per
// churned session forever.
type exitStatusCache struct {
	maxEntries int
	order      []string
	entries    map[string]string
}

func newExitStatusCache(maxEntries int) *exitStatusCache {
	if maxEntries <= 0 {
		maxEntries = 256
	}
	return &exitStatusCache{
		maxEntries: maxEntries,
		entries:    make(map[string]string),
	}
}

func (c *exitStatusCache) put(sessionID, stderrTail string) {
	if _, exists := c.entries[sessionID]; !exists {
		c.order = append(c.order, sessionID)
	}
	c.entries[sessionID] = stderrTail

	for len(c.order) > c.maxEntries {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}
}

func (c *exitStatusCache) get(sessionID string) (string, bool) {
	v, ok := c.entries[sessionID]
	return v, ok
}

func (c *exitStatusCache) remove(sessionID string) {
	delete(c.entries, sessionID)
	for i, id := range c.order {
		if id == sessionID {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}
