package preamble

// Cache remembers the very first payload ever written on a stream so it
// can be resent as a greeting after every reconnect.
//
// Handshake-sensitive protocols expect a fixed preamble at the start of
// every physical connection. The caller sends it once; the cache replays
// it on each reconnect, so from the peer's point of view every connection
// starts the same way and the caller never has to know a reconnect happened.
type Cache struct {
	enabled  bool
	captured bool
	data     []byte
}

// New creates a cache. A disabled cache is born "already captured" —
// it is a permanently empty sentinel that never copies anything,
// not an unset value waiting to be filled.
func New(enabled bool) *Cache {
	return &Cache{enabled: enabled, captured: !enabled}
}

// Record captures a defensive copy of p. Only the first call ever
// captures; every later call is a no-op. The copy matters: the caller
// may reuse its buffer immediately after writing, and the replay payload
// must stay exactly what was first sent.
func (c *Cache) Record(p []byte) {
	if c.captured {
		return
	}
	c.captured = true
	c.data = make([]byte, len(p))
	copy(c.data, p)
}

// Captured reports whether a first write has been recorded.
// Always false for a disabled cache.
func (c *Cache) Captured() bool {
	return c.enabled && c.captured
}

// Bytes returns the payload to replay after a reconnect, or nil when
// there is nothing to replay (cache disabled, or nothing recorded yet).
// Callers must not mutate the returned slice — it is the one canonical
// copy for the life of the stream.
func (c *Cache) Bytes() []byte {
	if len(c.data) == 0 {
		return nil
	}
	return c.data
}
