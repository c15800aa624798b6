package live

import "time"

type LogType string

const (
	LogLog     LogType = "LOG"
	LogMessage LogType = "MESSAGE"
	LogSent    LogType = "SENT"
	LogError   LogType = "ERROR"
	LogWarning LogType = "WARNING"
)

// LogEntry is one line of the channel's diagnostic log.
type LogEntry struct {
	Time    time.Time
	Type    LogType
	Message string
}

// Log returns a copy of the diagnostic log, oldest first.
func (c *Client) Log() []LogEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]LogEntry, len(c.entries))
	copy(out, c.entries)
	return out
}

func (c *Client) ClearLog() {
	c.mu.Lock()
	c.entries = nil
	c.mu.Unlock()
}

func (c *Client) record(t LogType, msg string) {
	c.mu.Lock()
	c.recordLocked(t, msg)
	c.mu.Unlock()
}

func (c *Client) recordLocked(t LogType, msg string) {
	c.entries = append(c.entries, LogEntry{Time: c.opts.Now(), Type: t, Message: msg})
	if over := len(c.entries) - c.opts.LogSize; over > 0 {
		c.entries = append(c.entries[:0:0], c.entries[over:]...)
	}

	ev := c.log.Debug()
	switch t {
	case LogError:
		ev = c.log.Error()
	case LogWarning:
		ev = c.log.Warn()
	}
	ev.Str("channel", c.scope.Kind.String()).Str("type", string(t)).Msg(msg)
}
