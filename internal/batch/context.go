package batch

import (
	"time"

	"image-optimizer/internal/logging"
)

// DefaultCheckEvery is how many paths the scanner handles between deadline
// and memory checks.
const DefaultCheckEvery = 100

// Context is the state of one tick. It is not safe for concurrent mutation;
// fan-out tasks receive copies from ForJob.
type Context struct {
	// Force re-optimizes files whose recorded size matches the disk.
	Force bool
	// Deadline is the wall-clock end of the tick. Zero means unbounded.
	Deadline time.Time
	// CheckEvery overrides DefaultCheckEvery when positive.
	CheckEvery int
	// AttachmentID and Label describe the job being processed.
	AttachmentID int64
	Label        string

	log *logging.Entry
	now func() time.Time
}

// New starts a tick context that ends after budget. A zero budget never
// expires.
func New(budget time.Duration, force bool) *Context {
	c := &Context{Force: force, now: time.Now}
	if budget > 0 {
		c.Deadline = c.now().Add(budget)
	}
	return c
}

// setClock replaces the clock used for deadline checks.
func (c *Context) setClock(now func() time.Time) {
	c.now = now
}

// Now returns the tick clock's current time.
func (c *Context) Now() time.Time {
	if c.now == nil {
		return time.Now()
	}
	return c.now()
}

// Expired reports whether the deadline has passed.
func (c *Context) Expired() bool {
	return !c.Deadline.IsZero() && !c.Now().Before(c.Deadline)
}

// Remaining returns the time left before the deadline, or -1 when unbounded.
func (c *Context) Remaining() time.Duration {
	if c.Deadline.IsZero() {
		return -1
	}
	if d := c.Deadline.Sub(c.Now()); d > 0 {
		return d
	}
	return 0
}

// Interval returns the number of paths between resource checks.
func (c *Context) Interval() int {
	if c.CheckEvery > 0 {
		return c.CheckEvery
	}
	return DefaultCheckEvery
}

// ForJob returns a copy bound to one job.
func (c *Context) ForJob(attachmentID int64, label string) *Context {
	cp := *c
	cp.AttachmentID = attachmentID
	cp.Label = label
	cp.log = nil
	return &cp
}

// Log returns a logger carrying the job's fields.
func (c *Context) Log() *logging.Entry {
	if c.log == nil {
		fields := logging.Fields{}
		if c.AttachmentID > 0 {
			fields["attachment"] = c.AttachmentID
		}
		if c.Label != "" {
			fields["size"] = c.Label
		}
		if c.Force {
			fields["force"] = true
		}
		c.log = logging.WithFields(fields)
	}
	return c.log
}
