package results

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const (
	pageRollBytes  = 8 << 20
	blockRollBytes = 2 << 20
)

// RolloverFunc is invoked with the path of a file that just rolled over (hit
// its size threshold and was closed), or was closed by Close (spec §4.7
// "Log paging").
type RolloverFunc func(path string)

// roller is one rolling file stream (either the page or the block half of
// the pair).
type roller struct {
	dir       string
	prefix    string
	rollBytes int64
	onRoll    RolloverFunc

	mu       sync.Mutex
	f        *os.File
	path     string
	written  int64
	sequence int
}

func newRoller(dir, prefix string, rollBytes int64, onRoll RolloverFunc) *roller {
	return &roller{dir: dir, prefix: prefix, rollBytes: rollBytes, onRoll: onRoll}
}

func (r *roller) write(data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.f == nil {
		if err := r.open(); err != nil {
			return err
		}
	}

	n, err := r.f.Write(data)
	r.written += int64(n)
	if err != nil {
		return err
	}

	if r.written >= r.rollBytes {
		return r.rollLocked()
	}
	return nil
}

func (r *roller) open() error {
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return err
	}
	r.path = filepath.Join(r.dir, fmt.Sprintf("%s.%d.log", r.prefix, r.sequence))
	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	r.f = f
	r.written = 0
	return nil
}

// rollLocked closes the current file, invokes the rollover callback, and
// advances the sequence number. Caller holds r.mu.
func (r *roller) rollLocked() error {
	if r.f == nil {
		return nil
	}
	path := r.path
	if err := r.f.Close(); err != nil {
		return err
	}
	r.f = nil
	r.sequence++
	if r.onRoll != nil {
		r.onRoll(path)
	}
	return nil
}

// close takes r.mu, syncs and closes the current file (if open) without
// advancing the sequence, still invoking the rollover callback (spec §4.7 "Drop-impl ...
// flushes and closes both streams").
func (r *roller) close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f == nil {
		return nil
	}
	path := r.path
	if err := r.f.Sync(); err != nil {
		r.f.Close()
		r.f = nil
		return err
	}
	if err := r.f.Close(); err != nil {
		return err
	}
	r.f = nil
	if r.onRoll != nil {
		r.onRoll(path)
	}
	return nil
}

// Pager writes identical content to a rolling page (8 MiB) and a rolling
// block (2 MiB) file pair for one step's log output (spec §4.7).
type Pager struct {
	page  *roller
	block *roller
}

// NewPager constructs a Pager writing under dir, named by stepId. onPageRoll
// and onBlockRoll are invoked with the rolled-over file's path; either may
// be nil.
func NewPager(dir, stepId string, onPageRoll, onBlockRoll RolloverFunc) *Pager {
	return &Pager{
		page:  newRoller(dir, stepId+"-page", pageRollBytes, onPageRoll),
		block: newRoller(dir, stepId+"-block", blockRollBytes, onBlockRoll),
	}
}

// Write appends a log line (with trailing newline) to both the page and
// block streams.
func (p *Pager) Write(line string) error {
	data := []byte(line + "\n")
	if err := p.page.write(data); err != nil {
		return err
	}
	return p.block.write(data)
}

// Close flushes and closes both streams (spec §4.7 "Drop-impl of the pager
// flushes and closes both streams").
func (p *Pager) Close() error {
	err1 := p.page.close()
	err2 := p.block.close()
	if err1 != nil {
		return err1
	}
	return err2
}
