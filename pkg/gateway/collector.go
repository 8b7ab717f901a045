package gateway

import (
	"bytes"
	"errors"
	"io"
	"io/fs"
	"os"
	"sync"

	"golang.org/x/sync/errgroup"
)

var errSealed = errors.New("capture sealed")

// capture is a growable buffer that stops accepting bytes once sealed.
type capture struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	sealed bool
}

func (c *capture) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sealed {
		return 0, errSealed
	}
	return c.buf.Write(p)
}

// seal freezes the buffer. Bytes read after this point are dropped.
func (c *capture) seal() {
	c.mu.Lock()
	c.sealed = true
	c.mu.Unlock()
}

// snapshot returns a copy of what has been captured so far.
func (c *capture) snapshot() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return bytes.Clone(c.buf.Bytes())
}

// collector drains a worker's stdout and stderr concurrently.
type collector struct {
	stdout capture
	stderr capture

	readers []*os.File
	done    chan struct{}
	err     error
}

func newCollector(p *process) *collector {
	return &collector{
		readers: []*os.File{p.stdout, p.stderr},
		done:    make(chan struct{}),
	}
}

// start drains both streams until EOF or until stop is called. done is
// closed once both streams have finished.
func (c *collector) start() {
	var g errgroup.Group
	g.Go(func() error { return drain(&c.stdout, c.readers[0]) })
	g.Go(func() error { return drain(&c.stderr, c.readers[1]) })
	go func() {
		c.err = g.Wait()
		for _, r := range c.readers {
			_ = r.Close()
		}
		close(c.done)
	}()
}

// stop seals both buffers and closes the read ends, unblocking any pending
// read. Safe to call more than once.
func (c *collector) stop() {
	c.stdout.seal()
	c.stderr.seal()
	for _, r := range c.readers {
		_ = r.Close()
	}
}

func drain(dst *capture, src io.Reader) error {
	_, err := io.Copy(dst, src)
	if err == nil || errors.Is(err, errSealed) || errors.Is(err, fs.ErrClosed) {
		return nil
	}
	return err
}
