package repair

import (
	"crypto/md5"
	"errors"
	"hash"
	"io"

	"xorkevin.dev/bitrepair/parity"
	"xorkevin.dev/kerrors"
)

type (
	// checksummer maintains a block sized window over a stream along with the
	// rolling crc of the window
	//
	// Bytes past the end of the stream read as zero so that a short final block
	// matches its zero padded checksum. Every byte of the stream is fed to the
	// whole file and prefix hashes exactly once, including skipped regions.
	checksummer struct {
		r      io.Reader
		size   int64
		bs     int64
		win    *windowTable
		buf    []byte
		start  int64
		n      int
		eof    bool
		off    int64
		raw    uint32
		full   hash.Hash
		prefix hash.Hash
		read   int64
	}
)

func newChecksummer(r io.Reader, size int64, win *windowTable) *checksummer {
	bs := int64(win.size)
	return &checksummer{
		r:      io.LimitReader(r, size),
		size:   size,
		bs:     bs,
		win:    win,
		buf:    make([]byte, 2*bs+1),
		full:   md5.New(),
		prefix: md5.New(),
	}
}

func (c *checksummer) hashData(p []byte) {
	_, _ = c.full.Write(p)
	if c.read < parity.PrefixHashSize {
		k := min(int64(len(p)), parity.PrefixHashSize-c.read)
		_, _ = c.prefix.Write(p[:k])
	}
	c.read += int64(len(p))
}

// discard reads and hashes n bytes that will never be part of a window
func (c *checksummer) discard(n int64) error {
	for n > 0 && !c.eof {
		k, err := c.r.Read(c.buf[:min(n, int64(len(c.buf)))])
		if k > 0 {
			c.hashData(c.buf[:k])
			n -= int64(k)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				c.eof = true
				break
			}
			return kerrors.WithMsg(err, "Failed reading file")
		}
	}
	return nil
}

// ensure makes the stream up to end available in the buffer
func (c *checksummer) ensure(end int64) error {
	if end > c.start+int64(len(c.buf)) {
		if bufEnd := c.start + int64(c.n); c.off < bufEnd {
			c.n = copy(c.buf, c.buf[c.off-c.start:c.n])
		} else {
			if err := c.discard(c.off - bufEnd); err != nil {
				return err
			}
			c.n = 0
		}
		c.start = c.off
		if c.eof {
			clear(c.buf[c.n:])
		}
	}
	for !c.eof && c.start+int64(c.n) < end {
		k, err := c.r.Read(c.buf[c.n:])
		if k > 0 {
			c.hashData(c.buf[c.n : c.n+k])
			c.n += k
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				c.eof = true
				clear(c.buf[c.n:])
				break
			}
			return kerrors.WithMsg(err, "Failed reading file")
		}
	}
	return nil
}

func (c *checksummer) window() []byte {
	i := c.off - c.start
	return c.buf[i : i+c.bs]
}

func (c *checksummer) recompute() error {
	if c.off >= c.size {
		return nil
	}
	if err := c.ensure(c.off + c.bs + 1); err != nil {
		return err
	}
	c.raw = crcUpdateRaw(initRaw(), c.window())
	return nil
}

// Start positions the window at the beginning of the stream
func (c *checksummer) Start() error {
	c.off = 0
	return c.recompute()
}

// Step slides the window forward by one byte
func (c *checksummer) Step() error {
	if c.off >= c.size {
		return nil
	}
	if err := c.ensure(c.off + c.bs + 1); err != nil {
		return err
	}
	i := c.off - c.start
	c.raw = c.win.roll(c.raw, c.buf[i], c.buf[i+c.bs])
	c.off++
	return nil
}

// Jump moves the window forward by distance bytes
func (c *checksummer) Jump(distance int64) error {
	if distance <= 0 {
		return nil
	}
	if distance == 1 {
		return c.Step()
	}
	c.off = min(c.off+distance, c.size)
	return c.recompute()
}

func (c *checksummer) Offset() int64 {
	return c.off
}

// Done reports whether the window has passed the end of the stream
func (c *checksummer) Done() bool {
	return c.off >= c.size
}

// ShortBlock reports whether the window extends past the end of the stream
func (c *checksummer) ShortBlock() bool {
	return c.off+c.bs > c.size
}

func (c *checksummer) Checksum() uint32 {
	return ^c.raw
}

func (c *checksummer) Hash() parity.Hash {
	return md5.Sum(c.window())
}

// Finish reads the rest of the stream and returns its whole file and prefix
// hashes
func (c *checksummer) Finish() (parity.Hash, parity.Hash, error) {
	if !c.eof {
		if err := c.discard(c.size - c.read); err != nil {
			return parity.Hash{}, parity.Hash{}, err
		}
	}
	var full, prefix parity.Hash
	c.full.Sum(full[:0])
	c.prefix.Sum(prefix[:0])
	return full, prefix, nil
}

// BytesRead returns the number of bytes of the stream read so far
func (c *checksummer) BytesRead() int64 {
	return c.read
}
