package flash

import (
	"log/slog"
	"sync"
)

// Status is a snapshot of the partition sink.
type Status struct {
	Current  Slot
	Target   Slot
	SlotSize int64
	Size     int64
	Written  int64
	Active   bool
	Pending  bool
}

// Partitions is an update sink that writes into the inactive slot of dev.
// Data is staged in a page buffer and sectors are erased on demand just
// ahead of the first page that lands in them, so no single call blocks for
// a whole-partition erase.
type Partitions struct {
	dev    Device
	logger *slog.Logger
	feed   func()
	yield  func()
	verify Verifier

	mu      sync.Mutex
	target  Slot
	size    int64
	written int64 // bytes accepted
	flushed int64 // bytes programmed
	erased  int64 // erase high-water mark
	page    [PageSize]byte
	fill    int
	active  bool
	pending bool
}

// Option configures Partitions.
type Option func(*Partitions)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Partitions) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithFeed sets a hook run before every erase and program, typically a
// watchdog feed.
func WithFeed(fn func()) Option {
	return func(p *Partitions) { p.feed = fn }
}

// WithYield sets a hook run after every sector erase so the network stack
// can catch up.
func WithYield(fn func()) Option {
	return func(p *Partitions) { p.yield = fn }
}

// WithVerifier sets the check run on a complete image before it is marked
// bootable.
func WithVerifier(v Verifier) Option {
	return func(p *Partitions) { p.verify = v }
}

// NewPartitions returns a sink writing into the inactive slot of dev.
func NewPartitions(dev Device, opts ...Option) *Partitions {
	p := &Partitions{
		dev:    dev,
		logger: slog.New(slog.DiscardHandler),
		feed:   func() {},
		yield:  func() {},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Capacity returns the writable space, the size of the inactive slot.
func (p *Partitions) Capacity() int64 {
	return p.dev.SlotSize()
}

// Begin starts a transaction for an image of exactly size bytes. Any
// previously finished but not yet booted image is forgotten.
func (p *Partitions) Begin(size int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	current := p.dev.Current()
	target := current.Other()
	switch {
	case size <= 0:
		return &Error{Op: "begin", Slot: target, Err: ErrInvalidSize}
	case size > p.dev.SlotSize():
		return &Error{Op: "begin", Slot: target, Offset: size, Err: ErrImageTooLarge}
	}

	p.target = target
	p.size = size
	p.written, p.flushed, p.erased, p.fill = 0, 0, 0, 0
	p.active = true
	p.pending = false

	p.logger.Info("flash:begin",
		slog.String("running", current.String()),
		slog.String("target", target.String()),
		slog.Int64("size", size),
	)
	return nil
}

// Write stages b and programs every page it completes. It returns the number
// of bytes accepted; on error that is less than len(b).
func (p *Partitions) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.active {
		return 0, ErrNotBegun
	}
	if p.written+int64(len(b)) > p.size {
		return 0, &Error{Op: "write", Slot: p.target, Offset: p.written, Err: ErrOverflow}
	}

	n := 0
	for n < len(b) {
		c := copy(p.page[p.fill:], b[n:])
		p.fill += c
		if p.fill == PageSize {
			if err := p.flushPage(); err != nil {
				p.active = false
				return n, err
			}
		}
		n += c
		p.written += int64(c)
	}
	return n, nil
}

// flushPage programs the staged page, erasing the sectors it touches first.
func (p *Partitions) flushPage() error {
	off := p.flushed
	for p.erased < off+PageSize {
		p.feed()
		if err := p.dev.EraseSector(p.target, p.erased); err != nil {
			p.logger.Error("flash:erase-failed",
				slog.Int64("offset", p.erased),
				slog.String("err", err.Error()),
			)
			return wrap("erase", p.target, p.erased, err)
		}
		p.erased += SectorSize
		p.yield()
	}

	p.feed()
	if err := p.dev.Program(p.target, off, p.page[:]); err != nil {
		p.logger.Error("flash:program-failed",
			slog.Int64("offset", off),
			slog.String("err", err.Error()),
		)
		return wrap("program", p.target, off, err)
	}
	p.flushed += PageSize
	p.fill = 0
	return nil
}

// Abort discards the transaction. The inactive slot keeps whatever was
// programmed but is never marked bootable.
func (p *Partitions) Abort() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.active {
		return
	}
	p.active = false
	p.pending = false
	p.logger.Warn("flash:aborted",
		slog.String("target", p.target.String()),
		slog.Int64("written", p.written),
		slog.Int64("size", p.size),
	)
}

// End programs the final partial page padded with 0xFF, verifies the image
// and, when apply is set, marks the target slot as the next boot.
func (p *Partitions) End(apply bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.active {
		return ErrNotBegun
	}
	p.active = false

	if p.written != p.size {
		return &Error{Op: "end", Slot: p.target, Offset: p.written, Err: ErrIncomplete}
	}
	if p.fill > 0 {
		for i := p.fill; i < PageSize; i++ {
			p.page[i] = 0xFF
		}
		if err := p.flushPage(); err != nil {
			return err
		}
	}

	if p.verify != nil {
		if err := p.verify(slotReader{dev: p.dev, slot: p.target}, p.size); err != nil {
			p.logger.Error("flash:verify-failed", slog.String("err", err.Error()))
			return wrap("verify", p.target, 0, err)
		}
	}

	p.pending = apply
	p.logger.Info("flash:end",
		slog.String("target", p.target.String()),
		slog.Int64("bytes", p.written),
		slog.Bool("pending", apply),
	)
	return nil
}

// Restart reboots into the pending image, or performs a plain reboot when
// there is none. On hardware it does not return.
func (p *Partitions) Restart() {
	p.mu.Lock()
	pending, target := p.pending, p.target
	p.mu.Unlock()

	if !pending {
		p.logger.Info("flash:reboot")
		p.dev.Reboot()
		return
	}

	p.logger.Info("flash:reboot-into", slog.String("slot", target.String()))
	if err := p.dev.RebootInto(target); err != nil {
		p.logger.Error("flash:reboot-into-failed", slog.String("err", err.Error()))
		p.dev.Reboot()
	}
}

// Confirm accepts the running image. It must run early after a
// flash-update boot or the bootrom reverts to the previous slot.
func (p *Partitions) Confirm() error {
	current := p.dev.Current()
	if err := p.dev.Confirm(); err != nil {
		p.logger.Error("flash:confirm-failed",
			slog.String("slot", current.String()),
			slog.String("err", err.Error()),
		)
		return wrap("confirm", current, 0, err)
	}
	p.logger.Info("flash:confirmed", slog.String("slot", current.String()))
	return nil
}

// Status returns a snapshot of the sink.
func (p *Partitions) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	current := p.dev.Current()
	target := p.target
	if !p.active && !p.pending && p.size == 0 {
		target = current.Other()
	}
	return Status{
		Current:  current,
		Target:   target,
		SlotSize: p.dev.SlotSize(),
		Size:     p.size,
		Written:  p.written,
		Active:   p.active,
		Pending:  p.pending,
	}
}

// wrap returns err as an *Error, keeping an existing one intact.
func wrap(op string, s Slot, off int64, err error) error {
	if fe, ok := err.(*Error); ok {
		return fe
	}
	return &Error{Op: op, Slot: s, Offset: off, Err: err}
}
