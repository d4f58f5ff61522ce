package process

import (
	"sync"
	"time"
)

// Poller 固定间隔调度器，由被跟踪进程数驱动启停
// Poller runs tick at a fixed interval between Start and Stop
type Poller struct {
	clock    Clock
	interval time.Duration
	tick     func()

	mu      sync.Mutex
	ticker  Ticker
	stop    chan struct{}
	running bool
}

// NewPoller creates a stopped poller.
func NewPoller(clock Clock, interval time.Duration, tick func()) *Poller {
	return &Poller{clock: clock, interval: interval, tick: tick}
}

// Start begins ticking; a second Start is a no-op.
func (p *Poller) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.ticker = p.clock.NewTicker(p.interval)
	p.stop = make(chan struct{})
	p.running = true
	go p.loop(p.ticker, p.stop)
}

// Stop halts ticking; a second Stop is a no-op.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return
	}
	p.ticker.Stop()
	close(p.stop)
	p.running = false
}

// Running reports whether the poller is ticking.
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *Poller) loop(ticker Ticker, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case <-ticker.C():
			p.tick()
		}
	}
}
