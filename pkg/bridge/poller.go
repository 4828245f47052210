package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// StatsFetcher pulls a bridge's self-reported load. Implemented by the
// colibri REST adapter.
type StatsFetcher interface {
	FetchStats(ctx context.Context, address string) (LoadReport, error)
}

// Poller keeps the selector's view of a static bridge fleet fresh: every
// interval each bridge is asked for its load report, and bridges that stop
// answering are marked as lost until they answer again.
type Poller struct {
	selector  *Selector
	fetcher   StatsFetcher
	addresses []string
	interval  time.Duration
	logger    *logrus.Entry
}

func NewPoller(selector *Selector, fetcher StatsFetcher, addresses []string, interval time.Duration, logger *logrus.Entry) *Poller {
	if interval == 0 {
		interval = 10 * time.Second
	}
	return &Poller{
		selector:  selector,
		fetcher:   fetcher,
		addresses: addresses,
		interval:  interval,
		logger:    logger.WithField("component", "bridge_poller"),
	}
}

// Run polls until the context is canceled. Blocking.
func (p *Poller) Run(ctx context.Context) {
	p.pollOnce(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.pollOnce(ctx)
		}
	}
}

func (p *Poller) pollOnce(ctx context.Context) {
	var wg sync.WaitGroup
	for _, address := range p.addresses {
		address := address
		wg.Add(1)
		go func() {
			defer wg.Done()

			fetchCtx, cancel := context.WithTimeout(ctx, p.interval)
			defer cancel()
			report, err := p.fetcher.FetchStats(fetchCtx, address)
			if err != nil {
				p.logger.WithError(err).WithField("bridge", address).
					Debug("bridge did not report its load")
				p.selector.Lost(address)
				return
			}
			p.selector.AddOrUpdate(address, report)
		}()
	}
	wg.Wait()
}
