package bridge_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"github.com/millrace/focus/pkg/bridge"
)

type fakeFetcher struct {
	mu      sync.Mutex
	reports map[string]bridge.LoadReport
	errs    map[string]error
}

func (f *fakeFetcher) FetchStats(ctx context.Context, address string) (bridge.LoadReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[address]; err != nil {
		return bridge.LoadReport{}, err
	}
	return f.reports[address], nil
}

func (f *fakeFetcher) fail(address string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[address] = err
}

func TestPollerTracksFleet(t *testing.T) {
	logger := logrus.New().WithField("test", t.Name())
	selector := bridge.NewSelector(bridge.SelectionConfig{}, logger)
	fetcher := &fakeFetcher{
		reports: map[string]bridge.LoadReport{
			"http://jvb-a": {Healthy: true, Version: "2.3", Region: "eu"},
			"http://jvb-b": {Healthy: true, Version: "2.3", Region: "us"},
		},
		errs: make(map[string]error),
	}

	poller := bridge.NewPoller(selector, fetcher,
		[]string{"http://jvb-a", "http://jvb-b"}, 10*time.Millisecond, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go poller.Run(ctx)

	assert.Eventually(t, func() bool {
		a, b := selector.Get("http://jvb-a"), selector.Get("http://jvb-b")
		return a != nil && b != nil &&
			a.IsOperational(time.Minute) && b.IsOperational(time.Minute)
	}, 5*time.Second, 5*time.Millisecond)

	fetcher.fail("http://jvb-b", errors.New("connection refused"))
	assert.Eventually(t, func() bool {
		return !selector.Get("http://jvb-b").IsOperational(time.Minute)
	}, 5*time.Second, 5*time.Millisecond)
	assert.True(t, selector.Get("http://jvb-a").IsOperational(time.Minute))
}
