package browser

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"marimoguard/internal/logging"
)

// RodInspector drives a local Chromium through go-rod.
type RodInspector struct {
	// Bin is the browser binary; empty looks one up on the system.
	Bin string
	// Polls is how many times the marker selectors are counted.
	Polls int
	// Settle is the pause between polls.
	Settle time.Duration
	// IdleWindow is how long the network must be quiet after navigation.
	IdleWindow time.Duration
}

// NewRodInspector returns an inspector with the default polling cadence.
func NewRodInspector(bin string) *RodInspector {
	return &RodInspector{
		Bin:        bin,
		Polls:      3,
		Settle:     400 * time.Millisecond,
		IdleWindow: 500 * time.Millisecond,
	}
}

func (r *RodInspector) binary() (string, bool) {
	if r.Bin != "" {
		return r.Bin, true
	}
	return launcher.LookPath()
}

// Available reports whether a browser binary can be found. Rod's
// automatic download is never triggered.
func (r *RodInspector) Available() bool {
	_, ok := r.binary()
	return ok
}

// Inspect implements Inspector.
func (r *RodInspector) Inspect(ctx context.Context, url string, timeout time.Duration, filter ConsoleFilter) (*Capture, error) {
	bin, ok := r.binary()
	if !ok {
		return nil, fmt.Errorf("no browser binary")
	}

	l := launcher.New().Bin(bin).Headless(true).Context(ctx)
	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}
	defer l.Cleanup()
	defer l.Kill()

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("connect to browser: %w", err)
	}
	defer browser.Close()

	page, err := browser.Page(proto.TargetCreateTarget{})
	if err != nil {
		return nil, fmt.Errorf("open page: %w", err)
	}

	capture := &Capture{}
	var mu sync.Mutex
	requests := make(map[proto.NetworkRequestID]*proto.NetworkRequest)

	eventCtx, stopEvents := context.WithCancel(ctx)
	wait := page.Context(eventCtx).EachEvent(
		func(ev *proto.RuntimeConsoleAPICalled) {
			text, isErr := filter.Classify(string(ev.Type), stringifyConsoleArgs(ev.Args))
			if text == "" {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if isErr {
				capture.ConsoleErrors = append(capture.ConsoleErrors, text)
			} else {
				capture.ConsoleWarnings = append(capture.ConsoleWarnings, text)
			}
		},
		func(ev *proto.NetworkRequestWillBeSent) {
			mu.Lock()
			requests[ev.RequestID] = ev.Request
			mu.Unlock()
		},
		func(ev *proto.NetworkLoadingFailed) {
			mu.Lock()
			defer mu.Unlock()
			method, target := "GET", string(ev.RequestID)
			if req := requests[ev.RequestID]; req != nil {
				method, target = req.Method, req.URL
			}
			capture.RequestFailures = append(capture.RequestFailures,
				fmt.Sprintf("%s %s -> %s", method, target, ev.ErrorText))
		},
	)
	eventsDone := make(chan struct{})
	go func() {
		wait()
		close(eventsDone)
	}()
	stop := sync.OnceFunc(func() {
		stopEvents()
		<-eventsDone
	})
	defer stop()

	timed := page.Timeout(timeout)
	waitIdle := timed.WaitRequestIdle(r.IdleWindow, nil, nil, nil)
	if err := timed.Navigate(url); err != nil {
		return nil, fmt.Errorf("navigate %s: %w", url, err)
	}
	waitIdle()
	logging.BrowserDebug("Network idle at %s", url)

	for i := 0; i < r.Polls; i++ {
		capture.Polls = append(capture.Polls, countLive(page))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(r.Settle):
		}
	}

	if shot, err := page.Screenshot(true, nil); err == nil {
		capture.Screenshot = shot
	} else {
		logging.BrowserWarn("Screenshot failed: %v", err)
	}
	if doc, err := page.HTML(); err == nil {
		capture.HTML = doc
	} else {
		logging.BrowserWarn("HTML capture failed: %v", err)
	}

	stop()
	return capture, nil
}

// countLive counts each marker selector on the live page. A selector that
// fails to evaluate counts as zero.
func countLive(page *rod.Page) DOMCounts {
	var counts DOMCounts
	for _, sel := range Selectors {
		els, err := page.Elements(sel)
		if err != nil {
			continue
		}
		counts.Set(sel, len(els))
	}
	return counts
}

func stringifyConsoleArgs(args []*proto.RuntimeRemoteObject) string {
	parts := make([]string, 0, len(args))
	for _, a := range args {
		if a == nil {
			continue
		}
		if !a.Value.Nil() {
			parts = append(parts, a.Value.String())
			continue
		}
		if a.Description != "" {
			parts = append(parts, a.Description)
		}
	}
	return strings.Join(parts, " ")
}
