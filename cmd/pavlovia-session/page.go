package main

import (
	"fmt"
	"io"
	"sync"
)

// processPage stands in for a browser page: leaving is an interrupt and
// unloading is process exit. Rendered errors go to out.
type processPage struct {
	url string
	out io.Writer

	mu           sync.Mutex
	beforeUnload []func()
	unload       []func()

	leaveOnce sync.Once
	exitOnce  sync.Once
}

func (p *processPage) URL() string { return p.url }

func (p *processPage) OnBeforeUnload(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.beforeUnload = append(p.beforeUnload, fn)
}

func (p *processPage) OnUnload(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unload = append(p.unload, fn)
}

func (p *processPage) SetContent(html string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.out, html)
}

// leave fires the before-unload hooks once. Concurrent callers wait for the
// first one to finish.
func (p *processPage) leave() {
	p.leaveOnce.Do(func() { fire(p.hooks(&p.beforeUnload)) })
}

// exit fires the unload hooks once.
func (p *processPage) exit() {
	p.exitOnce.Do(func() { fire(p.hooks(&p.unload)) })
}

func (p *processPage) hooks(list *[]func()) []func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]func(){}, (*list)...)
}

func fire(hooks []func()) {
	for _, h := range hooks {
		h()
	}
}
