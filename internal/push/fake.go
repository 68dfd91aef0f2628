package push

import (
	"context"
	"sync"
)

// FakeProvider records messages and returns scripted errors per token.
// It is intended for tests and local development.
type FakeProvider struct {
	mu      sync.Mutex
	errs    map[string]error
	sent    []Message
	onceErr map[string][]error
}

// NewFakeProvider creates a fake that accepts everything.
func NewFakeProvider() *FakeProvider {
	return &FakeProvider{
		errs:    make(map[string]error),
		onceErr: make(map[string][]error),
	}
}

// FailToken makes every send to token return err.
func (f *FakeProvider) FailToken(token string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[token] = err
}

// FailNext queues errors returned, in order, by the next sends to token.
func (f *FakeProvider) FailNext(token string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onceErr[token] = append(f.onceErr[token], errs...)
}

// Send records msg and returns the scripted result.
func (f *FakeProvider) Send(_ context.Context, msg Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.sent = append(f.sent, msg)
	if queued := f.onceErr[msg.Token]; len(queued) > 0 {
		f.onceErr[msg.Token] = queued[1:]
		return queued[0]
	}
	return f.errs[msg.Token]
}

// Sent returns every recorded message.
func (f *FakeProvider) Sent() []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Message(nil), f.sent...)
}

// Calls returns the number of sends.
func (f *FakeProvider) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

var _ Provider = (*FakeProvider)(nil)
