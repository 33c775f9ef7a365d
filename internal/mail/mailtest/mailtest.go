// Package mailtest provides a recording mail.Sender for tests.
package mailtest

import (
	"context"
	"sync"

	"github.com/web-tech-tw/freya-go/internal/mail"
)

// Recorder keeps every message it is asked to send.
type Recorder struct {
	mu   sync.Mutex
	msgs []*mail.Message
	Err  error
}

func (r *Recorder) Send(_ context.Context, msg *mail.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.msgs = append(r.msgs, msg)
	return nil
}

// Messages returns a snapshot of the recorded messages.
func (r *Recorder) Messages() []*mail.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*mail.Message(nil), r.msgs...)
}
