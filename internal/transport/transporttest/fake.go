// Package transporttest provides a scriptable in-memory Transport for tests.
package transporttest

import (
	"context"
	"sync"

	"github.com/maneesh/permastore/internal/models"
	"github.com/maneesh/permastore/internal/transport"
)

// Operation names recorded in Call.Op
const (
	OpCopy       = "copy"
	OpSend       = "send"
	OpDelete     = "delete"
	OpMembership = "membership"
	OpRelay      = "relay"
)

// Call is one recorded transport operation
type Call struct {
	Op     string
	Dest   int64
	Source models.ContentRef
	Text   string
	IDs    []int64
	// MessageID is the id handed out for copies, sends and relays.
	MessageID int64
}

// Fake implements transport.Transport. Message ids are handed out from a counter
// starting at 1000. Zero value is ready to use.
type Fake struct {
	mu            sync.Mutex
	nextID        int64
	members       map[int64]bool
	membershipErr error
	copyErrs      map[int64]error
	sendErr       error
	deleteErr     error
	relayErr      error
	calls         []Call
}

var _ transport.Transport = (*Fake)(nil)

// SetMember marks userID as a member (or not) of every group
func (f *Fake) SetMember(userID int64, member bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.members == nil {
		f.members = map[int64]bool{}
	}
	f.members[userID] = member
}

// FailMembership makes every membership query fail with err
func (f *Fake) FailMembership(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.membershipErr = err
}

// FailCopy makes copies of the source message messageID fail with err
func (f *Fake) FailCopy(messageID int64, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.copyErrs == nil {
		f.copyErrs = map[int64]error{}
	}
	f.copyErrs[messageID] = err
}

// FailSend makes SendText fail with err
func (f *Fake) FailSend(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr = err
}

// FailDelete makes DeleteMessages fail with err after recording the call
func (f *Fake) FailDelete(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteErr = err
}

// FailRelay makes Relay fail with err
func (f *Fake) FailRelay(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.relayErr = err
}

func (f *Fake) record(c Call) {
	f.calls = append(f.calls, c)
}

func (f *Fake) allocate() int64 {
	f.nextID++
	return 1000 + f.nextID
}

func (f *Fake) CopyItem(ctx context.Context, dest int64, source models.ContentRef) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.copyErrs[source.MessageID]; err != nil {
		f.record(Call{Op: OpCopy, Dest: dest, Source: source})
		return 0, err
	}
	id := f.allocate()
	f.record(Call{Op: OpCopy, Dest: dest, Source: source, MessageID: id})
	return id, nil
}

func (f *Fake) SendText(ctx context.Context, dest int64, text string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		f.record(Call{Op: OpSend, Dest: dest, Text: text})
		return 0, f.sendErr
	}
	id := f.allocate()
	f.record(Call{Op: OpSend, Dest: dest, Text: text, MessageID: id})
	return id, nil
}

func (f *Fake) DeleteMessages(ctx context.Context, dest int64, ids []int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(Call{Op: OpDelete, Dest: dest, IDs: append([]int64(nil), ids...)})
	return f.deleteErr
}

func (f *Fake) QueryMembership(ctx context.Context, group string, userID int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(Call{Op: OpMembership, Dest: userID, Text: group})
	if f.membershipErr != nil {
		return false, f.membershipErr
	}
	return f.members[userID], nil
}

func (f *Fake) Relay(ctx context.Context, relayChat int64, source models.ContentRef) (models.ContentRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.relayErr != nil {
		f.record(Call{Op: OpRelay, Dest: relayChat, Source: source})
		return models.ContentRef{}, f.relayErr
	}
	id := f.allocate()
	f.record(Call{Op: OpRelay, Dest: relayChat, Source: source, MessageID: id})
	return models.ContentRef{ChatID: relayChat, MessageID: id}, nil
}

// Calls returns every recorded call in order
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// CallsOf returns the recorded calls of one operation in order
func (f *Fake) CallsOf(op string) []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Call
	for _, c := range f.calls {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// Deleted returns every id passed to DeleteMessages for dest
func (f *Fake) Deleted(dest int64) []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []int64
	for _, c := range f.calls {
		if c.Op == OpDelete && c.Dest == dest {
			out = append(out, c.IDs...)
		}
	}
	return out
}
