package rpc

import (
	"log"
	"sync"
	"time"

	"github.com/Meander-Cloud/go-policyd/message"
)

// Callback receives the reply envelope of a tracked call. It fires at most
// once per tracked call, never while the tracker lock is held.
type Callback func(*message.Envelope)

type PendingCall struct {
	Envelope    *message.Envelope
	Callback    Callback
	RetriesUsed int
	CreatedAt   time.Time
}

type TrackerOptions struct {
	MaxRetries int

	// entries without a callback, and tracked fire-and-forget sends, are
	// purged after DiscardAfter; every entry is purged after AbandonAfter
	DiscardAfter time.Duration
	AbandonAfter time.Duration

	LogPrefix string
	LogDebug  bool
}

// Tracker correlates outbound envelopes with inbound replies. Its lock is
// independent from the session registry and the policy snapshot.
type Tracker struct {
	options *TrackerOptions
	now     func() time.Time

	mutex   sync.Mutex
	pending []*PendingCall // issue order
}

func NewTracker(options *TrackerOptions) *Tracker {
	return &Tracker{
		options: options,
		now:     time.Now,

		mutex:   sync.Mutex{},
		pending: nil,
	}
}

// Track registers env; a second Track with the same envelope id replaces the
// earlier entry.
func (t *Tracker) Track(env *message.Envelope, cb Callback, retriesUsed int) {
	pc := &PendingCall{
		Envelope:    env,
		Callback:    cb,
		RetriesUsed: retriesUsed,
		CreatedAt:   t.now(),
	}

	t.mutex.Lock()
	defer t.mutex.Unlock()

	for i, cached := range t.pending {
		if cached.Envelope.ID == env.ID {
			t.pending[i] = pc
			return
		}
	}
	t.pending = append(t.pending, pc)
}

// Resolve removes the call whose id equals inbound.ReplyToID and fires its
// callback. The same scan purges expired entries without firing them, so a
// reply arriving after expiry is not matched.
func (t *Tracker) Resolve(inbound *message.Envelope) bool {
	var matched *PendingCall
	purged := 0

	func() {
		t.mutex.Lock()
		defer t.mutex.Unlock()

		now := t.now()
		kept := t.pending[:0]
		for _, pc := range t.pending {
			age := now.Sub(pc.CreatedAt)
			if age > t.options.AbandonAfter {
				purged++
				continue
			}
			if (pc.Callback == nil || pc.Envelope.Method == message.MethodSend) && age > t.options.DiscardAfter {
				purged++
				continue
			}

			if matched == nil && inbound.IsReply() && pc.Envelope.ID == inbound.ReplyToID {
				matched = pc
				continue
			}

			kept = append(kept, pc)
		}
		clear(t.pending[len(kept):])
		t.pending = kept
	}()

	if purged > 0 && t.options.LogDebug {
		log.Printf("%s: purged %d expired call(s)", t.options.LogPrefix, purged)
	}

	if matched == nil {
		return false
	}
	if matched.Callback != nil {
		matched.Callback(inbound)
	}
	return true
}

// RetryAll re-sends every tracked Request after a reconnect. Each retry
// consumes one unit of the entry's budget; once RetriesUsed exceeds
// MaxRetries the entry is dropped silently. A failed resend keeps the entry
// for the next reconnect.
func (t *Tracker) RetryAll(resend func(*message.Envelope) error) {
	var retry []*PendingCall
	dropped := 0

	func() {
		t.mutex.Lock()
		defer t.mutex.Unlock()

		kept := t.pending[:0]
		for _, pc := range t.pending {
			if pc.Envelope.Method != message.MethodRequest {
				kept = append(kept, pc)
				continue
			}

			pc.RetriesUsed++
			if pc.RetriesUsed > t.options.MaxRetries {
				dropped++
				continue
			}

			kept = append(kept, pc)
			retry = append(retry, pc)
		}
		clear(t.pending[len(kept):])
		t.pending = kept
	}()

	log.Printf("%s: retrying %d call(s), dropped %d over retry ceiling", t.options.LogPrefix, len(retry), dropped)

	for _, pc := range retry {
		err := resend(pc.Envelope)
		if err != nil {
			log.Printf("%s: failed to resend %s, retriesUsed=%d, err=%s", t.options.LogPrefix, pc.Envelope, pc.RetriesUsed, err.Error())
		}
	}
}

func (t *Tracker) Len() int {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	return len(t.pending)
}
