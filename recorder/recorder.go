// Package recorder dispatches chat events to sessions: /start opens a
// session, messages are classified and appended, /end publishes.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/onnwee/tgscribe/message"
	"github.com/onnwee/tgscribe/publish"
	"github.com/onnwee/tgscribe/session"
	"github.com/onnwee/tgscribe/telemetry"
)

// DefaultShutdownGrace bounds how long queued work may keep running after the
// Handle context is canceled.
const DefaultShutdownGrace = 2 * time.Minute

// Replies sent back to the chat.
const (
	ReplyStarted        = "Recording started. Send messages, then /end to finish."
	ReplyStartFirst     = "Please use /start to begin recording first."
	ReplyUnknownCommand = "Sorry, I don't understand that command."
	ReplyForbidden      = "Sorry, you are not allowed to use this bot."
)

// Classifier turns an event into a message.
type Classifier interface {
	Classify(ctx context.Context, ev message.Event, st session.State) message.Message
}

// Publisher ends and publishes a session.
type Publisher interface {
	Run(ctx context.Context, chatKey string) (publish.Result, error)
}

// Replier sends a text reply to a chat.
type Replier interface {
	SendMessage(ctx context.Context, chatID, text string) error
}

type lane struct {
	queue   []message.Event
	running bool
}

// Recorder serializes each chat's events on its own lane while different
// chats proceed concurrently.
type Recorder struct {
	Store      *session.Store
	Classifier Classifier
	Publisher  Publisher
	Replier    Replier
	// ShutdownGrace is how long lanes keep a usable context once the Handle
	// context is canceled. Zero means DefaultShutdownGrace.
	ShutdownGrace time.Duration

	allowed map[string]bool

	mu       sync.Mutex
	lanes    map[string]*lane
	reminded map[string]bool
	wg       sync.WaitGroup
}

// New returns a recorder. An empty allow list admits every chat.
func New(store *session.Store, cls Classifier, pub Publisher, rep Replier, allowed []string) *Recorder {
	r := &Recorder{
		Store:      store,
		Classifier: cls,
		Publisher:  pub,
		Replier:    rep,
		allowed:    map[string]bool{},
		lanes:      map[string]*lane{},
		reminded:   map[string]bool{},
	}
	for _, id := range allowed {
		if id = strings.TrimSpace(id); id != "" {
			r.allowed[id] = true
		}
	}
	return r
}

// Restricted reports whether an allow list is in force.
func (r *Recorder) Restricted() bool { return len(r.allowed) > 0 }

// Handle queues ev on its chat's lane and returns immediately. A lane
// goroutine runs while its queue is non-empty. Cancelling ctx does not abort
// queued events: they run on a detached context that expires ShutdownGrace
// after ctx is done, so a queued /end still publishes and replies.
func (r *Recorder) Handle(ctx context.Context, ev message.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.lanes[ev.ChatKey]
	if !ok {
		l = &lane{}
		r.lanes[ev.ChatKey] = l
	}
	l.queue = append(l.queue, ev)
	if !l.running {
		l.running = true
		r.wg.Add(1)
		go r.drain(ctx, ev.ChatKey, l)
	}
}

// Wait blocks until every lane has drained.
func (r *Recorder) Wait() { r.wg.Wait() }

// Lanes returns the number of chats with queued or running work.
func (r *Recorder) Lanes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.lanes)
}

// detach returns a context that survives parent cancellation for grace.
func (r *Recorder) detach(parent context.Context) (context.Context, context.CancelFunc) {
	grace := r.ShutdownGrace
	if grace <= 0 {
		grace = DefaultShutdownGrace
	}
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	stop := context.AfterFunc(parent, func() {
		slog.Info("draining queued chat events", slog.String("component", "recorder"), slog.Duration("grace", grace))
		t := time.AfterFunc(grace, cancel)
		context.AfterFunc(ctx, func() { t.Stop() })
	})
	return ctx, func() {
		stop()
		cancel()
	}
}

func (r *Recorder) drain(parent context.Context, key string, l *lane) {
	defer r.wg.Done()
	ctx, cancel := r.detach(parent)
	defer cancel()
	for {
		r.mu.Lock()
		if len(l.queue) == 0 {
			l.running = false
			delete(r.lanes, key)
			r.mu.Unlock()
			return
		}
		ev := l.queue[0]
		l.queue = l.queue[1:]
		r.mu.Unlock()
		r.process(ctx, ev)
	}
}

func (r *Recorder) process(ctx context.Context, ev message.Event) {
	logger := slog.Default().With(slog.String("component", "recorder"), slog.String("chat", ev.ChatKey))
	if r.Restricted() && !r.allowed[ev.ChatKey] {
		logger.Warn("chat not allowed")
		r.reply(ctx, logger, ev.ChatKey, ReplyForbidden)
		return
	}

	switch ev.Kind {
	case message.EventStart:
		r.Store.Begin(ev.ChatKey)
		r.setReminded(ev.ChatKey, false)
		logger.Info("session started")
		r.reply(ctx, logger, ev.ChatKey, ReplyStarted)
	case message.EventEnd:
		res, err := r.Publisher.Run(ctx, ev.ChatKey)
		if errors.Is(err, session.ErrNoActiveSession) {
			r.reply(ctx, logger, ev.ChatKey, ReplyStartFirst)
			return
		}
		r.reply(ctx, logger, ev.ChatKey, Summary(res, err))
	case message.EventCommand:
		logger.Debug("unknown command", slog.String("command", ev.Command))
		r.reply(ctx, logger, ev.ChatKey, ReplyUnknownCommand)
	default:
		st, ok := r.Store.State(ev.ChatKey)
		if !ok {
			if !r.setReminded(ev.ChatKey, true) {
				r.reply(ctx, logger, ev.ChatKey, ReplyStartFirst)
			}
			return
		}
		m := r.Classifier.Classify(ctx, ev, st)
		if err := r.Store.Append(ev.ChatKey, m); err != nil {
			// evicted by the janitor while classifying
			logger.Warn("append failed", slog.Any("err", err))
			return
		}
		telemetry.IncRecorded(string(m.Type))
	}
}

// setReminded stores v and returns the previous value.
func (r *Recorder) setReminded(key string, v bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.reminded[key]
	if v {
		r.reminded[key] = true
	} else {
		delete(r.reminded, key)
	}
	return prev
}

func (r *Recorder) reply(ctx context.Context, logger *slog.Logger, chatKey, text string) {
	if r.Replier == nil {
		return
	}
	if err := r.Replier.SendMessage(ctx, chatKey, text); err != nil {
		logger.Warn("reply failed", slog.Any("err", err))
	}
}

// Summary is the chat reply for a finished publish run.
func Summary(res publish.Result, err error) string {
	if err != nil {
		return fmt.Sprintf("Recording finished with %d messages, but publishing failed: %v", res.MessageCount, err)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Recording finished. %d messages received.", res.MessageCount)
	if res.PasteErr != nil {
		fmt.Fprintf(&b, "\nTelegraph failed: %v", res.PasteErr)
	} else {
		fmt.Fprintf(&b, "\nTelegraph URL: %s", res.PasteURL)
	}
	if res.CMSErr != nil {
		fmt.Fprintf(&b, "\nWeChat draft failed: %v", res.CMSErr)
	} else {
		b.WriteString("\nSaved to the WeChat draft box.")
	}
	if res.Degraded > 0 {
		fmt.Fprintf(&b, "\n%d media items could not be processed.", res.Degraded)
	}
	return b.String()
}
