package relay

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/mahaj/chat-relay/pkg/broadcast"
	"github.com/mahaj/chat-relay/pkg/feed"
	"github.com/mahaj/chat-relay/pkg/model"
	"github.com/mahaj/chat-relay/pkg/store"
)

// defaultPollInterval is the cadence of the polling fallback.
const defaultPollInterval = 5 * time.Second

// Config wires a Session to its collaborators. Store is required; Feed
// and Broadcast are optional delivery channels — a session with neither
// still works on the poll fallback alone.
type Config struct {
	// ConversationID scopes the session; must be a UUID.
	ConversationID string

	// UserID is the local user, the author of sent messages.
	UserID string

	Store     store.Store
	Feed      feed.ChangeFeed
	Broadcast broadcast.PeerBroadcast

	// EmojiSet overrides the reaction palette; defaults to
	// model.DefaultEmojiSet.
	EmojiSet []string

	// PollInterval overrides the fallback cadence; defaults to 5s.
	PollInterval time.Duration
}

// Session is the single conversation-scoped object the presentation
// layer talks to. It composes the reconciler, reaction aggregator, pin
// registry, and profile cache, and owns the lifecycle of the delivery
// channels and the poll timer.
type Session struct {
	conversationID string
	userID         string
	emojiSet       []string

	rec       *Reconciler
	reactions *ReactionAggregator
	pins      *PinRegistry
	profiles  *ProfileCache

	ctx    context.Context
	cancel context.CancelFunc

	subs      []feed.Subscription
	refreshCh chan struct{}
	updates   chan struct{}

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Open loads the conversation history and starts all delivery channels.
// Subscription failures on the change feed or the peer broadcast are
// logged and tolerated: the session degrades to whichever channels came
// up, protected by the poll fallback in every case. Only a failed bulk
// load aborts the open.
func Open(ctx context.Context, cfg Config) (*Session, error) {
	if cfg.Store == nil {
		return nil, errors.New("relay: Config.Store is required")
	}
	if cfg.UserID == "" {
		return nil, errors.New("relay: Config.UserID is required")
	}
	if _, err := uuid.Parse(cfg.ConversationID); err != nil {
		return nil, errors.Wrap(err, "relay: invalid conversation id")
	}

	emojiSet := cfg.EmojiSet
	if emojiSet == nil {
		emojiSet = model.DefaultEmojiSet
	}
	pollEvery := cfg.PollInterval
	if pollEvery <= 0 {
		pollEvery = defaultPollInterval
	}

	sessionCtx, cancel := context.WithCancel(context.Background())
	s := &Session{
		conversationID: cfg.ConversationID,
		userID:         cfg.UserID,
		emojiSet:       emojiSet,
		rec:            NewReconciler(cfg.Store, cfg.ConversationID, cfg.UserID),
		reactions:      NewReactionAggregator(cfg.Store),
		pins:           NewPinRegistry(cfg.Store, cfg.ConversationID),
		profiles:       NewProfileCache(cfg.Store),
		ctx:            sessionCtx,
		cancel:         cancel,
		refreshCh:      make(chan struct{}, 1),
		updates:        make(chan struct{}, 1),
	}
	s.rec.SetOnChange(s.timelineChanged)

	if err := s.rec.Open(ctx); err != nil {
		cancel()
		return nil, err
	}

	if cfg.Feed != nil {
		sub, err := cfg.Feed.Subscribe(sessionCtx, cfg.ConversationID, func(m model.Message) {
			s.rec.OnArrival(m, SourceChangeFeed)
		})
		if err != nil {
			log.Printf("Change feed unavailable, continuing without it: %v",
				errors.WithMessage(ErrSubscription, err.Error()))
		} else {
			s.subs = append(s.subs, sub)
		}
	}

	if cfg.Broadcast != nil {
		s.rec.SetPublish(cfg.Broadcast.Publish)
		sub, err := cfg.Broadcast.Subscribe(sessionCtx, func(m model.Message) {
			s.rec.OnArrival(m, SourceBroadcast)
		})
		if err != nil {
			log.Printf("Peer broadcast unavailable, continuing without it: %v",
				errors.WithMessage(ErrSubscription, err.Error()))
		} else {
			s.subs = append(s.subs, sub)
		}
	}

	s.wg.Add(2)
	go s.refreshLoop()
	go s.pollLoop(pollEvery)

	// Populate reactions/pins/profiles for the loaded history.
	s.timelineChanged()

	return s, nil
}

// timelineChanged coalesces change notifications into the refresh loop.
func (s *Session) timelineChanged() {
	select {
	case s.refreshCh <- struct{}{}:
	default:
	}
}

// refreshLoop re-queries reactions, pins, and profiles for the entire
// currently loaded id set whenever the timeline changes. O(timeline) per
// event — fine for a small group conversation, deliberately not built
// for large rosters or deep histories.
func (s *Session) refreshLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.refreshCh:
		}

		ids, authors := s.rec.Snapshot()
		if err := s.reactions.Refresh(s.ctx, ids); err != nil && s.ctx.Err() == nil {
			log.Printf("Reaction refresh failed: %v", err)
		}
		if err := s.pins.Refresh(s.ctx, ids); err != nil && s.ctx.Err() == nil {
			log.Printf("Pin refresh failed: %v", err)
		}
		if err := s.profiles.Refresh(s.ctx, authors); err != nil && s.ctx.Err() == nil {
			log.Printf("Profile refresh failed: %v", err)
		}

		s.signalUpdate()
	}
}

// pollLoop is the last line of defense against total realtime failure:
// a fixed-cadence store query for anything newer than the watermark.
// Errors are logged and swallowed; the loop only stops when the session
// closes.
func (s *Session) pollLoop(every time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}

		if err := s.rec.PollOnce(s.ctx); err != nil {
			if errors.Is(err, ErrClosed) || s.ctx.Err() != nil {
				return
			}
			log.Printf("Poll failed, will retry next tick: %v", err)
		}
	}
}

func (s *Session) signalUpdate() {
	select {
	case s.updates <- struct{}{}:
	default:
	}
}

// Updates signals after any state change the presentation layer should
// re-render for. Signals coalesce; consumers re-read the full state.
func (s *Session) Updates() <-chan struct{} {
	return s.updates
}

// Timeline returns the ordered message sequence.
func (s *Session) Timeline() []model.Message {
	return s.rec.Messages()
}

// Send inserts a new message authored by the session user.
func (s *Session) Send(ctx context.Context, body string) (model.Message, error) {
	return s.rec.Send(ctx, body, 0)
}

// Reply sends a message carrying a flat reference to an earlier one.
func (s *Session) Reply(ctx context.Context, body string, replyTo int64) (model.Message, error) {
	return s.rec.Send(ctx, body, replyTo)
}

// ReactionsFor projects the emoji palette onto one message.
func (s *Session) ReactionsFor(messageID int64) []ReactionView {
	return s.reactions.View(messageID, s.userID, s.emojiSet)
}

// ToggleReaction applies or removes the session user's emoji on the
// message.
func (s *Session) ToggleReaction(ctx context.Context, messageID int64, emoji string) error {
	if s.ctx.Err() != nil {
		return ErrClosed
	}
	if err := s.reactions.Toggle(ctx, messageID, s.userID, emoji); err != nil {
		return err
	}
	s.signalUpdate()
	return nil
}

// IsPinned reports whether the message is pinned in this conversation.
func (s *Session) IsPinned(messageID int64) bool {
	return s.pins.IsPinned(messageID)
}

// Pins returns the ids of all pinned messages.
func (s *Session) Pins() []int64 {
	return s.pins.Pinned()
}

// TogglePin pins or unpins the message.
func (s *Session) TogglePin(ctx context.Context, messageID int64) error {
	if s.ctx.Err() != nil {
		return ErrClosed
	}
	if err := s.pins.Toggle(ctx, messageID, s.userID); err != nil {
		return err
	}
	s.signalUpdate()
	return nil
}

// DisplayName resolves an author id to a display name.
func (s *Session) DisplayName(userID string) string {
	return s.profiles.DisplayName(userID)
}

// Watermark returns the latest observed message timestamp.
func (s *Session) Watermark() time.Time {
	return s.rec.Watermark()
}

// Close stops the poll timer, releases both channel subscriptions, and
// freezes the timeline. Each release is isolated: one failing does not
// block the others. Safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.rec.Close()
		s.cancel()

		for _, sub := range s.subs {
			s.release(sub)
		}
		s.wg.Wait()
	})
}

// release unsubscribes one channel, containing errors and panics so the
// remaining releases always run.
func (s *Session) release(sub feed.Subscription) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Panic releasing subscription: %v", r)
		}
	}()
	if err := sub.Unsubscribe(); err != nil {
		log.Printf("Failed to release subscription: %v", err)
	}
}
