package sync

import (
	"context"
	"strconv"
	"strings"
	gosync "sync"
	"sync/atomic"
	"time"

	"github.com/questlog/questlog/internal/bus"
	"github.com/questlog/questlog/internal/connectivity"
	"github.com/questlog/questlog/internal/domain"
	"github.com/questlog/questlog/internal/repo"
	"github.com/questlog/questlog/internal/store"
	"go.uber.org/zap"
)

// Engine replays the pending write queue against the remote store. Replay
// runs on a ticker, on reconnect, and on explicit requeue; within one
// conversation messages go out oldest-first, distinct conversations replay
// in parallel. The engine is the only component that moves a message from
// PENDING to SYNCED or FAILED.
type Engine struct {
	db          *store.DB
	messages    *repo.MessageRepository
	monitor     connectivity.Monitor
	bus         *bus.Bus
	machine     *Machine
	logger      *zap.Logger
	interval    time.Duration
	maxAttempts int

	replayMu gosync.Mutex
	cancel   context.CancelFunc
}

// NewEngine creates a sync engine. interval is the periodic replay cadence;
// maxAttempts caps automatic retries per message before it is failed.
func NewEngine(db *store.DB, messages *repo.MessageRepository, mon connectivity.Monitor, b *bus.Bus, machine *Machine, interval time.Duration, maxAttempts int, logger *zap.Logger) *Engine {
	if maxAttempts <= 0 {
		maxAttempts = 10
	}
	return &Engine{
		db:          db,
		messages:    messages,
		monitor:     mon,
		bus:         b,
		machine:     machine,
		logger:      logger,
		interval:    interval,
		maxAttempts: maxAttempts,
	}
}

// Start launches the replay loop: one immediate pass, then on every
// connectivity restore, explicit requeue, and tick.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	transitions, unsubMon := e.monitor.Observe(16)
	requeues, unsubBus := e.bus.Subscribe("message.requeued", 16)

	go func() {
		defer unsubMon()
		defer unsubBus()

		e.Replay(ctx)
		ticker := time.NewTicker(e.interval)
		defer ticker.Stop()

		for {
			select {
			case online := <-transitions:
				if online {
					e.Replay(ctx)
				} else {
					_ = e.machine.Transition(Offline)
				}
			case <-requeues:
				e.Replay(ctx)
			case <-ticker.C:
				e.Replay(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the replay loop. An in-flight pass finishes.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
}

// Replay runs one replay pass synchronously. Passes never overlap.
func (e *Engine) Replay(ctx context.Context) {
	e.replayMu.Lock()
	defer e.replayMu.Unlock()

	if !e.monitor.Online() {
		_ = e.machine.Transition(Offline)
		return
	}
	_ = e.machine.Transition(Replaying)

	pending, err := e.db.PendingMessages()
	if err != nil {
		e.logger.Error("reading pending queue failed", zap.Error(err))
		_ = e.machine.Transition(Degraded)
		return
	}

	var stalled int32
	if len(pending) > 0 {
		// Group by conversation, preserving the oldest-first order within
		// each group.
		queues := make(map[string][]store.Message)
		for _, m := range pending {
			queues[m.ConversationID] = append(queues[m.ConversationID], m)
		}

		var wg gosync.WaitGroup
		for convID, queue := range queues {
			wg.Add(1)
			go func(convID string, queue []store.Message) {
				defer wg.Done()
				if !e.replayConversation(ctx, convID, queue) {
					atomic.AddInt32(&stalled, 1)
				}
			}(convID, queue)
		}
		wg.Wait()
	}

	if err := e.db.SetSyncState("last_replay_at", strconv.FormatInt(time.Now().UnixMilli(), 10)); err != nil {
		e.logger.Warn("writing replay checkpoint failed", zap.Error(err))
	}

	if stalled > 0 {
		_ = e.machine.Transition(Degraded)
	} else {
		_ = e.machine.Transition(Idle)
	}
}

// replayConversation pushes one conversation's queue in order. A transient
// failure stops the conversation for this pass so later messages never
// overtake an earlier one; a permanent failure fails that message and moves
// on. Returns false when the pass stalled on a transient error.
func (e *Engine) replayConversation(ctx context.Context, convID string, queue []store.Message) bool {
	for i := range queue {
		m := &queue[i]

		attempts, err := e.db.IncrementMessageAttempts(m.ID)
		if err != nil {
			e.logger.Error("bumping attempts failed", zap.String("id", m.ID), zap.Error(err))
			return false
		}

		conv, err := e.messages.PushMessage(ctx, m)
		if err == nil {
			remoteID := strings.TrimPrefix(m.ID, store.LocalMessagePrefix)
			if err := e.db.MarkMessageSynced(m.ID, remoteID); err != nil {
				e.logger.Error("marking synced failed", zap.String("id", m.ID), zap.Error(err))
				return false
			}
			if err := e.db.UpsertConversation(conv); err != nil {
				e.logger.Warn("caching conversation failed", zap.String("id", convID), zap.Error(err))
			}
			e.logger.Info("message replayed",
				zap.String("local_id", m.ID),
				zap.String("id", remoteID),
				zap.String("conversation", convID))
			e.bus.Publish(bus.NewEvent("message.synced", map[string]string{
				"local_id":     m.ID,
				"id":           remoteID,
				"conversation": convID,
			}))
			continue
		}

		switch domain.Classify(err) {
		case domain.ClassPermanent, domain.ClassFatal:
			e.fail(m, convID, err)
		default:
			if attempts >= e.maxAttempts {
				e.fail(m, convID, err)
				continue
			}
			e.logger.Warn("replay stalled",
				zap.String("id", m.ID),
				zap.String("conversation", convID),
				zap.Int("attempts", attempts),
				zap.Error(err))
			return false
		}
	}
	return true
}

func (e *Engine) fail(m *store.Message, convID string, cause error) {
	e.logger.Error("message failed permanently",
		zap.String("id", m.ID),
		zap.String("conversation", convID),
		zap.Error(cause))
	if err := e.db.MarkMessageFailed(m.ID, cause.Error()); err != nil {
		e.logger.Error("marking failed failed", zap.String("id", m.ID), zap.Error(err))
		return
	}
	e.bus.Publish(bus.NewEvent("message.failed", map[string]string{
		"id":           m.ID,
		"conversation": convID,
		"error":        cause.Error(),
	}))
}
