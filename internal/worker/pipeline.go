package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chatbridgehq/chatbridge/internal/connection"
	"github.com/chatbridgehq/chatbridge/internal/conversation"
	"github.com/chatbridgehq/chatbridge/internal/metrics"
	"github.com/chatbridgehq/chatbridge/internal/platform"
	"github.com/chatbridgehq/chatbridge/internal/queue"
	"github.com/chatbridgehq/chatbridge/internal/retry"
	"github.com/chatbridgehq/chatbridge/internal/runtime"
	"github.com/chatbridgehq/chatbridge/internal/session"
)

// Pipeline processes one claimed event end to end.
type Pipeline struct {
	connections   connectionResolver
	sessions      sessionStore
	conversations conversationStore
	bindings      bindingResolver
	runtime       runtimeCaller
	sender        replySender
	queue         eventQueue
	deadLetters   deadLetterSink
	metrics       *metrics.Metrics
	logger        *slog.Logger
	retryPolicy   retry.Policy
}

type PipelineDeps struct {
	Connections   *connection.Service
	Sessions      *session.Service
	Conversations *conversation.Service
	Bindings      *runtime.Service
	Runtime       *runtime.Client
	Sender        *platform.SendClient
	Queue         *queue.Service
	Metrics       *metrics.Metrics
}

func NewPipeline(log *slog.Logger, deps PipelineDeps) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		connections:   deps.Connections,
		sessions:      deps.Sessions,
		conversations: deps.Conversations,
		bindings:      deps.Bindings,
		runtime:       deps.Runtime,
		sender:        deps.Sender,
		queue:         deps.Queue,
		deadLetters:   deps.Queue.DeadLetters(),
		metrics:       deps.Metrics,
		logger:        log.With(slog.String("service", "worker")),
	}
}

// Process runs the stage sequence for one claimed event. It always returns a
// result; the event's terminal queue status is written before returning.
func (p *Pipeline) Process(ctx context.Context, evt queue.Event) Result {
	start := time.Now()
	result := p.process(ctx, evt)
	if p.metrics != nil {
		p.metrics.PipelineDuration.Observe(time.Since(start).Seconds())
		p.metrics.EventsProcessed.WithLabelValues(result.Status).Inc()
	}
	return result
}

func (p *Pipeline) process(ctx context.Context, evt queue.Event) Result {
	log := p.logger.With(slog.String("event_id", evt.ID), slog.String("platform", string(evt.Platform)))

	// Serialize the thread across drain passes. The advisory lock is held
	// from here through the provider send; if another worker owns it, or an
	// older event for the thread is still unfinished, the event goes back to
	// pending untouched so replies keep enqueue order.
	unlock, held, err := p.conversations.LockThread(ctx, evt.TenantID, evt.Platform, evt.SenderID)
	if err != nil {
		return p.settle(ctx, evt, &stageError{stage: queue.StageReceived, kind: outcomeTransient, err: err})
	}
	if !held {
		return p.deferEvent(ctx, evt, "thread locked by another worker")
	}
	defer unlock()

	earlier, err := p.queue.HasEarlierUnfinished(ctx, evt)
	if err != nil {
		return p.settle(ctx, evt, &stageError{stage: queue.StageReceived, kind: outcomeTransient, err: err})
	}
	if earlier {
		return p.deferEvent(ctx, evt, "earlier event in thread still unfinished")
	}

	msg, err := platform.Normalize(evt.Platform, evt.RawPayload)
	if err != nil {
		return p.failPermanent(ctx, evt, queue.StageReceived, fmt.Errorf("malformed payload: %w", err))
	}

	// Stage: resolve connection.
	var conn connection.Connection
	if serr := p.runStage(ctx, evt.ID, queue.StageConnectionResolved, func() error {
		var err error
		conn, err = p.connections.GetByRecipient(ctx, evt.TenantID, evt.Platform, evt.RecipientID)
		return err
	}); serr != nil {
		return p.settle(ctx, evt, serr)
	}

	// Stage: acquire session.
	var sess session.Session
	if serr := p.runStage(ctx, evt.ID, queue.StageSessionAcquired, func() error {
		var err error
		sess, err = p.sessions.GetOrCreate(ctx, evt.TenantID, evt.SenderID, evt.Platform)
		return err
	}); serr != nil {
		return p.settle(ctx, evt, serr)
	}

	// Stage: upsert conversation.
	var conv conversation.Conversation
	if serr := p.runStage(ctx, evt.ID, queue.StageConversationUpserted, func() error {
		var err error
		conv, err = p.conversations.Upsert(ctx, evt.TenantID, evt.Platform, evt.SenderID, evt.SenderID, sess.ID, evt.EventTS)
		return err
	}); serr != nil {
		return p.settle(ctx, evt, serr)
	}

	// Stage: persist user message.
	if serr := p.runStage(ctx, evt.ID, queue.StageUserMessageSaved, func() error {
		_, err := p.conversations.AddMessage(ctx, conv.ID, conversation.SenderUser, msg.Text, msg.Metadata["provider_message_id"])
		return err
	}); serr != nil {
		return p.settle(ctx, evt, serr)
	}

	// Stage: append user turn to session history.
	if serr := p.runStage(ctx, evt.ID, queue.StageSessionUpdated, func() error {
		return p.sessions.AppendHistory(ctx, sess.ID, session.RoleUser, msg.Text)
	}); serr != nil {
		return p.settle(ctx, evt, serr)
	}

	// Stage: resolve AI binding.
	var binding runtime.Binding
	if serr := p.runStage(ctx, evt.ID, queue.StageBindingResolved, func() error {
		var err error
		binding, err = p.bindings.GetByTenant(ctx, evt.TenantID)
		return err
	}); serr != nil {
		return p.settle(ctx, evt, serr)
	}

	// Stage: call the AI runtime, retrying transient failures in-stage.
	var items []runtime.ResponseItem
	if serr := p.runStage(ctx, evt.ID, queue.StageAICalled, func() error {
		return retry.Do(ctx, p.logger, p.aiRetryPolicy(), "ai interact", func(ctx context.Context) error {
			var err error
			items, err = p.runtime.Interact(ctx, binding, msg.Text, session.Flatten(sess.Context))
			return err
		})
	}); serr != nil {
		if p.metrics != nil {
			p.metrics.RuntimeCalls.WithLabelValues("error").Inc()
		}
		// AI failures always dead-letter, transient or not.
		return p.deadLetter(ctx, evt, serr)
	}
	if p.metrics != nil {
		p.metrics.RuntimeCalls.WithLabelValues("ok").Inc()
	}

	// Stage: extract context variables from the response.
	vars, cleaned := runtime.ExtractContext(items)
	if serr := p.runStage(ctx, evt.ID, queue.StageContextExtracted, func() error {
		return p.sessions.MergeContext(ctx, sess.ID, vars)
	}); serr != nil {
		return p.settle(ctx, evt, serr)
	}

	// Stage: format the provider reply.
	reply := platform.BuildReply(cleaned)
	if serr := p.runStage(ctx, evt.ID, queue.StageReplyFormatted, func() error { return nil }); serr != nil {
		return p.settle(ctx, evt, serr)
	}

	// Stage: persist the assistant message and mirror it into the session.
	if reply.Text != "" {
		if serr := p.runStage(ctx, evt.ID, queue.StageAssistantMessageSaved, func() error {
			if _, err := p.conversations.AddMessage(ctx, conv.ID, conversation.SenderAssistant, reply.Text, ""); err != nil {
				return err
			}
			return p.sessions.AppendHistory(ctx, sess.ID, session.RoleAssistant, reply.Text)
		}); serr != nil {
			return p.settle(ctx, evt, serr)
		}
	}

	// Stage: send to the provider. A failure here never fails the event;
	// the assistant message is already stored.
	warning := ""
	if !reply.Empty() {
		err := retry.Do(ctx, p.logger, p.sendRetryPolicy(), "provider send", func(ctx context.Context) error {
			_, err := p.sender.Send(ctx, evt.Platform, conn.AccountID, conn.AccessToken, evt.SenderID, reply)
			return err
		})
		if err != nil {
			warning = "undelivered"
			p.addTrace(ctx, evt.ID, queue.StageResponseSent, queue.TraceFailed, err.Error(), nil)
			if p.metrics != nil {
				p.metrics.ProviderSends.WithLabelValues(string(evt.Platform), "error").Inc()
			}
			log.Warn("reply undelivered", slog.Any("error", err))
		} else if p.metrics != nil {
			p.metrics.ProviderSends.WithLabelValues(string(evt.Platform), "ok").Inc()
		}
	}

	// Finalize.
	meta := map[string]any{}
	if warning != "" {
		meta["warning"] = warning
	}
	p.addTrace(ctx, evt.ID, queue.StageResponseSent, queue.TraceCompleted, "", meta)
	if err := p.queue.MarkCompleted(ctx, evt.ID); err != nil {
		log.Error("mark completed", slog.Any("error", err))
	}
	return Result{EventID: evt.ID, Success: true, Status: string(queue.StatusCompleted), Warning: warning}
}

// runStage executes one stage, writes its trace and classifies any failure.
func (p *Pipeline) runStage(ctx context.Context, eventID string, stage queue.Stage, fn func() error) *stageError {
	err := fn()
	if err == nil {
		p.addTrace(ctx, eventID, stage, queue.TraceCompleted, "", nil)
		return nil
	}
	p.addTrace(ctx, eventID, stage, queue.TraceFailed, err.Error(), nil)
	return &stageError{stage: stage, kind: classify(err), err: err}
}

// settle routes a stage failure: transient failures go back to pending until
// the retry budget runs out, everything else parks the event.
func (p *Pipeline) settle(ctx context.Context, evt queue.Event, serr *stageError) Result {
	log := p.logger.With(slog.String("event_id", evt.ID), slog.String("stage", string(serr.stage)))

	if serr.kind == outcomeTransient {
		retriable, err := p.queue.Release(ctx, evt.ID, evt.RetryCount, serr.Error())
		if err != nil {
			log.Error("release event", slog.Any("error", err))
		}
		if retriable {
			log.Warn("event re-queued", slog.Any("error", serr.err))
			return Result{EventID: evt.ID, Status: string(queue.StatusPending), Error: serr.Error()}
		}
		// Retry budget exhausted.
		return p.deadLetter(ctx, evt, serr)
	}

	if err := p.queue.MarkFailed(ctx, evt.ID, serr.Error()); err != nil {
		log.Error("mark failed", slog.Any("error", err))
	}
	log.Error("event failed", slog.Any("error", serr.err))
	return Result{EventID: evt.ID, Status: string(queue.StatusFailed), Error: serr.Error()}
}

// deferEvent puts the event back to pending with its retry budget intact;
// a later drain pass picks it up once the thread frees.
func (p *Pipeline) deferEvent(ctx context.Context, evt queue.Event, reason string) Result {
	if err := p.queue.Defer(ctx, evt.ID); err != nil {
		p.logger.Error("defer event", slog.String("event_id", evt.ID), slog.Any("error", err))
		return Result{EventID: evt.ID, Status: statusDeferred, Error: err.Error()}
	}
	p.logger.Debug("event deferred",
		slog.String("event_id", evt.ID),
		slog.String("reason", reason))
	return Result{EventID: evt.ID, Status: statusDeferred}
}

// deadLetter parks the event and records it for operator triage.
func (p *Pipeline) deadLetter(ctx context.Context, evt queue.Event, serr *stageError) Result {
	if _, err := p.deadLetters.Add(ctx, evt.TenantID, evt.RawPayload, serr.Error(), map[string]any{
		"stage":       string(serr.stage),
		"retry_count": evt.RetryCount,
	}); err != nil {
		p.logger.Error("dead letter insert", slog.String("event_id", evt.ID), slog.Any("error", err))
	}
	if p.metrics != nil {
		p.metrics.DeadLetters.Inc()
	}
	if err := p.queue.MarkFailed(ctx, evt.ID, serr.Error()); err != nil {
		p.logger.Error("mark failed", slog.String("event_id", evt.ID), slog.Any("error", err))
	}
	return Result{EventID: evt.ID, Status: string(queue.StatusFailed), Error: serr.Error()}
}

func (p *Pipeline) failPermanent(ctx context.Context, evt queue.Event, stage queue.Stage, err error) Result {
	p.addTrace(ctx, evt.ID, stage, queue.TraceFailed, err.Error(), nil)
	return p.settle(ctx, evt, &stageError{stage: stage, kind: outcomePermanent, err: err})
}

func (p *Pipeline) addTrace(ctx context.Context, eventID string, stage queue.Stage, status, cause string, meta map[string]any) {
	if err := p.queue.AddTrace(ctx, eventID, stage, status, cause, meta); err != nil {
		p.logger.Error("write trace",
			slog.String("event_id", eventID),
			slog.String("stage", string(stage)),
			slog.Any("error", err))
	}
}

func (p *Pipeline) aiRetryPolicy() retry.Policy {
	if p.retryPolicy.MaxRetries > 0 {
		return p.retryPolicy
	}
	return retry.DefaultPolicy()
}

func (p *Pipeline) sendRetryPolicy() retry.Policy {
	return p.aiRetryPolicy()
}

// classify decides whether a stage failure is worth another claim cycle.
func classify(err error) outcomeKind {
	switch {
	case errors.Is(err, connection.ErrConnectionNotFound),
		errors.Is(err, runtime.ErrBindingNotFound),
		errors.Is(err, session.ErrSessionNotFound),
		errors.Is(err, conversation.ErrConversationNotFound):
		return outcomePermanent
	case retry.IsTransient(err):
		return outcomeTransient
	default:
		return outcomePermanent
	}
}
