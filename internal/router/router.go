// Package router drains the webhook intake queue and turns raw deliveries
// into normalized internal events: self-filter, dedup, classification,
// @bot command handling, then fanout onto the bus.
package router

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/nbaertsch/squadron-sub002/internal/common/config"
	"github.com/nbaertsch/squadron-sub002/internal/common/logger"
	"github.com/nbaertsch/squadron-sub002/internal/events"
	"github.com/nbaertsch/squadron-sub002/internal/events/bus"
	"github.com/nbaertsch/squadron-sub002/internal/github"
	"github.com/nbaertsch/squadron-sub002/internal/registry"
	"github.com/nbaertsch/squadron-sub002/internal/tracing"
)

const eventSource = "router"

// Router consumes deliveries one at a time so ordering within the intake
// queue is preserved end to end.
type Router struct {
	cfg    *config.Config
	store  *registry.Store
	bus    bus.EventBus
	gh     github.Client
	queue  <-chan *events.GitHubEvent
	logger *logger.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a router over the receiver's queue.
func New(cfg *config.Config, store *registry.Store, eventBus bus.EventBus, gh github.Client, queue <-chan *events.GitHubEvent, log *logger.Logger) *Router {
	return &Router{
		cfg:    cfg,
		store:  store,
		bus:    eventBus,
		gh:     gh,
		queue:  queue,
		logger: log.WithFields(zap.String("component", "router")),
		stopCh: make(chan struct{}),
	}
}

// Start launches the consumer loop.
func (r *Router) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case <-r.stopCh:
				return
			case <-ctx.Done():
				return
			case ev := <-r.queue:
				if ev == nil {
					continue
				}
				if err := r.Process(ctx, ev); err != nil {
					r.logger.Error("processing delivery failed",
						zap.String("delivery_id", ev.DeliveryID),
						zap.Error(err))
				}
			}
		}
	}()
	r.logger.Info("router started")
}

// Stop halts the consumer loop and waits for the in-flight delivery.
func (r *Router) Stop() {
	close(r.stopCh)
	r.wg.Wait()
	r.logger.Info("router stopped")
}

// Process runs one delivery through the pipeline. Exported for tests; the
// Start loop is the only production caller.
func (r *Router) Process(ctx context.Context, ev *events.GitHubEvent) error {
	ctx, span := tracing.Tracer("router").Start(ctx, "router.process")
	defer span.End()

	// Events the bot itself caused would otherwise loop forever.
	if ev.Sender() == r.cfg.GitHub.BotLogin {
		r.logger.Debug("dropping self-originated event",
			zap.String("delivery_id", ev.DeliveryID))
		return nil
	}

	// GitHub redelivers on timeout; the dedup store makes that harmless.
	// Marking before processing means a crash mid-event drops it rather
	// than running it twice, which is the safer failure.
	fresh, err := r.store.MarkEventSeen(ctx, ev.DeliveryID, ev.FullType())
	if err != nil {
		return fmt.Errorf("dedup check: %w", err)
	}
	if !fresh {
		r.logger.Debug("dropping duplicate delivery",
			zap.String("delivery_id", ev.DeliveryID))
		return nil
	}

	eventType, ok := events.Classify(ev.EventType, ev.Action())
	if !ok {
		r.logger.Debug("dropping unsupported event",
			zap.String("delivery_id", ev.DeliveryID),
			zap.String("full_type", ev.FullType()))
		return nil
	}

	if eventType == events.TypeIssueComment || eventType == events.TypePRReviewCommentCreated {
		if handled, err := r.handleCommand(ctx, ev); handled || err != nil {
			return err
		}
	}

	internal := r.normalize(eventType, ev)

	return r.fanout(ctx, internal)
}

// normalize converts a classified delivery into the internal routing form.
func (r *Router) normalize(t events.Type, ev *events.GitHubEvent) *events.InternalEvent {
	internal := &events.InternalEvent{
		Type:             t,
		SourceDeliveryID: ev.DeliveryID,
		Data:             map[string]any{"sender": ev.Sender()},
	}

	if issue := ev.Issue(); issue != nil {
		internal.IssueNumber = issue.Number
		// issue_comment deliveries on a pull request carry the PR under
		// the issue object; the PR number is the issue number there.
		if issue.PullRequest != nil {
			internal.PRNumber = issue.Number
		}
		internal.Data["issue_state"] = issue.State
	}
	if pr := ev.PR(); pr != nil {
		internal.PRNumber = pr.Number
		internal.Data["pr_merged"] = pr.Merged
		internal.Data["head_ref"] = pr.Head.Ref
	}
	if comment := ev.Comment(); comment != nil {
		internal.Data["comment_body"] = comment.Body
	}
	if label := ev.EventLabel(); label != nil {
		internal.Data["label"] = label.Name
	}

	return internal
}

// fanout publishes the normalized event: the supervisor queue first, then
// the per-class subject for anything observing a single event type. The
// order is fixed so replays behave identically.
func (r *Router) fanout(ctx context.Context, internal *events.InternalEvent) error {
	ev := bus.NewEvent(string(internal.Type), eventSource, internal)

	if err := r.bus.Publish(ctx, events.SubjectPM, ev); err != nil {
		return fmt.Errorf("publishing to supervisor subject: %w", err)
	}
	if err := r.bus.Publish(ctx, events.TypeSubject(internal.Type), ev); err != nil {
		return fmt.Errorf("publishing to type subject: %w", err)
	}

	r.logger.Info("event routed",
		zap.String("delivery_id", internal.SourceDeliveryID),
		zap.String("type", string(internal.Type)),
		zap.Int("issue", internal.IssueNumber),
		zap.Int("pr", internal.PRNumber))
	return nil
}

// handleCommand intercepts "@bot <command>" comments. Returns handled=true
// when the comment was a command (whether or not it was accepted); command
// comments never continue into normal fanout.
func (r *Router) handleCommand(ctx context.Context, ev *events.GitHubEvent) (bool, error) {
	comment := ev.Comment()
	issue := ev.Issue()
	if comment == nil || issue == nil {
		return false, nil
	}

	mention := "@" + r.cfg.GitHub.BotLogin
	body := strings.TrimSpace(comment.Body)
	if !strings.HasPrefix(body, mention) {
		return false, nil
	}

	rest := strings.TrimSpace(strings.TrimPrefix(body, mention))
	name := rest
	if i := strings.IndexAny(rest, " \t\n"); i >= 0 {
		name = rest[:i]
	}
	if name == "" {
		return false, nil
	}

	log := r.logger.WithFields(
		zap.String("command", name),
		zap.String("sender", ev.Sender()),
		zap.Int("issue", issue.Number))

	// The maintainers list gates commands only. Ordinary events from any
	// contributor still flow through the pipeline; commands steer agents
	// directly and stay restricted.
	if !r.isMaintainer(ev.Sender()) {
		log.Warn("command from non-maintainer ignored")
		return true, nil
	}

	cmd, ok := r.cfg.Commands[name]
	if !ok || !cmd.Enabled {
		log.Info("unknown or disabled command")
		return true, r.gh.CommentOnIssue(ctx, issue.Number,
			fmt.Sprintf("Unknown or disabled command `%s`.", name))
	}

	if cmd.Response != "" {
		log.Info("answering command with static response")
		return true, r.gh.CommentOnIssue(ctx, issue.Number, cmd.Response)
	}

	if cmd.InvokeAgent != "" {
		internal := &events.InternalEvent{
			Type:             events.TypeWakeAgent,
			SourceDeliveryID: ev.DeliveryID,
			IssueNumber:      issue.Number,
			Data: map[string]any{
				"role":    cmd.InvokeAgent,
				"command": name,
				"args":    strings.TrimSpace(strings.TrimPrefix(rest, name)),
				"sender":  ev.Sender(),
			},
		}
		log.Info("command invokes agent", zap.String("role", cmd.InvokeAgent))
		return true, r.bus.Publish(ctx, events.SubjectPM,
			bus.NewEvent(string(events.TypeWakeAgent), eventSource, internal))
	}

	return true, nil
}

func (r *Router) isMaintainer(login string) bool {
	for _, m := range r.cfg.HumanGroups.Maintainers {
		if m == login {
			return true
		}
	}
	return false
}
