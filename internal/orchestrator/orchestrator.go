// Package orchestrator drives workflow runs: the start protocol with its
// pre-flight checks, the turn-based agent loop, tool invocation including
// UI-tool correlation, handoffs, and run lifecycle events.
package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BlocUnited-LLC/mozaiks-core-sub003/internal/config"
	"github.com/BlocUnited-LLC/mozaiks-core-sub003/internal/entitlements"
	"github.com/BlocUnited-LLC/mozaiks-core-sub003/internal/events"
	"github.com/BlocUnited-LLC/mozaiks-core-sub003/internal/metrics"
	"github.com/BlocUnited-LLC/mozaiks-core-sub003/internal/orchestrator/providers"
	"github.com/BlocUnited-LLC/mozaiks-core-sub003/internal/sessions"
	"github.com/BlocUnited-LLC/mozaiks-core-sub003/internal/usage"
	"github.com/BlocUnited-LLC/mozaiks-core-sub003/internal/workflow"
	"github.com/BlocUnited-LLC/mozaiks-core-sub003/pkg/models"
)

var (
	ErrInsufficientTokens  = errors.New("insufficient token balance")
	ErrPrerequisiteNotMet  = errors.New("prerequisite workflow not completed")
	ErrRunNotFound         = errors.New("run not found")
	ErrRunAlreadyActive    = errors.New("run already active for chat")
	ErrTooManyPendingTools = errors.New("too many pending ui tools")
)

// Run failure codes carried on run_failed events.
const (
	codeCancelled     = "CANCELLED"
	codeHalted        = "HALTED"
	codeLLMError      = "LLM_ERROR"
	codeInvalidOutput = "STRUCTURED_OUTPUT_INVALID"
	codeInternal      = "INTERNAL_ERROR"
)

// Orchestrator owns the active runs of this process.
type Orchestrator struct {
	cfg        *config.Config
	loader     *workflow.Loader
	tools      *workflow.ToolRegistry
	providers  *providers.Registry
	dispatcher *events.Dispatcher
	store      sessions.Store
	evaluator  *entitlements.Evaluator
	counters   *usage.Counters
	recorder   *usage.Recorder
	graph      workflow.GraphAdapter
	logger     *slog.Logger

	// sem bounds concurrent runs across the process.
	sem chan struct{}

	mu   sync.RWMutex
	runs map[string]*run
}

// Options collects the orchestrator's dependencies. Graph and Recorder are
// optional.
type Options struct {
	Config     *config.Config
	Loader     *workflow.Loader
	Tools      *workflow.ToolRegistry
	Providers  *providers.Registry
	Dispatcher *events.Dispatcher
	Store      sessions.Store
	Evaluator  *entitlements.Evaluator
	Counters   *usage.Counters
	Recorder   *usage.Recorder
	Graph      workflow.GraphAdapter
	Logger     *slog.Logger
}

// New creates the orchestrator.
func New(opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxRuns := opts.Config.Workflows.MaxConcurrentRuns
	if maxRuns <= 0 {
		maxRuns = 32
	}
	return &Orchestrator{
		cfg:        opts.Config,
		loader:     opts.Loader,
		tools:      opts.Tools,
		providers:  opts.Providers,
		dispatcher: opts.Dispatcher,
		store:      opts.Store,
		evaluator:  opts.Evaluator,
		counters:   opts.Counters,
		recorder:   opts.Recorder,
		graph:      opts.Graph,
		logger:     logger,
		sem:        make(chan struct{}, maxRuns),
		runs:       map[string]*run{},
	}
}

// StartRequest is the session start protocol input.
type StartRequest struct {
	AppID             string
	WorkflowName      string
	UserID            string
	ClientRequestID   string
	ForceNew          bool
	RequiredMinTokens int64
}

// StartResult is the session start protocol output.
type StartResult struct {
	ChatID    string
	CacheSeed string
	Reused    bool
}

// CacheSeed derives the deterministic per-chat cache seed.
func CacheSeed(chatID string) string {
	sum := sha256.Sum256([]byte(chatID))
	return hex.EncodeToString(sum[:])[:16]
}

// Start creates or reuses a session after pre-flight checks: workflow
// capability, token availability, bundle existence, and prerequisite
// workflows.
func (o *Orchestrator) Start(ctx context.Context, req StartRequest) (*StartResult, error) {
	if err := o.evaluator.Require(req.AppID, req.UserID, "", "cap.workflow."+req.WorkflowName); err != nil {
		return nil, err
	}

	if req.RequiredMinTokens > 0 {
		used := o.counters.Used(ctx, req.AppID, req.UserID)
		decision := o.evaluator.CheckTokenBudget(req.AppID, req.UserID, used, req.RequiredMinTokens)
		if !decision.Allowed {
			return nil, fmt.Errorf("%w: %d required", ErrInsufficientTokens, req.RequiredMinTokens)
		}
	}

	// The bundle must parse before a session is created for it.
	bundle, err := o.loader.Load(req.AppID, req.WorkflowName)
	if err != nil {
		return nil, err
	}
	for _, prereq := range bundle.Prerequisites {
		done, err := o.store.HasCompleted(ctx, req.AppID, req.UserID, prereq)
		if err != nil {
			return nil, err
		}
		if !done {
			return nil, fmt.Errorf("%w: %s", ErrPrerequisiteNotMet, prereq)
		}
	}

	if !req.ForceNew {
		existing, err := o.store.FindReusable(ctx, req.AppID, req.UserID, req.WorkflowName,
			req.ClientRequestID, o.cfg.Workflows.StartIdempotency)
		if err == nil {
			return &StartResult{ChatID: existing.ChatID, CacheSeed: existing.CacheSeed, Reused: true}, nil
		}
		if !errors.Is(err, sessions.ErrSessionNotFound) {
			return nil, err
		}
	}

	now := time.Now().UTC()
	chatID := uuid.NewString()
	sess := &models.Session{
		ChatID:          chatID,
		AppID:           req.AppID,
		UserID:          req.UserID,
		WorkflowName:    req.WorkflowName,
		Status:          models.SessionInProgress,
		ClientRequestID: req.ClientRequestID,
		CacheSeed:       CacheSeed(chatID),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := o.store.CreateSession(ctx, sess); err != nil {
		return nil, err
	}
	return &StartResult{ChatID: chatID, CacheSeed: sess.CacheSeed}, nil
}

// Attach begins (or resumes) the run loop for a chat. Idempotent per chat:
// a second attach while the run is live returns the existing run.
func (o *Orchestrator) Attach(ctx context.Context, chatID string) error {
	o.mu.Lock()
	if _, live := o.runs[chatID]; live {
		o.mu.Unlock()
		return nil
	}
	o.mu.Unlock()

	sess, err := o.store.GetSession(ctx, chatID)
	if err != nil {
		return err
	}
	if sess.Status.Terminal() {
		return sessions.ErrTerminalStatus
	}

	bundle, err := o.loader.Load(sess.AppID, sess.WorkflowName)
	if err != nil {
		return err
	}
	vars := map[string]any{
		"app_id":        sess.AppID,
		"user_id":       sess.UserID,
		"chat_id":       sess.ChatID,
		"workflow_name": sess.WorkflowName,
		"cache_seed":    sess.CacheSeed,
	}
	binding, err := workflow.Bind(bundle, o.tools, vars)
	if err != nil {
		return err
	}

	o.dispatcher.SeedSequence(chatID, sess.LastSequenceNo)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r := &run{
		sess:      sess,
		binding:   binding,
		vars:      vars,
		cancel:    cancel,
		userInput: make(chan string, 4),
		uiWaiters: map[string]chan map[string]any{},
	}

	o.mu.Lock()
	if _, live := o.runs[chatID]; live {
		o.mu.Unlock()
		cancel()
		return nil
	}
	o.runs[chatID] = r
	o.mu.Unlock()

	select {
	case o.sem <- struct{}{}:
	case <-runCtx.Done():
		o.drop(chatID)
		return runCtx.Err()
	}

	metrics.RunsActive.Inc()
	go func() {
		defer func() {
			<-o.sem
			metrics.RunsActive.Dec()
			o.drop(chatID)
			o.dispatcher.Release(chatID)
		}()
		o.runLoop(runCtx, r)
	}()
	return nil
}

func (o *Orchestrator) drop(chatID string) {
	o.mu.Lock()
	delete(o.runs, chatID)
	o.mu.Unlock()
}

func (o *Orchestrator) get(chatID string) (*run, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	r, ok := o.runs[chatID]
	if !ok {
		return nil, ErrRunNotFound
	}
	return r, nil
}

// SubmitUserInput feeds the next user message into a live run.
func (o *Orchestrator) SubmitUserInput(chatID, text string) error {
	r, err := o.get(chatID)
	if err != nil {
		return err
	}
	select {
	case r.userInput <- text:
		return nil
	default:
		return fmt.Errorf("input queue full for chat %s", chatID)
	}
}

// ResolveUITool delivers a correlated client response to a pending UI-tool
// waiter. Returns false when no waiter matches.
func (o *Orchestrator) ResolveUITool(chatID, corr string, response map[string]any) bool {
	r, err := o.get(chatID)
	if err != nil {
		return false
	}
	r.mu.Lock()
	ch, ok := r.uiWaiters[corr]
	if ok {
		delete(r.uiWaiters, corr)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	ch <- response
	return true
}

// Cancel sets the cancellation flag for a run. The run aborts at the next
// safe point.
func (o *Orchestrator) Cancel(chatID string) error {
	r, err := o.get(chatID)
	if err != nil {
		return err
	}
	r.cancelled.Store(true)
	r.cancel()
	return nil
}

// Active reports whether a run loop is live for the chat.
func (o *Orchestrator) Active(chatID string) bool {
	_, err := o.get(chatID)
	return err == nil
}
