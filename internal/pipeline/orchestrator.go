package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"autopress/internal/config"
	"autopress/internal/generator"
	"autopress/internal/images"
	"autopress/internal/logging"
	"autopress/internal/model"
	"autopress/internal/store"

	"github.com/samber/lo"
	"go.uber.org/zap"
)

var (
	ErrAlreadyRunning = errors.New("generation run already in progress")
	ErrNoCredential   = errors.New("no generation credential configured")
)

// ContentGenerator produces an article draft for a topic.
type ContentGenerator interface {
	Generate(ctx context.Context, topic string, allowedCategories []string) (generator.Result, error)
}

// GeneratorFactory binds a generator to the credential of one run.
type GeneratorFactory func(credential string) (ContentGenerator, error)

type TopicLister interface {
	List(ctx context.Context) ([]model.Topic, error)
}

type ArticleStore interface {
	List(ctx context.Context) ([]model.Article, error)
	Categories(ctx context.Context) ([]model.Category, error)
	Create(ctx context.Context, in model.ArticleInput, matchExisting bool) (model.Article, error)
}

type ImageFinder interface {
	Find(ctx context.Context, query, nameHint string) (images.Image, bool)
}

type URLNotifier interface {
	Submit(ctx context.Context, url string, source model.SubmissionSource) (model.SubmissionLogEntry, error)
}

// RunSummary reports one finished run.
type RunSummary struct {
	Processed int `json:"processed"`
	Created   int `json:"created"`
}

// Deps are the collaborators of the orchestrator. Images, Notifier and Lock
// are optional.
type Deps struct {
	State        *StateService
	Topics       TopicLister
	Articles     ArticleStore
	Images       ImageFinder
	Notifier     URLNotifier
	NewGenerator GeneratorFactory
	Lock         store.Locker
}

// Orchestrator drives generation runs. At most one run executes at a time,
// in this process and, with a Lock, across processes.
type Orchestrator struct {
	mu sync.Mutex

	deps    Deps
	cfg     config.GenerationConfig
	lockTTL time.Duration
	logger  *zap.Logger
	now     func() time.Time
}

func NewOrchestrator(deps Deps, cfg config.GenerationConfig, lockTTL time.Duration, logger *zap.Logger) *Orchestrator {
	if lockTTL <= 0 {
		lockTTL = 30 * time.Minute
	}
	return &Orchestrator{
		deps:    deps,
		cfg:     cfg,
		lockTTL: lockTTL,
		logger:  logging.OrNop(logger),
		now:     time.Now,
	}
}

// Start runs one generation cycle and blocks until it ends.
func (o *Orchestrator) Start(ctx context.Context) (RunSummary, error) {
	release, err := o.begin(ctx)
	if err != nil {
		return RunSummary{}, err
	}
	defer release()
	return o.run(ctx)
}

// StartAsync claims the run synchronously and executes it in the background.
// done, if set, receives the outcome.
func (o *Orchestrator) StartAsync(ctx context.Context, done func(RunSummary, error)) error {
	release, err := o.begin(ctx)
	if err != nil {
		return err
	}
	go func() {
		summary, err := func() (RunSummary, error) {
			defer release()
			return o.run(ctx)
		}()
		if done != nil {
			done(summary, err)
		}
	}()
	return nil
}

func (o *Orchestrator) begin(ctx context.Context) (func(), error) {
	if !o.mu.TryLock() {
		return nil, ErrAlreadyRunning
	}
	if o.deps.Lock == nil {
		return o.mu.Unlock, nil
	}

	unlock, err := o.deps.Lock.Acquire(ctx, o.lockTTL)
	if err != nil {
		o.mu.Unlock()
		if errors.Is(err, store.ErrLocked) {
			return nil, ErrAlreadyRunning
		}
		return nil, fmt.Errorf("acquire run lock: %w", err)
	}
	return func() {
		unlock()
		o.mu.Unlock()
	}, nil
}

func (o *Orchestrator) run(ctx context.Context) (summary RunSummary, err error) {
	state, err := o.deps.State.Load(ctx)
	if err != nil {
		return RunSummary{}, fmt.Errorf("load generation state: %w", err)
	}

	credential := strings.TrimSpace(state.Credential)
	if credential == "" {
		credential = strings.TrimSpace(o.cfg.APIKey)
	}
	if credential == "" {
		o.abort(ctx, ErrNoCredential.Error())
		return RunSummary{}, ErrNoCredential
	}

	gen, err := o.deps.NewGenerator(credential)
	if err != nil {
		o.abort(ctx, err.Error())
		return RunSummary{}, fmt.Errorf("build generator: %w", err)
	}

	startedAt := o.now()
	if _, err := o.deps.State.Update(ctx, levelInfo, "Generation started", func(st *model.GenerationState) {
		st.Status = model.RunRunning
		st.StartedAt = &startedAt
		st.LastError = ""
	}); err != nil {
		return RunSummary{}, fmt.Errorf("mark run started: %w", err)
	}
	o.logger.Info("Generation started")

	var runErr string
	defer func() {
		if r := recover(); r != nil {
			runErr = fmt.Sprintf("run aborted: %v", r)
			err = errors.New(runErr)
		}
		o.finish(ctx, summary, runErr)
	}()

	topics, listErr := o.deps.Topics.List(ctx)
	if listErr != nil {
		runErr = fmt.Sprintf("list topics: %v", listErr)
		return summary, fmt.Errorf("list topics: %w", listErr)
	}
	if len(topics) == 0 {
		o.stateLog(ctx, levelWarn, "No topics to process")
		return summary, nil
	}

	allowed := o.allowedCategories(ctx)
	limit := o.cfg.MaxArticlesPerRun
	for _, topic := range topics {
		if limit > 0 && summary.Created >= limit {
			o.stateLog(ctx, levelInfo, fmt.Sprintf("Article cap of %d reached", limit))
			break
		}
		if ctx.Err() != nil {
			runErr = ctx.Err().Error()
			break
		}

		summary.Processed++
		created, topicErr := o.processTopic(ctx, gen, topic, allowed)
		if topicErr != nil {
			o.logger.Warn("Topic failed", zap.String("topic", topic.Label), zap.Error(topicErr))
			o.stateLog(ctx, levelError, fmt.Sprintf("Topic %q failed: %v", topic.Label, topicErr))
			continue
		}
		if created {
			summary.Created++
		}
	}
	return summary, nil
}

// processTopic never lets a panic escape; it is reported as the topic's error.
func (o *Orchestrator) processTopic(ctx context.Context, gen ContentGenerator, topic model.Topic, allowed []string) (created bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			created, err = false, fmt.Errorf("panic: %v", r)
		}
	}()

	existing, err := o.deps.Articles.List(ctx)
	if err != nil {
		return false, fmt.Errorf("list articles: %w", err)
	}
	if Covered(existing, topic.Label) {
		o.stateLog(ctx, levelInfo, fmt.Sprintf("Skipped %q: already covered", topic.Label))
		return false, nil
	}

	result, err := gen.Generate(ctx, topic.Label, allowed)
	if err != nil {
		return false, err
	}
	if !result.Usable() {
		o.stateLog(ctx, levelWarn, fmt.Sprintf("Skipped %q: no usable content", topic.Label))
		return false, nil
	}

	input := model.ArticleInput{
		Title:    result.Title,
		Summary:  result.Summary,
		Content:  result.Content,
		Category: result.Category,
		Status:   model.StatusPublished,
		Hashtags: result.Hashtags,
	}
	if o.deps.Images != nil {
		if img, ok := o.deps.Images.Find(ctx, topic.Label, result.Title); ok {
			input.ImageURL = img.LocalURL
			input.ImageSourceURL = img.SourceURL
		}
	}

	article, err := o.deps.Articles.Create(ctx, input, true)
	if err != nil {
		return false, fmt.Errorf("create article: %w", err)
	}
	o.logger.Info("Article generated", zap.String("topic", topic.Label), zap.String("url", article.URL))
	o.stateLog(ctx, levelInfo, fmt.Sprintf("Created %q", article.Title))

	o.notify(ctx, article)
	return true, nil
}

// notify is fire-and-record: the article is already stored.
func (o *Orchestrator) notify(ctx context.Context, article model.Article) {
	if o.deps.Notifier == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("Indexing notifier panicked", zap.String("url", article.URL), zap.Any("panic", r))
		}
	}()

	entry, err := o.deps.Notifier.Submit(ctx, article.URL, model.SourceAuto)
	if err != nil {
		o.logger.Warn("Indexing submission not recorded", zap.String("url", article.URL), zap.Error(err))
		return
	}
	o.stateLog(ctx, levelInfo, fmt.Sprintf("Indexing %s: %s", entry.Status, article.URL))
}

func (o *Orchestrator) allowedCategories(ctx context.Context) []string {
	categories, err := o.deps.Articles.Categories(ctx)
	if err != nil {
		o.logger.Warn("Listing categories failed", zap.Error(err))
	}
	if len(categories) == 0 {
		return o.cfg.DefaultCategories
	}
	return lo.Map(categories, func(c model.Category, _ int) string { return c.Name })
}

func (o *Orchestrator) finish(ctx context.Context, summary RunSummary, runErr string) {
	// The run context may already be done; the final record must still land.
	ctx = context.WithoutCancel(ctx)
	finishedAt := o.now()

	level, message := levelInfo, fmt.Sprintf("Generation finished: %d created from %d topics", summary.Created, summary.Processed)
	if runErr != "" {
		level, message = levelError, "Generation failed: "+runErr
	}

	_, err := o.deps.State.Update(ctx, level, message, func(st *model.GenerationState) {
		st.Status = model.RunStopped
		st.LastRunAt = &finishedAt
		st.LastRunCreated = summary.Created
		st.LastRunProcessedTopics = summary.Processed
		st.TotalArticlesCreated += summary.Created
		if runErr != "" {
			st.LastError = runErr
		}
	})
	if err != nil {
		o.logger.Error("Recording run outcome failed", zap.Error(err))
	}
	o.logger.Info("Generation finished",
		zap.Int("processed", summary.Processed),
		zap.Int("created", summary.Created),
		zap.String("error", runErr))
}

func (o *Orchestrator) abort(ctx context.Context, reason string) {
	_, err := o.deps.State.Update(ctx, levelError, "Generation not started: "+reason, func(st *model.GenerationState) {
		st.Status = model.RunStopped
		st.LastError = reason
	})
	if err != nil {
		o.logger.Error("Recording aborted run failed", zap.Error(err))
	}
	o.logger.Warn("Generation not started", zap.String("reason", reason))
}

func (o *Orchestrator) stateLog(ctx context.Context, level, message string) {
	if err := o.deps.State.Log(ctx, level, message); err != nil {
		o.logger.Warn("Appending state log failed", zap.Error(err))
	}
}

// Stop marks the pipeline stopped. A run in flight is not interrupted.
func (o *Orchestrator) Stop(ctx context.Context) (model.GenerationState, error) {
	st, err := o.deps.State.Update(ctx, levelInfo, "Generation stopped", func(st *model.GenerationState) {
		st.Status = model.RunStopped
	})
	if err != nil {
		return model.GenerationState{}, err
	}
	return st.Redacted(), nil
}

// Reset returns to idle and re-derives lastError from the credential.
func (o *Orchestrator) Reset(ctx context.Context) (model.GenerationState, error) {
	st, err := o.deps.State.Update(ctx, levelInfo, "Generation reset", func(st *model.GenerationState) {
		st.Status = model.RunIdle
		st.StartedAt = nil
		st.LastError = ""
		if strings.TrimSpace(st.Credential) == "" && strings.TrimSpace(o.cfg.APIKey) == "" {
			st.LastError = ErrNoCredential.Error()
		}
	})
	if err != nil {
		return model.GenerationState{}, err
	}
	return st.Redacted(), nil
}

// SetCredential stores the credential used by later runs. An empty value
// clears it.
func (o *Orchestrator) SetCredential(ctx context.Context, credential string) (model.GenerationState, error) {
	credential = strings.TrimSpace(credential)
	message := "Credential updated"
	if credential == "" {
		message = "Credential cleared"
	}
	st, err := o.deps.State.Update(ctx, levelInfo, message, func(st *model.GenerationState) {
		st.Credential = credential
		if credential != "" && st.LastError == ErrNoCredential.Error() {
			st.LastError = ""
		}
	})
	if err != nil {
		return model.GenerationState{}, err
	}
	return st.Redacted(), nil
}

// State returns the current state with the credential hidden.
func (o *Orchestrator) State(ctx context.Context) (model.GenerationState, error) {
	st, err := o.deps.State.Load(ctx)
	if err != nil {
		return model.GenerationState{}, err
	}
	return st.Redacted(), nil
}

// Covered reports whether an article title or summary already contains label,
// ignoring case.
func Covered(existing []model.Article, label string) bool {
	needle := strings.ToLower(strings.TrimSpace(label))
	if needle == "" {
		return false
	}
	return lo.SomeBy(existing, func(a model.Article) bool {
		return strings.Contains(strings.ToLower(a.Title), needle) ||
			strings.Contains(strings.ToLower(a.Summary), needle)
	})
}
