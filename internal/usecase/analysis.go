package usecase

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/example/face-insight/internal/capture"
	"github.com/example/face-insight/internal/gallery"
	"github.com/example/face-insight/internal/logging"
	"github.com/example/face-insight/internal/prediction"
	"github.com/example/face-insight/internal/repository"
	"github.com/example/face-insight/internal/session"
)

var (
	// ErrNoImageAvailable reports a classify attempt before any image was
	// captured or selected. Recoverable: route the user back to acquisition.
	ErrNoImageAvailable = errors.New("usecase: no captured or selected image available")
	// ErrStaleSession reports a classification result that arrived after
	// the session it belonged to was restarted. The result is discarded.
	ErrStaleSession = errors.New("usecase: session restarted while classification was in flight")
)

// Gateway is the remote analysis boundary as seen by the flow.
type Gateway interface {
	SubmitProfile(ctx context.Context, name, location string) error
	SubmitImage(ctx context.Context, image string) (*prediction.Distributions, error)
}

// AnalysisRepository defines the persistence operations needed by the flow.
type AnalysisRepository interface {
	SaveRecord(ctx context.Context, record *repository.AnalysisRecord) error
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
}

// AnalysisUseCase orchestrates one analysis session end to end: acquisition
// through either path, classification, review, confirmation. A session is
// bounded by Restart; every in-flight classification carries the token it
// started under and is discarded if the token has moved on by the time the
// result lands.
type AnalysisUseCase struct {
	kv      session.KV
	gateway Gateway
	repo    AnalysisRepository
	camera  *capture.Machine
	gallery *gallery.Adapter
	logger  *zap.Logger
	ttl     time.Duration

	mu       sync.Mutex
	token    string
	store    *prediction.Store
	selector *prediction.Selector
	image    string
	name     string
	location string
}

// NewAnalysisUseCase constructs a use case with a fresh session.
func NewAnalysisUseCase(
	kv session.KV,
	gw Gateway,
	repo AnalysisRepository,
	camera *capture.Machine,
	galleryAdapter *gallery.Adapter,
	ttl time.Duration,
	logger *zap.Logger,
) *AnalysisUseCase {
	uc := &AnalysisUseCase{
		kv:      kv,
		gateway: gw,
		repo:    repo,
		camera:  camera,
		gallery: galleryAdapter,
		logger:  logger.Named("analysis_usecase"),
		ttl:     ttl,
	}
	uc.resetSessionLocked(session.NewToken())
	return uc
}

// resetSessionLocked installs a new token and a fresh prediction store.
// Callers must hold mu (or be the constructor).
func (uc *AnalysisUseCase) resetSessionLocked(token string) {
	uc.token = token
	uc.store = prediction.NewStore(uc.kv, token, uc.ttl, uc.logger)
	uc.selector = prediction.NewSelector(uc.store)
	uc.image = ""
}

// SessionToken returns the current session token.
func (uc *AnalysisUseCase) SessionToken() string {
	uc.mu.Lock()
	defer uc.mu.Unlock()
	return uc.token
}

// Restart abandons the current session: the camera is released, all three
// session entries are discarded, and a fresh token is issued. Any
// classification still in flight for the old token will be dropped on
// arrival.
func (uc *AnalysisUseCase) Restart(ctx context.Context) string {
	uc.camera.Close()

	uc.mu.Lock()
	defer uc.mu.Unlock()

	uc.store.Clear(ctx)
	if err := uc.kv.Delete(ctx, session.ImageKey(uc.token)); err != nil {
		uc.logger.Warn("failed to discard session image", zap.Error(err))
	}
	uc.resetSessionLocked(session.NewToken())
	return uc.token
}

// Resume adopts an existing session token and restores whatever the session
// store still holds for it: distributions and selection immediately, the
// image lazily on the next Classify. The boolean reports whether a
// classification result was restored.
func (uc *AnalysisUseCase) Resume(ctx context.Context, token string) bool {
	uc.camera.Close()

	uc.mu.Lock()
	uc.resetSessionLocked(token)
	store := uc.store
	uc.mu.Unlock()

	store.Load(ctx)
	return store.HasPredictions()
}

// SubmitProfile sends the intake form to the profile boundary. Failures are
// logged and swallowed: profile submission never blocks image acquisition.
func (uc *AnalysisUseCase) SubmitProfile(ctx context.Context, name, location string) {
	uc.mu.Lock()
	uc.name = name
	uc.location = location
	token := uc.token
	uc.mu.Unlock()

	if err := uc.gateway.SubmitProfile(ctx, name, location); err != nil {
		logging.WithOperation(uc.logger, "usecase.submit_profile", token).
			Warn("profile submission failed, continuing", zap.Error(err))
	}
}

// OpenCamera starts the camera acquisition flow.
func (uc *AnalysisUseCase) OpenCamera(ctx context.Context) error {
	return uc.camera.Open(ctx)
}

// CameraState reports the acquisition state machine's current phase.
func (uc *AnalysisUseCase) CameraState() (capture.State, error) {
	return uc.camera.State(), uc.camera.LastError()
}

// CancelCamera dismisses the acquisition flow, releasing the stream.
func (uc *AnalysisUseCase) CancelCamera() {
	uc.camera.Close()
}

// CapturePhoto grabs a frame from the live camera stream and attaches the
// normalized image to the session.
func (uc *AnalysisUseCase) CapturePhoto(ctx context.Context) (string, error) {
	image, err := uc.camera.Capture()
	if err != nil {
		return "", err
	}
	uc.attachImage(ctx, image)
	return image, nil
}

// SelectFromGallery runs the gallery path. The boolean reports whether an
// image was attached; a cancelled selection is (false, nil).
func (uc *AnalysisUseCase) SelectFromGallery(ctx context.Context, file gallery.File) (bool, error) {
	image, err := uc.gallery.Select(file)
	if err != nil {
		return false, err
	}
	if image == "" {
		return false, nil
	}
	uc.attachImage(ctx, image)
	return true, nil
}

// attachImage records the session's normalized image in memory and mirrors
// it to the KV fire-and-forget so a later process can resume the session.
func (uc *AnalysisUseCase) attachImage(ctx context.Context, image string) {
	uc.mu.Lock()
	uc.image = image
	token := uc.token
	uc.mu.Unlock()

	if err := uc.kv.Set(ctx, session.ImageKey(token), image, uc.ttl); err != nil {
		logging.WithOperation(uc.logger, "usecase.attach_image", token).
			Warn("best-effort image persistence failed", zap.Error(err))
	}
}

// Classify submits the session's image to the classification boundary and
// seeds the prediction store with the result. A result that lands after a
// Restart is discarded and reported as ErrStaleSession.
func (uc *AnalysisUseCase) Classify(ctx context.Context) (*prediction.Distributions, error) {
	uc.mu.Lock()
	token := uc.token
	image := uc.image
	uc.mu.Unlock()

	if image == "" {
		restored, err := uc.kv.Get(ctx, session.ImageKey(token))
		if errors.Is(err, session.ErrNotFound) {
			return nil, ErrNoImageAvailable
		}
		if err != nil {
			return nil, logging.NewOperationError("usecase.load_image", token, err)
		}
		if restored == "" {
			return nil, ErrNoImageAvailable
		}
		image = restored
	}

	dists, err := uc.gateway.SubmitImage(ctx, image)
	if err != nil {
		return nil, err
	}

	uc.mu.Lock()
	defer uc.mu.Unlock()
	if uc.token != token {
		logging.WithOperation(uc.logger, "usecase.classify", token).
			Info("discarding stale classification result",
				zap.String("current_session", uc.token))
		return nil, ErrStaleSession
	}
	uc.store.Seed(ctx, dists)
	return dists, nil
}

// HasPredictions reports whether the current session holds a result.
func (uc *AnalysisUseCase) HasPredictions() bool {
	uc.mu.Lock()
	store := uc.store
	uc.mu.Unlock()
	return store.HasPredictions()
}

// Selection returns the current per-category choices.
func (uc *AnalysisUseCase) Selection() (prediction.Selection, bool) {
	uc.mu.Lock()
	store := uc.store
	uc.mu.Unlock()
	return store.Selection()
}

// RankedCandidates lists a category's candidates best-first.
func (uc *AnalysisUseCase) RankedCandidates(category prediction.Category) ([]prediction.Candidate, error) {
	uc.mu.Lock()
	selector := uc.selector
	uc.mu.Unlock()
	return selector.RankedCandidates(category)
}

// ActiveConfidence returns the confidence behind the current selection.
func (uc *AnalysisUseCase) ActiveConfidence(category prediction.Category) float64 {
	uc.mu.Lock()
	selector := uc.selector
	uc.mu.Unlock()
	return selector.ActiveConfidence(category)
}

// SelectLabel overrides one category's selection.
func (uc *AnalysisUseCase) SelectLabel(ctx context.Context, category prediction.Category, label string) error {
	uc.mu.Lock()
	selector := uc.selector
	uc.mu.Unlock()
	return selector.Select(ctx, category, label)
}

// ResetSelections restores every category to its top prediction.
func (uc *AnalysisUseCase) ResetSelections(ctx context.Context) error {
	uc.mu.Lock()
	store := uc.store
	uc.mu.Unlock()
	return store.ResetToTopPrediction(ctx)
}

// Confirm treats the current selection as final and writes the analysis
// record.
func (uc *AnalysisUseCase) Confirm(ctx context.Context) (*repository.AnalysisRecord, error) {
	uc.mu.Lock()
	token := uc.token
	store := uc.store
	selector := uc.selector
	name := uc.name
	location := uc.location
	uc.mu.Unlock()

	selection, ok := store.Selection()
	if !ok {
		return nil, prediction.ErrNoPredictions
	}

	record := &repository.AnalysisRecord{
		SessionID:        token,
		Name:             name,
		Location:         location,
		Race:             selection.Race,
		Age:              selection.Age,
		Gender:           selection.Gender,
		RaceConfidence:   selector.ActiveConfidence(prediction.CategoryRace),
		AgeConfidence:    selector.ActiveConfidence(prediction.CategoryAge),
		GenderConfidence: selector.ActiveConfidence(prediction.CategoryGender),
		Overridden:       isOverridden(store.Distributions(), selection),
		CreatedAt:        time.Now().UTC(),
	}

	if err := uc.repo.SaveRecord(ctx, record); err != nil {
		return nil, logging.NewOperationError("usecase.confirm", token, err)
	}
	return record, nil
}

func isOverridden(dists *prediction.Distributions, selection prediction.Selection) bool {
	if dists == nil {
		return false
	}
	for _, category := range prediction.Categories {
		dist := dists.ByCategory(category)
		top, ok := dist.Top()
		if !ok {
			continue
		}
		// Resolve the selection to its canonical candidate so case-folded
		// labels do not count as overrides.
		chosen, ok := dist.Find(category, selection.Get(category))
		if !ok || chosen.Label != top.Label {
			return true
		}
	}
	return false
}

// MetricsSummary represents aggregated analysis insights.
type MetricsSummary struct {
	TotalConfirmed        int64   `json:"total_confirmed"`
	OverriddenCount       int64   `json:"overridden_count"`
	OverrideRate          float64 `json:"override_rate"`
	AverageRaceConfidence float64 `json:"average_race_confidence"`
}

// GetMetricsSummary aggregates insights from confirmed analyses.
func (uc *AnalysisUseCase) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	aggregation, err := uc.repo.AggregateMetrics(ctx)
	if err != nil {
		return nil, err
	}

	summary := &MetricsSummary{
		TotalConfirmed:        aggregation.TotalCount,
		OverriddenCount:       aggregation.OverriddenCount,
		AverageRaceConfidence: aggregation.AverageRaceConfidence,
	}
	if aggregation.TotalCount > 0 {
		summary.OverrideRate = float64(aggregation.OverriddenCount) / float64(aggregation.TotalCount)
	}
	return summary, nil
}
