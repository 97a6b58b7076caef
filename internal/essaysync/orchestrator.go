// Package essaysync reconciles the local writer state with the essay backend. It chooses the
// data source when a writer session starts, delivers pending changes and writing steps on a
// fixed interval and sends the final content when the writer leaves.
package essaysync

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/longessay/writer-agent/internal/backend"
	"github.com/longessay/writer-agent/internal/clock"
	"github.com/longessay/writer-agent/internal/entity"
	"github.com/longessay/writer-agent/internal/storage"
	"github.com/longessay/writer-agent/internal/stores"
)

// StoreSync is the notification name of orchestrator state changes.
const StoreSync = "sync"

const (
	defaultSyncInterval = 5 * time.Second
	defaultWaitTries    = 5
	defaultWaitInterval = time.Second
)

var (
	errMissingBackend = errors.New("essaysync: backend is required")
	errMissingStores  = errors.New("essaysync: stores are required")
	errMissingSession = errors.New("essaysync: session namespace is required")
	noOpLogger        = zap.NewNop()
)

// Backend is the part of the backend client used by the orchestrator.
type Backend interface {
	Credentials() backend.Credentials
	SetCredentials(credentials backend.Credentials)
	FileURL(resourceKey string) string
	GetData(ctx context.Context) (backend.DataPayload, backend.ResponseMeta, error)
	GetUpdate(ctx context.Context) (backend.UpdatePayload, backend.ResponseMeta, error)
	PutStart(ctx context.Context, startedServerSeconds int64) (backend.ResponseMeta, error)
	PutSteps(ctx context.Context, request backend.StepsRequest) (backend.ResponseMeta, error)
	PutChanges(ctx context.Context, request backend.ChangesRequest) (backend.ChangesResponse, backend.ResponseMeta, error)
	PutFinal(ctx context.Context, request backend.FinalRequest) (backend.ResponseMeta, error)
	PreloadFile(ctx context.Context, fileURL string) error
}

// Launch is the context handed over by the backend when the writer is opened. Empty fields
// fall back to the context stored by an earlier session.
type Launch struct {
	BackendURL     string `json:"backend_url"`
	ReturnURL      string `json:"return_url"`
	UserKey        string `json:"user_key"`
	EnvironmentKey string `json:"environment_key"`
	DataToken      string `json:"data_token"`
	// Hash is the content hash of the last submission known to the backend.
	Hash string `json:"hash"`
}

// InitOutcome is the data source chosen by Init.
type InitOutcome string

const (
	OutcomeInitFailure     InitOutcome = "init_failure"
	OutcomeLoadFromStorage InitOutcome = "load_from_storage"
	OutcomeLoadFromBackend InitOutcome = "load_from_backend"
	OutcomeConfirmReplace  InitOutcome = "confirm_replace"
	OutcomeConfirmReload   InitOutcome = "confirm_reload"
)

// Status is a snapshot of the orchestrator state shown to the writer.
type Status struct {
	Initialized             bool   `json:"initialized"`
	Review                  bool   `json:"review"`
	ShowInitFailure         bool   `json:"show_init_failure"`
	ShowReplaceConfirmation bool   `json:"show_replace_confirmation"`
	ShowReloadConfirmation  bool   `json:"show_reload_confirmation"`
	ShowFinalizeFailure     bool   `json:"show_finalize_failure"`
	ShowAuthorizeFailure    bool   `json:"show_authorize_failure"`
	IsSending               bool   `json:"is_sending"`
	IsAllSent               bool   `json:"is_all_sent"`
	OpenSendings            int    `json:"open_sendings"`
	PendingChanges          int    `json:"pending_changes"`
	LastSendingSuccess      int64  `json:"last_sending_success"`
	RemainingTime           int64  `json:"remaining_time"`
	HasRemainingTime        bool   `json:"has_remaining_time"`
	ReturnURL               string `json:"return_url"`
	// NavigateTo is set once the writer was finalized and has to leave to the return url.
	NavigateTo string `json:"navigate_to,omitempty"`
}

// Config wires the orchestrator.
type Config struct {
	Backend      Backend
	Stores       *stores.Set
	Session      storage.Namespace
	Clock        *clock.ServerClock
	Logger       *zap.Logger
	Notify       stores.Notifier
	SyncInterval time.Duration
	// WaitTries and WaitInterval bound how long a waiting change delivery waits for a running one.
	WaitTries    int
	WaitInterval time.Duration
}

// Orchestrator owns the reconciliation state machine and the periodic synchronization.
type Orchestrator struct {
	backend      Backend
	stores       *stores.Set
	session      *sessionStore
	clock        *clock.ServerClock
	logger       *zap.Logger
	notify       stores.Notifier
	syncInterval time.Duration
	waitTries    int
	waitInterval time.Duration

	// sending guards change delivery and update polling, steps guards writing step delivery.
	// A guard holds at most one token; a failed acquire means an attempt is in flight.
	sending chan struct{}
	steps   chan struct{}

	mu        sync.Mutex
	state     Status
	pending   backend.Credentials
	preloaded bool
}

// New constructs an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Backend == nil {
		return nil, errMissingBackend
	}
	if cfg.Stores == nil {
		return nil, errMissingStores
	}
	if cfg.Session == nil {
		return nil, errMissingSession
	}
	serverClock := cfg.Clock
	if serverClock == nil {
		serverClock = clock.New(nil)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	notify := cfg.Notify
	if notify == nil {
		notify = func(string, ...string) {}
	}
	syncInterval := cfg.SyncInterval
	if syncInterval <= 0 {
		syncInterval = defaultSyncInterval
	}
	waitTries := cfg.WaitTries
	if waitTries <= 0 {
		waitTries = defaultWaitTries
	}
	waitInterval := cfg.WaitInterval
	if waitInterval <= 0 {
		waitInterval = defaultWaitInterval
	}
	return &Orchestrator{
		backend:      cfg.Backend,
		stores:       cfg.Stores,
		session:      &sessionStore{namespace: cfg.Session, logger: logger},
		clock:        serverClock,
		logger:       logger,
		notify:       notify,
		syncInterval: syncInterval,
		waitTries:    waitTries,
		waitInterval: waitInterval,
		sending:      make(chan struct{}, 1),
		steps:        make(chan struct{}, 1),
	}, nil
}

// Init decides where the session data is loaded from. A changed user or environment requires
// a load from the backend, which has to be confirmed when unsent local data would be replaced.
// In the same context the stored data is kept when it matches the last submission known to the
// backend or when it has unsent edits.
func (o *Orchestrator) Init(ctx context.Context, launch Launch) InitOutcome {
	stored := o.session.load(ctx)
	o.clock.SetOffset(stored.TimeOffset)

	credentials := stored.Credentials
	returnURL := stored.ReturnURL
	newContext := false
	if launch.UserKey != "" && launch.UserKey != credentials.UserKey {
		credentials.UserKey = launch.UserKey
		newContext = true
	}
	if launch.EnvironmentKey != "" && launch.EnvironmentKey != credentials.EnvironmentKey {
		credentials.EnvironmentKey = launch.EnvironmentKey
		newContext = true
	}
	if launch.BackendURL != "" {
		credentials.BackendURL = launch.BackendURL
	}
	if launch.ReturnURL != "" {
		returnURL = launch.ReturnURL
	}
	if launch.DataToken != "" {
		credentials.DataToken = launch.DataToken
	}

	o.mu.Lock()
	o.state = Status{ReturnURL: returnURL}
	o.pending = credentials
	o.preloaded = false
	o.mu.Unlock()
	o.backend.SetCredentials(credentials)

	if !credentials.Complete() || returnURL == "" {
		o.logger.Warn("writer launch context incomplete",
			zap.Bool("has_backend_url", credentials.BackendURL != ""),
			zap.Bool("has_return_url", returnURL != ""),
			zap.Bool("has_user_key", credentials.UserKey != ""),
			zap.Bool("has_environment_key", credentials.EnvironmentKey != ""),
			zap.Bool("has_data_token", credentials.DataToken != ""))
		o.update(func(state *Status) { state.ShowInitFailure = true })
		return OutcomeInitFailure
	}

	unsent := o.hasUnsentData(ctx)
	var outcome InitOutcome
	switch {
	case newContext && unsent:
		outcome = OutcomeConfirmReplace
	case newContext:
		outcome = OutcomeLoadFromBackend
	case launch.Hash != "" && o.stores.Essay.HasHashInStorage(ctx, launch.Hash):
		outcome = OutcomeLoadFromStorage
	case launch.Hash != "" && unsent:
		outcome = OutcomeConfirmReload
	case launch.Hash != "":
		outcome = OutcomeLoadFromBackend
	case unsent:
		outcome = OutcomeLoadFromStorage
	default:
		// No submission on the server and nothing unsent locally: the backend is authoritative.
		outcome = OutcomeLoadFromBackend
	}
	o.logger.Info("writer session initializing",
		zap.String("outcome", string(outcome)),
		zap.Bool("new_context", newContext),
		zap.Bool("has_server_hash", launch.Hash != ""),
		zap.Bool("unsent", unsent))

	switch outcome {
	case OutcomeConfirmReplace:
		o.update(func(state *Status) { state.ShowReplaceConfirmation = true })
	case OutcomeConfirmReload:
		o.update(func(state *Status) { state.ShowReloadConfirmation = true })
	case OutcomeLoadFromStorage:
		o.LoadDataFromStorage(ctx)
	case OutcomeLoadFromBackend:
		o.LoadDataFromBackend(ctx)
	}
	return outcome
}

// ConfirmReplace continues an Init that waits for the confirmation to replace the local data of
// another user or task.
func (o *Orchestrator) ConfirmReplace(ctx context.Context) bool {
	o.mu.Lock()
	waiting := o.state.ShowReplaceConfirmation
	o.state.ShowReplaceConfirmation = false
	o.mu.Unlock()
	if !waiting {
		return false
	}
	return o.LoadDataFromBackend(ctx)
}

// ConfirmReload continues an Init that waits for the confirmation to reload the data of the
// same task from the backend.
func (o *Orchestrator) ConfirmReload(ctx context.Context) bool {
	o.mu.Lock()
	waiting := o.state.ShowReloadConfirmation
	o.state.ShowReloadConfirmation = false
	o.mu.Unlock()
	if !waiting {
		return false
	}
	return o.LoadDataFromBackend(ctx)
}

// LoadDataFromStorage restores every store from local storage and checks the backend for updates.
func (o *Orchestrator) LoadDataFromStorage(ctx context.Context) {
	o.persistSession(ctx)

	set := o.stores
	set.Settings.LoadFromStorage(ctx)
	set.Task.LoadFromStorage(ctx)
	set.Resources.LoadFromStorage(ctx)
	set.Essay.LoadFromStorage(ctx)
	set.Notes.LoadFromStorage(ctx)
	set.Notes.PrepareNotes(ctx, set.Settings.Current().NoticeBoards)
	set.Alerts.LoadFromStorage(ctx)
	set.Preferences.LoadFromStorage(ctx)
	set.Annotations.LoadFromStorage(ctx)
	set.Changes.LoadFromStorage(ctx)

	o.LoadUpdateFromBackend(ctx)
	o.update(func(state *Status) { state.Initialized = true })
}

// LoadDataFromBackend replaces all local data with the bootstrap data of the backend.
// It reports false and shows the init failure when the data could not be loaded.
func (o *Orchestrator) LoadDataFromBackend(ctx context.Context) bool {
	o.persistSession(ctx)

	data, meta, err := o.backend.GetData(ctx)
	if err != nil {
		o.logError("load_data_from_backend", "get_data_failed", err)
		o.update(func(state *Status) { state.ShowInitFailure = true })
		return false
	}
	o.applyResponseMeta(ctx, meta)

	set := o.stores
	set.Settings.LoadFromData(ctx, data.Settings)
	set.Task.LoadFromData(ctx, data.Task)
	set.Resources.LoadFromData(ctx, data.Resources, o.backend.FileURL)
	set.Essay.LoadFromData(ctx, data.Essay)
	set.Notes.LoadFromData(ctx, data.Notes)
	set.Notes.PrepareNotes(ctx, data.Settings.NoticeBoards)
	set.Annotations.LoadFromData(ctx, data.Annotations)
	if data.Preferences != nil {
		set.Preferences.LoadFromData(ctx, *data.Preferences)
	} else {
		set.Preferences.ClearStorage(ctx)
	}
	set.Alerts.ClearStorage(ctx)
	if err := set.Changes.ClearStorage(ctx); err != nil {
		o.logError("load_data_from_backend", "clear_changes_failed", err)
	}

	if data.Essay.Started == 0 && !o.SendStart(ctx) {
		return false
	}
	o.update(func(state *Status) { state.Initialized = true })
	return true
}

// SendStart tells the backend that writing has started.
func (o *Orchestrator) SendStart(ctx context.Context) bool {
	started := o.clock.ServerNow()
	meta, err := o.backend.PutStart(ctx, started)
	if err != nil {
		o.logError("send_start", "put_start_failed", err)
		o.update(func(state *Status) { state.ShowInitFailure = true })
		return false
	}
	o.applyResponseMeta(ctx, meta)
	o.stores.Essay.SetStarted(ctx, started)
	return true
}

// LoadUpdateFromBackend polls the task and alert updates. It does not run while a change
// delivery or another poll is in flight.
func (o *Orchestrator) LoadUpdateFromBackend(ctx context.Context) bool {
	if !acquire(o.sending) {
		return false
	}
	o.publish()
	defer o.releaseAndPublish(o.sending)

	update, meta, err := o.backend.GetUpdate(ctx)
	if err != nil {
		o.logError("load_update_from_backend", "get_update_failed", err)
		return false
	}
	o.applyResponseMeta(ctx, meta)
	o.stores.Task.LoadFromUpdate(ctx, update.Task)
	o.stores.Alerts.LoadFromData(ctx, update.Alerts, true)
	o.checkReview()
	return true
}

// SaveWritingSteps delivers the unsent writing steps of the essay.
func (o *Orchestrator) SaveWritingSteps(ctx context.Context) bool {
	if !acquire(o.steps) {
		return false
	}
	o.publish()
	defer o.releaseAndPublish(o.steps)

	steps := o.stores.Essay.UnsentHistory()
	if len(steps) == 0 {
		return true
	}
	meta, err := o.backend.PutSteps(ctx, backend.StepsRequest{Steps: steps})
	if err != nil {
		o.logError("save_writing_steps", "put_steps_failed", err, zap.Int("steps", len(steps)))
		return false
	}
	o.applyResponseMeta(ctx, meta)
	o.stores.Essay.MarkStepsSent(ctx, steps)
	return true
}

// SaveChangesToBackend delivers the pending changes. With wait it waits a bounded time for a
// running delivery to finish, otherwise it gives up at once. Changes made after the delivery
// started stay pending.
func (o *Orchestrator) SaveChangesToBackend(ctx context.Context, wait bool) bool {
	if wait {
		for tries := 0; tries < o.waitTries && busy(o.sending); tries++ {
			select {
			case <-ctx.Done():
				return false
			case <-time.After(o.waitInterval):
			}
		}
	}
	if !acquire(o.sending) {
		return false
	}
	o.publish()
	defer o.releaseAndPublish(o.sending)

	if o.stores.Changes.CountChanges() == 0 {
		return true
	}

	sendingTime := o.clock.NowMs()
	request := backend.ChangesRequest{
		Notes:       o.stores.Notes.GetChangedData(ctx, sendingTime),
		Preferences: o.stores.Preferences.GetChangedData(ctx, sendingTime),
		Annotations: o.stores.Annotations.GetChangedData(ctx, sendingTime),
	}
	if request.Empty() {
		return true
	}
	response, meta, err := o.backend.PutChanges(ctx, request)
	if err != nil {
		o.logError("save_changes_to_backend", "put_changes_failed", err,
			zap.Int("notes", len(request.Notes)),
			zap.Int("preferences", len(request.Preferences)),
			zap.Int("annotations", len(request.Annotations)))
		return false
	}
	o.applyResponseMeta(ctx, meta)
	for _, changeType := range entity.ChangeTypes {
		if err := o.stores.Changes.SetChangesSent(ctx, changeType, response[changeType], sendingTime); err != nil {
			o.logError("save_changes_to_backend", "set_changes_sent_failed", err,
				zap.String("type", string(changeType)))
		}
	}
	return true
}

// Finalize sends the final content when the writer leaves. The content is only sent when the
// writer authorizes it or unsent writing steps exist. On failure the local data is kept and the
// review is shown; on success all local data is removed and the writer navigates to the return url.
func (o *Orchestrator) Finalize(ctx context.Context, authorize bool) bool {
	fail := func() bool {
		o.update(func(state *Status) {
			state.Review = true
			state.ShowFinalizeFailure = true
			state.ShowAuthorizeFailure = authorize
		})
		return false
	}

	o.stores.Notes.UpdateContent(ctx, true)
	if !o.SaveChangesToBackend(ctx, true) || o.stores.Changes.CountChanges() > 0 {
		o.logError("finalize", "pending_changes", nil, zap.Int("pending", o.stores.Changes.CountChanges()))
		return fail()
	}

	essay := o.stores.Essay
	if authorize || essay.OpenSendings() > 0 {
		meta, err := o.backend.PutFinal(ctx, backend.FinalRequest{
			Steps:      essay.UnsentHistory(),
			Content:    essay.StoredContent(),
			Hash:       essay.StoredHash(),
			Authorized: authorize,
		})
		if err != nil {
			o.logError("finalize", "put_final_failed", err, zap.Bool("authorize", authorize))
			return fail()
		}
		o.applyResponseMeta(ctx, meta)
	}

	o.stores.ClearAll(ctx)
	o.session.clear(ctx)
	o.update(func(state *Status) {
		state.Initialized = false
		state.Review = false
		state.ShowFinalizeFailure = false
		state.ShowAuthorizeFailure = false
		state.NavigateTo = state.ReturnURL
	})
	o.logger.Info("writer session finalized", zap.Bool("authorized", authorize))
	return true
}

// Retry resends the final content without authorizing it and keeps the writer on the review.
func (o *Orchestrator) Retry(ctx context.Context) bool {
	essay := o.stores.Essay
	meta, err := o.backend.PutFinal(ctx, backend.FinalRequest{
		Steps:      essay.UnsentHistory(),
		Content:    essay.StoredContent(),
		Hash:       essay.StoredHash(),
		Authorized: false,
	})
	success := err == nil
	if success {
		o.applyResponseMeta(ctx, meta)
		essay.SetAllSavingsSent(ctx)
	} else {
		o.logError("retry", "put_final_failed", err)
	}
	o.update(func(state *Status) {
		state.Review = true
		if !success {
			state.ShowFinalizeFailure = true
		}
	})
	return success
}

// SetReview shows or hides the review of the essay before the final submission.
func (o *Orchestrator) SetReview(review bool) {
	o.update(func(state *Status) {
		state.Review = review
		if !review {
			state.ShowFinalizeFailure = false
			state.ShowAuthorizeFailure = false
		}
	})
}

// Status returns a snapshot of the orchestrator state.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	status := o.state
	o.mu.Unlock()

	status.IsSending = busy(o.sending) || busy(o.steps)
	status.OpenSendings = o.stores.Essay.OpenSendings()
	status.PendingChanges = o.stores.Changes.CountChanges()
	status.LastSendingSuccess = o.stores.Changes.LastSendingSuccess()
	status.IsAllSent = !status.IsSending && status.OpenSendings+status.PendingChanges == 0
	status.RemainingTime, status.HasRemainingTime = o.stores.Task.RemainingTime()
	return status
}

// Initialized reports whether the session data is loaded.
func (o *Orchestrator) Initialized() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state.Initialized
}

// Run synchronizes with the backend on every interval until the context is done.
func (o *Orchestrator) Run(ctx context.Context) error {
	ticker := time.NewTicker(o.syncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if o.Initialized() {
				o.TimedSync(ctx)
			}
		}
	}
}

// TimedSync runs one synchronization round: writing steps and changes are pushed before
// updates are pulled.
func (o *Orchestrator) TimedSync(ctx context.Context) {
	o.preloadFiles(ctx)
	o.SaveWritingSteps(ctx)
	o.SaveChangesToBackend(ctx, false)
	o.LoadUpdateFromBackend(ctx)
	o.checkReview()
}

func (o *Orchestrator) preloadFiles(ctx context.Context) {
	o.mu.Lock()
	done := o.preloaded
	o.preloaded = true
	o.mu.Unlock()
	if done {
		return
	}
	for _, resource := range o.stores.Resources.FilesToLoad() {
		if err := o.backend.PreloadFile(ctx, resource.URL); err != nil {
			o.logError("preload_files", "preload_failed", err, zap.String("resource_key", resource.Key))
		}
	}
}

// checkReview shows the review once the writing end is reached or the writer was excluded.
func (o *Orchestrator) checkReview() {
	if !o.stores.Task.UpdateRemainingTime() {
		return
	}
	o.mu.Lock()
	changed := !o.state.Review && o.state.Initialized
	if changed {
		o.state.Review = true
	}
	o.mu.Unlock()
	if changed {
		o.publish()
	}
}

func (o *Orchestrator) hasUnsentData(ctx context.Context) bool {
	return o.stores.Essay.HasUnsentSavingsInStorage(ctx) ||
		o.stores.Changes.CountChanges() > 0 ||
		o.stores.Changes.HasChangesInStorage(ctx)
}

func (o *Orchestrator) persistSession(ctx context.Context) {
	o.mu.Lock()
	credentials := o.pending
	returnURL := o.state.ReturnURL
	o.mu.Unlock()
	o.backend.SetCredentials(credentials)
	o.session.save(ctx, sessionState{
		Credentials: credentials,
		ReturnURL:   returnURL,
		TimeOffset:  o.clock.Offset(),
	})
}

// applyResponseMeta takes over the server time and the tokens rotated by a response.
func (o *Orchestrator) applyResponseMeta(ctx context.Context, meta backend.ResponseMeta) {
	if meta.HasServerTime {
		o.clock.SetServerTime(meta.ServerTime)
	}
	if !meta.HasServerTime && meta.DataToken == "" && meta.FileToken == "" {
		return
	}
	credentials := o.backend.Credentials()
	o.mu.Lock()
	o.pending = credentials
	returnURL := o.state.ReturnURL
	o.mu.Unlock()
	o.session.save(ctx, sessionState{
		Credentials: credentials,
		ReturnURL:   returnURL,
		TimeOffset:  o.clock.Offset(),
	})
}

func (o *Orchestrator) update(apply func(state *Status)) {
	o.mu.Lock()
	apply(&o.state)
	o.mu.Unlock()
	o.publish()
}

func (o *Orchestrator) publish() {
	o.notify(StoreSync)
}

func (o *Orchestrator) releaseAndPublish(guard chan struct{}) {
	release(guard)
	o.publish()
}

func (o *Orchestrator) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", "essaysync."+operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	o.logger.Error("essay sync error", attrs...)
}

func acquire(guard chan struct{}) bool {
	select {
	case guard <- struct{}{}:
		return true
	default:
		return false
	}
}

func release(guard chan struct{}) {
	<-guard
}

func busy(guard chan struct{}) bool {
	return len(guard) > 0
}
