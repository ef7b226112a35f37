package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// manualExecutor records submitted jobs and lets tests complete them.
type manualExecutor struct {
	mu        sync.Mutex
	reports   map[string]ReportFunc
	submitErr error
	submitted chan *Job
}

func newManualExecutor() *manualExecutor {
	return &manualExecutor{
		reports:   make(map[string]ReportFunc),
		submitted: make(chan *Job, 256),
	}
}

type manualHandle struct {
	id   string
	done chan struct{}
}

func (h *manualHandle) ID() string            { return h.id }
func (h *manualHandle) Done() <-chan struct{} { return h.done }
func (h *manualHandle) Err() error            { return nil }

func (e *manualExecutor) Submit(job *Job, report ReportFunc) (JobHandle, error) {
	e.mu.Lock()
	if e.submitErr != nil {
		err := e.submitErr
		e.mu.Unlock()
		return nil, err
	}
	e.reports[job.ID] = report
	e.mu.Unlock()
	e.submitted <- job
	return &manualHandle{id: job.ID, done: make(chan struct{})}, nil
}

func (e *manualExecutor) complete(t *testing.T, job *Job, err error) {
	t.Helper()
	e.mu.Lock()
	report, ok := e.reports[job.ID]
	delete(e.reports, job.ID)
	e.mu.Unlock()
	if !ok {
		t.Fatalf("job %s was not submitted", job.ID)
	}
	report(job, err)
}

func (e *manualExecutor) next(t *testing.T, kind JobKind) *Job {
	t.Helper()
	select {
	case job := <-e.submitted:
		if job.Kind != kind {
			t.Fatalf("submitted job kind = %s, want %s", job.Kind, kind)
		}
		return job
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s job", kind)
		return nil
	}
}

func setupCoordinator(t *testing.T, opts Options) (*Coordinator, *MemoryStore, *manualExecutor) {
	t.Helper()
	store := NewMemoryStore()
	exec := newManualExecutor()
	if opts.MaxCASRetries == 0 {
		opts.MaxCASRetries = 3
	}
	c := NewCoordinator(store, exec, opts)
	t.Cleanup(c.Close)
	return c, store, exec
}

func mustGet(t *testing.T, c *Coordinator, id string) *ModelRecord {
	t.Helper()
	rec, err := c.GetModel(context.Background(), id)
	if err != nil {
		t.Fatalf("GetModel(%s) error: %v", id, err)
	}
	return rec
}

func waitForState(t *testing.T, c *Coordinator, id string, want State) *ModelRecord {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		rec, err := c.store.Get(context.Background(), id)
		if err == nil && rec.State == want {
			return rec
		}
		if time.Now().After(deadline) {
			t.Fatalf("model %s never reached %s (last: %+v, err: %v)", id, want, rec, err)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// readyModel creates a model and drives it to ready.
func readyModel(t *testing.T, c *Coordinator, exec *manualExecutor) *ModelRecord {
	t.Helper()
	rec, err := c.CreateModel(context.Background(), ModelSpec{Name: "resnet", Version: "1"})
	if err != nil {
		t.Fatalf("CreateModel() error: %v", err)
	}
	job := exec.next(t, JobInitialize)
	exec.complete(t, job, nil)
	return waitForState(t, c, rec.ID, StateReady)
}

func TestCreateModel(t *testing.T) {
	c, _, exec := setupCoordinator(t, Options{})

	rec, err := c.CreateModel(context.Background(), ModelSpec{Name: "  bert  ", Metadata: map[string]string{"k": "v"}})
	if err != nil {
		t.Fatalf("CreateModel() error: %v", err)
	}
	if rec.State != StateRegistered {
		t.Errorf("State = %s, want registered", rec.State)
	}
	if rec.Name != "bert" {
		t.Errorf("Name = %q, want trimmed", rec.Name)
	}
	if rec.StateVersion != 1 {
		t.Errorf("StateVersion = %d, want 1", rec.StateVersion)
	}

	job := exec.next(t, JobInitialize)
	if job.Model.ID != rec.ID {
		t.Errorf("job model = %s, want %s", job.Model.ID, rec.ID)
	}
	got := waitForState(t, c, rec.ID, StateInitializing)
	if got.ActiveJobID != job.ID {
		t.Errorf("ActiveJobID = %s, want %s", got.ActiveJobID, job.ID)
	}
}

func TestCreateModelValidation(t *testing.T) {
	c, _, _ := setupCoordinator(t, Options{})
	for _, name := range []string{"", "   "} {
		_, err := c.CreateModel(context.Background(), ModelSpec{Name: name})
		if !errors.Is(err, ErrValidation) {
			t.Errorf("CreateModel(%q) error = %v, want validation", name, err)
		}
	}
}

func TestFullRoundTrip(t *testing.T) {
	c, _, exec := setupCoordinator(t, Options{})
	ctx := context.Background()

	rec := readyModel(t, c, exec)
	versions := []int64{rec.StateVersion}

	deploying, err := c.DeployModel(ctx, rec.ID)
	if err != nil {
		t.Fatalf("DeployModel() error: %v", err)
	}
	if deploying.State != StateDeploying {
		t.Errorf("State = %s, want deploying", deploying.State)
	}
	versions = append(versions, deploying.StateVersion)

	exec.complete(t, exec.next(t, JobDeploy), nil)
	deployed := waitForState(t, c, rec.ID, StateDeployed)
	versions = append(versions, deployed.StateVersion)
	if deployed.ActiveJobID != "" {
		t.Errorf("ActiveJobID = %q after completion", deployed.ActiveJobID)
	}

	undeploying, err := c.UndeployModel(ctx, rec.ID)
	if err != nil {
		t.Fatalf("UndeployModel() error: %v", err)
	}
	versions = append(versions, undeploying.StateVersion)

	exec.complete(t, exec.next(t, JobUndeploy), nil)
	final := waitForState(t, c, rec.ID, StateReady)
	versions = append(versions, final.StateVersion)

	for i := 1; i < len(versions); i++ {
		if versions[i] <= versions[i-1] {
			t.Fatalf("state versions not strictly increasing: %v", versions)
		}
	}
}

func TestDeployWhileInitializing(t *testing.T) {
	c, _, exec := setupCoordinator(t, Options{})
	rec, err := c.CreateModel(context.Background(), ModelSpec{Name: "m"})
	if err != nil {
		t.Fatal(err)
	}
	exec.next(t, JobInitialize)
	before := waitForState(t, c, rec.ID, StateInitializing)

	_, err = c.DeployModel(context.Background(), rec.ID)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("DeployModel() error = %v, want invalid transition", err)
	}
	after := mustGet(t, c, rec.ID)
	if after.State != StateInitializing || after.StateVersion != before.StateVersion {
		t.Errorf("record changed: before=%+v after=%+v", before, after)
	}
}

func TestDeleteWhileDeploying(t *testing.T) {
	c, _, exec := setupCoordinator(t, Options{})
	ctx := context.Background()
	rec := readyModel(t, c, exec)

	if _, err := c.DeployModel(ctx, rec.ID); err != nil {
		t.Fatal(err)
	}
	job := exec.next(t, JobDeploy)

	_, err := c.DeleteModel(ctx, rec.ID)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("DeleteModel() error = %v, want conflict", err)
	}

	exec.complete(t, job, nil)
	waitForState(t, c, rec.ID, StateDeployed)

	deleted, err := c.DeleteModel(ctx, rec.ID)
	if err != nil {
		t.Fatalf("DeleteModel() after completion error: %v", err)
	}
	if deleted.State != StateDeleted {
		t.Errorf("State = %s, want deleted", deleted.State)
	}

	if _, err := c.GetModel(ctx, rec.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetModel() after delete error = %v, want not found", err)
	}
	if _, err := c.DeployModel(ctx, rec.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("DeployModel() after delete error = %v, want not found", err)
	}
	if _, err := c.DeleteModel(ctx, rec.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second DeleteModel() error = %v, want not found", err)
	}
}

func TestJobFailureRecordsLastError(t *testing.T) {
	c, _, exec := setupCoordinator(t, Options{})
	ctx := context.Background()
	rec := readyModel(t, c, exec)

	if _, err := c.DeployModel(ctx, rec.ID); err != nil {
		t.Fatal(err)
	}
	exec.complete(t, exec.next(t, JobDeploy), errors.New("runtime unavailable"))
	failed := waitForState(t, c, rec.ID, StateFailed)
	if failed.LastError != "runtime unavailable" {
		t.Errorf("LastError = %q", failed.LastError)
	}

	// Redeploying from failed clears the error.
	redeploying, err := c.DeployModel(ctx, rec.ID)
	if err != nil {
		t.Fatalf("DeployModel() from failed error: %v", err)
	}
	if redeploying.LastError != "" {
		t.Errorf("LastError = %q after leaving failed", redeploying.LastError)
	}
	exec.complete(t, exec.next(t, JobDeploy), nil)
	waitForState(t, c, rec.ID, StateDeployed)
}

func TestInitFailure(t *testing.T) {
	c, _, exec := setupCoordinator(t, Options{})
	rec, err := c.CreateModel(context.Background(), ModelSpec{Name: "m"})
	if err != nil {
		t.Fatal(err)
	}
	exec.complete(t, exec.next(t, JobInitialize), errors.New("artifact missing"))
	failed := waitForState(t, c, rec.ID, StateFailed)
	if failed.LastError != "artifact missing" {
		t.Errorf("LastError = %q", failed.LastError)
	}
}

func TestJobTimeout(t *testing.T) {
	c, _, exec := setupCoordinator(t, Options{JobTimeout: 30 * time.Millisecond})
	ctx := context.Background()
	rec := readyModel(t, c, exec)

	if _, err := c.DeployModel(ctx, rec.ID); err != nil {
		t.Fatal(err)
	}
	job := exec.next(t, JobDeploy)

	failed := waitForState(t, c, rec.ID, StateFailed)
	if failed.LastError != LastErrorTimeout {
		t.Errorf("LastError = %q, want %q", failed.LastError, LastErrorTimeout)
	}

	// A late completion must not resurrect the model.
	exec.complete(t, job, nil)
	after := mustGet(t, c, rec.ID)
	if after.State != StateFailed || after.StateVersion != failed.StateVersion {
		t.Errorf("late completion changed record: %+v", after)
	}
}

func TestSubmitFailureFailsModel(t *testing.T) {
	c, _, exec := setupCoordinator(t, Options{})
	rec := readyModel(t, c, exec)

	exec.mu.Lock()
	exec.submitErr = ErrQueueFull
	exec.mu.Unlock()

	got, err := c.DeployModel(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("DeployModel() error = %v, want nil", err)
	}
	if got.State != StateFailed {
		t.Errorf("State = %s, want failed", got.State)
	}
	if got.LastError == "" {
		t.Error("LastError should describe the submit failure")
	}
}

func TestConcurrentTransitionsAreSerialized(t *testing.T) {
	c, _, exec := setupCoordinator(t, Options{})
	rec := readyModel(t, c, exec)

	const workers = 32
	var (
		wg        sync.WaitGroup
		succeeded atomic.Int32
		invalid   atomic.Int32
	)
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			var err error
			switch i % 3 {
			case 0:
				_, err = c.DeployModel(context.Background(), rec.ID)
			case 1:
				_, err = c.UndeployModel(context.Background(), rec.ID)
			default:
				_, err = c.DeployModel(context.Background(), rec.ID)
			}
			switch {
			case err == nil:
				succeeded.Add(1)
			case errors.Is(err, ErrInvalidTransition):
				invalid.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	if succeeded.Load() != 1 {
		t.Fatalf("succeeded = %d, want exactly 1", succeeded.Load())
	}
	if int(succeeded.Load()+invalid.Load()) != workers {
		t.Errorf("accounted = %d, want %d", succeeded.Load()+invalid.Load(), workers)
	}

	got := mustGet(t, c, rec.ID)
	if got.State != StateDeploying {
		t.Errorf("State = %s, want deploying", got.State)
	}
	if got.StateVersion != rec.StateVersion+1 {
		t.Errorf("StateVersion = %d, want %d", got.StateVersion, rec.StateVersion+1)
	}
}

func TestConcurrentDeleteAndDeploy(t *testing.T) {
	c, _, exec := setupCoordinator(t, Options{})
	rec := readyModel(t, c, exec)

	var wg sync.WaitGroup
	var deployErr, deleteErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, deployErr = c.DeployModel(context.Background(), rec.ID)
	}()
	go func() {
		defer wg.Done()
		_, deleteErr = c.DeleteModel(context.Background(), rec.ID)
	}()
	wg.Wait()

	got, err := c.store.Get(context.Background(), rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	switch got.State {
	case StateDeleted:
		if deleteErr != nil {
			t.Errorf("delete won but returned %v", deleteErr)
		}
		if !errors.Is(deployErr, ErrNotFound) {
			t.Errorf("deploy after delete error = %v, want not found", deployErr)
		}
	case StateDeploying:
		if deployErr != nil {
			t.Errorf("deploy won but returned %v", deployErr)
		}
		if !errors.Is(deleteErr, ErrConflict) {
			t.Errorf("delete during deploy error = %v, want conflict", deleteErr)
		}
	default:
		t.Fatalf("unexpected state %s", got.State)
	}
}

// flakyStore fails the first n compare-and-swaps with ConcurrentModification.
type flakyStore struct {
	*MemoryStore
	mu       sync.Mutex
	failures int
}

func (s *flakyStore) CASUpdate(ctx context.Context, id string, expected int64, rec *ModelRecord) error {
	s.mu.Lock()
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return NewConcurrentModificationError(id, expected)
	}
	s.mu.Unlock()
	return s.MemoryStore.CASUpdate(ctx, id, expected, rec)
}

func TestCASRetry(t *testing.T) {
	tests := []struct {
		name     string
		failures int
		wantErr  error
	}{
		{"recovers within budget", 2, nil},
		{"exhausts budget", 10, ErrConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &flakyStore{MemoryStore: NewMemoryStore()}
			c := NewCoordinator(store, newManualExecutor(), Options{MaxCASRetries: 3})
			defer c.Close()

			now := time.Now().UTC()
			rec := &ModelRecord{ID: "m-1", Name: "m", State: StateReady, StateVersion: 4, CreatedAt: now, UpdatedAt: now}
			if err := store.Create(context.Background(), rec); err != nil {
				t.Fatal(err)
			}
			store.failures = tt.failures

			_, err := c.DeleteModel(context.Background(), rec.ID)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("DeleteModel() error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("DeleteModel() error = %v, want %v", err, tt.wantErr)
			}
			if !errors.Is(err, &Error{Kind: KindConflict, Code: ErrCodeRetriesExhausted}) {
				t.Errorf("expected retries exhausted code, got %v", err)
			}
			got, _ := store.Get(context.Background(), rec.ID)
			if got.State != StateReady || got.StateVersion != 4 {
				t.Errorf("record mutated: %+v", got)
			}
		})
	}
}

func TestListModels(t *testing.T) {
	c, _, exec := setupCoordinator(t, Options{DefaultListLimit: 2, MaxListLimit: 3})
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		rec, err := c.CreateModel(ctx, ModelSpec{Name: fmt.Sprintf("m-%d", i)})
		if err != nil {
			t.Fatal(err)
		}
		exec.complete(t, exec.next(t, JobInitialize), nil)
		waitForState(t, c, rec.ID, StateReady)
		ids = append(ids, rec.ID)
	}
	if _, err := c.DeleteModel(ctx, ids[1]); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		offset  int
		limit   int
		want    int
		wantErr error
	}{
		{"default limit", 0, 0, 2, nil},
		{"capped limit", 0, 50, 3, nil},
		{"offset", 2, 10, 2, nil},
		{"past end", 10, 10, 0, nil},
		{"negative offset", -1, 10, 0, ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recs, err := c.ListModels(ctx, tt.offset, tt.limit)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if len(recs) != tt.want {
				t.Fatalf("len = %d, want %d", len(recs), tt.want)
			}
			for _, r := range recs {
				if r.State == StateDeleted {
					t.Errorf("deleted model %s listed", r.ID)
				}
			}
		})
	}
}

func TestUpdateModel(t *testing.T) {
	c, _, exec := setupCoordinator(t, Options{})
	ctx := context.Background()
	rec := readyModel(t, c, exec)

	name := "renamed"
	version := "2"
	got, err := c.UpdateModel(ctx, rec.ID, ModelPatch{Name: &name, Version: &version, Metadata: map[string]string{"owner": "ml"}})
	if err != nil {
		t.Fatalf("UpdateModel() error: %v", err)
	}
	if got.Name != name || got.Version != version || got.Metadata["owner"] != "ml" {
		t.Errorf("unexpected record: %+v", got)
	}
	if got.State != StateReady {
		t.Errorf("State = %s, update must not change state", got.State)
	}
	if got.StateVersion <= rec.StateVersion {
		t.Errorf("StateVersion = %d, want > %d", got.StateVersion, rec.StateVersion)
	}

	empty := " "
	if _, err := c.UpdateModel(ctx, rec.ID, ModelPatch{Name: &empty}); !errors.Is(err, ErrValidation) {
		t.Errorf("empty name error = %v, want validation", err)
	}
	if _, err := c.UpdateModel(ctx, "missing", ModelPatch{Name: &name}); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing model error = %v, want not found", err)
	}

	before := mustGet(t, c, rec.ID).StateVersion
	if _, err := c.UpdateModel(ctx, rec.ID, ModelPatch{}); !errors.Is(err, ErrValidation) {
		t.Errorf("empty patch error = %v, want validation", err)
	}
	if got := mustGet(t, c, rec.ID).StateVersion; got != before {
		t.Errorf("StateVersion = %d after empty patch, want %d", got, before)
	}
}

func TestOperationsOnMissingModel(t *testing.T) {
	c, _, _ := setupCoordinator(t, Options{})
	ctx := context.Background()

	ops := map[string]func() error{
		"get":      func() error { _, err := c.GetModel(ctx, "nope"); return err },
		"deploy":   func() error { _, err := c.DeployModel(ctx, "nope"); return err },
		"undeploy": func() error { _, err := c.UndeployModel(ctx, "nope"); return err },
		"delete":   func() error { _, err := c.DeleteModel(ctx, "nope"); return err },
	}
	for name, op := range ops {
		t.Run(name, func(t *testing.T) {
			if err := op(); !errors.Is(err, ErrNotFound) {
				t.Errorf("error = %v, want not found", err)
			}
		})
	}
}

func TestUndeployRequiresDeployed(t *testing.T) {
	c, _, exec := setupCoordinator(t, Options{})
	rec := readyModel(t, c, exec)
	if _, err := c.UndeployModel(context.Background(), rec.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("UndeployModel() on ready error = %v, want invalid transition", err)
	}
}

type denyAdmission struct{ calls atomic.Int32 }

func (d *denyAdmission) AdmitDeploy(_ context.Context, _ *ModelRecord) error {
	d.calls.Add(1)
	return NewValidationError("denied by policy").WithCode(ErrCodePolicyDenied)
}

func TestDeployAdmission(t *testing.T) {
	adm := &denyAdmission{}
	c, _, exec := setupCoordinator(t, Options{Admission: adm})
	rec := readyModel(t, c, exec)

	_, err := c.DeployModel(context.Background(), rec.ID)
	if !errors.Is(err, &Error{Kind: KindValidation, Code: ErrCodePolicyDenied}) {
		t.Fatalf("DeployModel() error = %v, want policy denial", err)
	}
	if got := mustGet(t, c, rec.ID); got.State != StateReady {
		t.Errorf("State = %s, want ready", got.State)
	}

	// An invalid transition is reported before the policy runs.
	if _, err := c.UndeployModel(context.Background(), rec.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatal(err)
	}
	calls := adm.calls.Load()
	if _, err := c.DeleteModel(context.Background(), rec.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := c.DeployModel(context.Background(), rec.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want not found", err)
	}
	if adm.calls.Load() != calls {
		t.Error("admission consulted for a deleted model")
	}
}

// gatedAdmission blocks each decision until release is closed.
type gatedAdmission struct {
	entered chan struct{}
	release chan struct{}

	mu       sync.Mutex
	admitted []string
}

func newGatedAdmission() *gatedAdmission {
	return &gatedAdmission{entered: make(chan struct{}, 1), release: make(chan struct{})}
}

func (g *gatedAdmission) AdmitDeploy(_ context.Context, rec *ModelRecord) error {
	g.mu.Lock()
	g.admitted = append(g.admitted, rec.Name)
	g.mu.Unlock()
	select {
	case g.entered <- struct{}{}:
	default:
	}
	<-g.release
	return nil
}

// deployObserver records the model name at each deploy transition.
type deployObserver struct {
	mu    sync.Mutex
	names []string
}

func (o *deployObserver) ObserveTransition(_ context.Context, rec *ModelRecord, t Transition) {
	if t.Event != EventDeploy {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.names = append(o.names, rec.Name)
}

func TestDeployAdmissionHoldsModelLock(t *testing.T) {
	adm := newGatedAdmission()
	obs := &deployObserver{}
	c, _, exec := setupCoordinator(t, Options{Admission: adm, Observers: []TransitionObserver{obs}})
	ctx := context.Background()
	rec := readyModel(t, c, exec)

	deployed := make(chan error, 1)
	go func() {
		_, err := c.DeployModel(ctx, rec.ID)
		deployed <- err
	}()
	select {
	case <-adm.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("admission never consulted")
	}

	updated := make(chan error, 1)
	go func() {
		name := "forbidden"
		_, err := c.UpdateModel(ctx, rec.ID, ModelPatch{Name: &name})
		updated <- err
	}()
	select {
	case err := <-updated:
		t.Fatalf("update finished while admission was deciding: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	close(adm.release)
	if err := <-deployed; err != nil {
		t.Fatalf("DeployModel() error: %v", err)
	}
	if err := <-updated; err != nil {
		t.Fatalf("UpdateModel() error: %v", err)
	}

	adm.mu.Lock()
	admitted := append([]string(nil), adm.admitted...)
	adm.mu.Unlock()
	obs.mu.Lock()
	names := append([]string(nil), obs.names...)
	obs.mu.Unlock()

	if len(admitted) != 1 || len(names) != 1 {
		t.Fatalf("admitted %v, deployed %v", admitted, names)
	}
	if admitted[0] != names[0] || names[0] != "resnet" {
		t.Errorf("admitted %q but deployed %q", admitted[0], names[0])
	}
	got := mustGet(t, c, rec.ID)
	if got.Name != "forbidden" || got.State != StateDeploying {
		t.Errorf("after update: name %q state %s", got.Name, got.State)
	}
}

func TestHistory(t *testing.T) {
	c, _, exec := setupCoordinator(t, Options{})
	rec := readyModel(t, c, exec)

	ts, err := c.History(context.Background(), rec.ID, 0, 0)
	if err != nil {
		t.Fatalf("History() error: %v", err)
	}
	if len(ts) != 2 {
		t.Fatalf("len = %d, want 2", len(ts))
	}
	if ts[0].Event != EventInitialize || ts[1].To != StateReady {
		t.Errorf("unexpected history: %+v", ts)
	}
	if _, err := c.History(context.Background(), "missing", 0, 0); !errors.Is(err, ErrNotFound) {
		t.Errorf("History() missing error = %v", err)
	}
}

type storeWithoutHistory struct{ Store }

func TestHistoryUnsupported(t *testing.T) {
	c := NewCoordinator(storeWithoutHistory{NewMemoryStore()}, newManualExecutor(), Options{})
	defer c.Close()
	if _, err := c.History(context.Background(), "x", 0, 0); !errors.Is(err, ErrUnsupported) {
		t.Errorf("error = %v, want unsupported", err)
	}
}

func TestRecover(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()
	seed := []*ModelRecord{
		{ID: "a", Name: "a", State: StateDeploying, StateVersion: 3, ActiveJobID: "j-a", CreatedAt: now, UpdatedAt: now},
		{ID: "b", Name: "b", State: StateReady, StateVersion: 2, CreatedAt: now, UpdatedAt: now},
		{ID: "c", Name: "c", State: StateInitializing, StateVersion: 2, ActiveJobID: "j-c", CreatedAt: now, UpdatedAt: now},
	}
	for _, r := range seed {
		if err := store.Create(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	c := NewCoordinator(store, newManualExecutor(), Options{})
	defer c.Close()

	n, err := c.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover() error: %v", err)
	}
	if n != 2 {
		t.Errorf("recovered = %d, want 2", n)
	}
	for _, id := range []string{"a", "c"} {
		got, _ := store.Get(ctx, id)
		if got.State != StateFailed || got.LastError != LastErrorInterrupted {
			t.Errorf("%s: %+v", id, got)
		}
	}
	if got, _ := store.Get(ctx, "b"); got.State != StateReady {
		t.Errorf("b changed: %+v", got)
	}
}

func TestRecoverLeavesOtherInstancesJobs(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	execA := newManualExecutor()
	a := NewCoordinator(store, execA, Options{InstanceID: "instance-a", MaxCASRetries: 3})
	defer a.Close()
	b := NewCoordinator(store, newManualExecutor(), Options{InstanceID: "instance-b", MaxCASRetries: 3})
	defer b.Close()

	rec, err := a.CreateModel(ctx, ModelSpec{Name: "resnet", Version: "1"})
	if err != nil {
		t.Fatal(err)
	}
	initJob := execA.next(t, JobInitialize)
	if got := mustGet(t, a, rec.ID); got.JobOwner != "instance-a" {
		t.Fatalf("JobOwner = %q, want instance-a", got.JobOwner)
	}

	n, err := b.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover() error: %v", err)
	}
	if n != 0 {
		t.Errorf("recovered = %d, want 0", n)
	}
	if got := mustGet(t, a, rec.ID); got.State != StateInitializing {
		t.Fatalf("State = %s, want initializing", got.State)
	}

	execA.complete(t, initJob, nil)
	got := waitForState(t, a, rec.ID, StateReady)
	if got.JobOwner != "" || got.ActiveJobID != "" {
		t.Errorf("job not cleared: %+v", got)
	}

	if _, err := a.DeployModel(ctx, rec.ID); err != nil {
		t.Fatal(err)
	}
	execA.complete(t, execA.next(t, JobDeploy), nil)
	waitForState(t, a, rec.ID, StateDeployed)
}

func TestRecoverOwnership(t *testing.T) {
	const timeout = time.Minute
	ctx := context.Background()
	now := time.Now().UTC()
	stale := now.Add(-2 * timeout)

	tests := []struct {
		name    string
		owner   string
		updated time.Time
		want    State
	}{
		{name: "unowned", owner: "", updated: now, want: StateFailed},
		{name: "own job", owner: "self", updated: now, want: StateFailed},
		{name: "live peer", owner: "peer", updated: now, want: StateDeploying},
		{name: "orphaned peer", owner: "gone", updated: stale, want: StateFailed},
	}

	store := NewMemoryStore()
	for _, tt := range tests {
		rec := &ModelRecord{
			ID: tt.name, Name: tt.name, State: StateDeploying, StateVersion: 3,
			ActiveJobID: "j-" + tt.name, JobOwner: tt.owner,
			CreatedAt: tt.updated, UpdatedAt: tt.updated,
		}
		if err := store.Create(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}

	c := NewCoordinator(store, newManualExecutor(), Options{InstanceID: "self", JobTimeout: timeout})
	defer c.Close()

	n, err := c.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover() error: %v", err)
	}
	if n != 3 {
		t.Errorf("recovered = %d, want 3", n)
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.Get(ctx, tt.name)
			if err != nil {
				t.Fatal(err)
			}
			if got.State != tt.want {
				t.Errorf("State = %s, want %s", got.State, tt.want)
			}
			if tt.want == StateFailed && (got.LastError != LastErrorInterrupted || got.JobOwner != "") {
				t.Errorf("recovered record = %+v", got)
			}
		})
	}
}

type recordingObserver struct {
	mu sync.Mutex
	ts []Transition
}

func (o *recordingObserver) ObserveTransition(_ context.Context, _ *ModelRecord, t Transition) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ts = append(o.ts, t)
}

func TestObserversSeeTransitions(t *testing.T) {
	obs := &recordingObserver{}
	c, _, exec := setupCoordinator(t, Options{Observers: []TransitionObserver{obs}})
	readyModel(t, c, exec)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	if len(obs.ts) != 2 {
		t.Fatalf("observed %d transitions, want 2", len(obs.ts))
	}
	if obs.ts[0].From != StateRegistered || obs.ts[1].To != StateReady {
		t.Errorf("unexpected transitions: %+v", obs.ts)
	}
}
