package task

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/relaymesh/relaymesh/pkg/task/store"
)

type fakeRepo struct {
	tasks    map[string]*store.TaskRecord
	statuses []store.TaskStatus
	claims   []string
	released []string
}

func newFakeRepo(tasks ...*store.TaskRecord) *fakeRepo {
	r := &fakeRepo{tasks: map[string]*store.TaskRecord{}}
	for _, t := range tasks {
		r.tasks[t.ID] = t
	}
	return r
}

func (r *fakeRepo) GetTask(ctx context.Context, id string) (*store.TaskRecord, error) {
	t, ok := r.tasks[id]
	if !ok {
		return nil, store.ErrTaskNotFound
	}
	cp := *t
	return &cp, nil
}

func (r *fakeRepo) UpdateStatus(ctx context.Context, id string, status store.TaskStatus, errMsg string) error {
	t, ok := r.tasks[id]
	if !ok {
		return store.ErrTaskNotFound
	}
	t.Status = string(status)
	t.ErrorMsg = errMsg
	r.statuses = append(r.statuses, status)
	return nil
}

func (r *fakeRepo) ClaimTask(ctx context.Context, id, instanceID string) error {
	t, ok := r.tasks[id]
	if !ok {
		return store.ErrTaskNotFound
	}
	t.ClaimedBy = instanceID
	t.Attempts++
	r.claims = append(r.claims, id)
	return nil
}

func (r *fakeRepo) ReleaseClaim(ctx context.Context, id string) error {
	if t, ok := r.tasks[id]; ok {
		t.ClaimedBy = ""
	}
	r.released = append(r.released, id)
	return nil
}

type fakeLocker struct {
	deny     bool
	held     map[string]bool
	releases []string
}

func newFakeLocker() *fakeLocker { return &fakeLocker{held: map[string]bool{}} }

func (l *fakeLocker) AcquireTaskLock(ctx context.Context, taskID string) (bool, error) {
	if l.deny {
		return false, nil
	}
	l.held[taskID] = true
	return true, nil
}

func (l *fakeLocker) ReleaseTaskLock(ctx context.Context, taskID string) error {
	delete(l.held, taskID)
	l.releases = append(l.releases, taskID)
	return nil
}

func (l *fakeLocker) InstanceID() string { return "inst-1" }

type fakeUploader struct {
	remote    map[string]bool
	uploadErr error
	uploads   []string
	skipList  bool
}

func newFakeUploader() *fakeUploader { return &fakeUploader{remote: map[string]bool{}} }

func (u *fakeUploader) Exists(ctx context.Context, remoteName string) (bool, error) {
	return u.remote[remoteName], nil
}

func (u *fakeUploader) Upload(ctx context.Context, localPath, remoteName string) error {
	if u.uploadErr != nil {
		return u.uploadErr
	}
	u.uploads = append(u.uploads, remoteName)
	if !u.skipList {
		u.remote[remoteName] = true
	}
	return nil
}

func (u *fakeUploader) List(ctx context.Context, prefix string) ([]string, error) {
	var names []string
	for name := range u.remote {
		names = append(names, name)
	}
	return names, nil
}

type fakeEnqueuer struct {
	downloads []string
	uploads   []string
}

func (e *fakeEnqueuer) EnqueueDownloadTask(ctx context.Context, taskID string, data map[string]any) error {
	e.downloads = append(e.downloads, taskID)
	return nil
}

func (e *fakeEnqueuer) EnqueueUploadTask(ctx context.Context, taskID string, data map[string]any) error {
	e.uploads = append(e.uploads, taskID)
	return nil
}

type fakeSource struct{ missing bool }

func (s *fakeSource) SourceExists(ctx context.Context, chatID, msgID int64) (bool, error) {
	return !s.missing, nil
}

func localFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "payload.mp4")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	return path
}

func downloadedTask(t *testing.T, id string) *store.TaskRecord {
	t.Helper()
	return &store.TaskRecord{
		ID:          id,
		ChatID:      100,
		MsgID:       5,
		SourceMsgID: 4,
		FileName:    id + ".mp4",
		LocalPath:   localFile(t, "data"),
		Status:      string(store.StatusDownloaded),
	}
}

func newTestManager(repo *fakeRepo, locks *fakeLocker, up *fakeUploader, q *fakeEnqueuer, src *fakeSource) *Manager {
	return NewManager(repo, locks, up, q, src, nil)
}

func TestQueueCounters(t *testing.T) {
	m := newTestManager(newFakeRepo(), newFakeLocker(), newFakeUploader(), &fakeEnqueuer{}, &fakeSource{})

	m.PushDownload("t1")
	m.PushDownload("t2")
	m.PushUpload("t3")
	if got := m.WaitingCount(); got != 3 {
		t.Fatalf("expected 3 waiting, got %d", got)
	}

	id, ok := m.NextDownload()
	if !ok || id != "t1" {
		t.Fatalf("expected t1, got (%s, %v)", id, ok)
	}
	// The downloader slot admits one task at a time.
	if _, ok := m.NextDownload(); ok {
		t.Fatal("second download dispatched while slot busy")
	}
	if got := m.ProcessingCount(); got != 1 {
		t.Errorf("expected 1 processing, got %d", got)
	}

	m.FinishDownload("t1")
	if id, ok := m.NextDownload(); !ok || id != "t2" {
		t.Errorf("expected t2 after slot freed, got (%s, %v)", id, ok)
	}

	if id, ok := m.NextUpload(); !ok || id != "t3" {
		t.Errorf("expected t3 from upload queue, got (%s, %v)", id, ok)
	}
}

func TestUploadTaskHappyPath(t *testing.T) {
	ctx := context.Background()
	rec := downloadedTask(t, "t1")
	repo := newFakeRepo(rec)
	locks := newFakeLocker()
	up := newFakeUploader()
	m := newTestManager(repo, locks, up, &fakeEnqueuer{}, &fakeSource{})

	if err := m.UploadTask(ctx, rec); err != nil {
		t.Fatalf("UploadTask failed: %v", err)
	}

	if repo.tasks["t1"].GetStatus() != store.StatusCompleted {
		t.Errorf("expected completed, got %s", repo.tasks["t1"].Status)
	}
	if len(up.uploads) != 1 || up.uploads[0] != "t1.mp4" {
		t.Errorf("upload not performed: %v", up.uploads)
	}

	// Lock, claim and local file are all released.
	if len(locks.releases) != 1 {
		t.Error("task lock not released")
	}
	if len(repo.released) != 1 {
		t.Error("claim not released")
	}
	if _, err := os.Stat(rec.LocalPath); !os.IsNotExist(err) {
		t.Error("local file not removed")
	}
	if got := m.ProcessingCount(); got != 0 {
		t.Errorf("upload still counted as in flight: %d", got)
	}
}

func TestUploadTaskLockedElsewhere(t *testing.T) {
	ctx := context.Background()
	rec := downloadedTask(t, "t1")
	repo := newFakeRepo(rec)
	locks := newFakeLocker()
	locks.deny = true
	m := newTestManager(repo, locks, newFakeUploader(), &fakeEnqueuer{}, &fakeSource{})

	if err := m.UploadTask(ctx, rec); !errors.Is(err, ErrTaskLocked) {
		t.Fatalf("expected ErrTaskLocked, got %v", err)
	}
	if len(repo.claims) != 0 {
		t.Error("claimed a task without holding its lock")
	}
}

func TestUploadTaskRemoteAlreadyPresent(t *testing.T) {
	ctx := context.Background()
	rec := downloadedTask(t, "t1")
	repo := newFakeRepo(rec)
	up := newFakeUploader()
	up.remote["t1.mp4"] = true
	m := newTestManager(repo, newFakeLocker(), up, &fakeEnqueuer{}, &fakeSource{})

	if err := m.UploadTask(ctx, rec); err != nil {
		t.Fatalf("UploadTask failed: %v", err)
	}
	if len(up.uploads) != 0 {
		t.Error("re-uploaded an object that already exists")
	}
	if repo.tasks["t1"].GetStatus() != store.StatusCompleted {
		t.Errorf("expected completed, got %s", repo.tasks["t1"].Status)
	}
}

func TestUploadTaskMissingLocalFile(t *testing.T) {
	ctx := context.Background()
	rec := downloadedTask(t, "t1")
	rec.LocalPath = filepath.Join(t.TempDir(), "gone.mp4")
	repo := newFakeRepo(rec)
	locks := newFakeLocker()
	m := newTestManager(repo, locks, newFakeUploader(), &fakeEnqueuer{}, &fakeSource{})

	if err := m.UploadTask(ctx, rec); err == nil {
		t.Fatal("expected failure for missing local file")
	}
	if repo.tasks["t1"].GetStatus() != store.StatusFailed {
		t.Errorf("expected failed, got %s", repo.tasks["t1"].Status)
	}
	if repo.tasks["t1"].ErrorMsg == "" {
		t.Error("failure cause not recorded")
	}
	// Cleanup still ran.
	if len(locks.releases) != 1 || len(repo.released) != 1 {
		t.Error("lock or claim leaked on the failure path")
	}
}

func TestUploadTaskFailedVerify(t *testing.T) {
	ctx := context.Background()
	rec := downloadedTask(t, "t1")
	repo := newFakeRepo(rec)
	up := newFakeUploader()
	up.skipList = true // the upload "succeeds" but the object never lands
	m := newTestManager(repo, newFakeLocker(), up, &fakeEnqueuer{}, &fakeSource{})

	if err := m.UploadTask(ctx, rec); err == nil {
		t.Fatal("expected verify failure")
	}
	if repo.tasks["t1"].GetStatus() != store.StatusFailed {
		t.Errorf("expected failed, got %s", repo.tasks["t1"].Status)
	}
}

func TestUploadTaskCancelled(t *testing.T) {
	ctx := context.Background()
	rec := downloadedTask(t, "t1")
	repo := newFakeRepo(rec)
	up := newFakeUploader()
	m := newTestManager(repo, newFakeLocker(), up, &fakeEnqueuer{}, &fakeSource{})

	m.Cancel("t1")
	if err := m.UploadTask(ctx, rec); err != nil {
		t.Fatalf("cancelled upload errored: %v", err)
	}
	if repo.tasks["t1"].GetStatus() != store.StatusCancelled {
		t.Errorf("expected cancelled, got %s", repo.tasks["t1"].Status)
	}
	if len(up.uploads) != 0 {
		t.Error("cancelled task was uploaded")
	}
}

func TestRetryTaskTerminalStates(t *testing.T) {
	ctx := context.Background()
	completed := downloadedTask(t, "t1")
	completed.Status = string(store.StatusCompleted)
	cancelled := downloadedTask(t, "t2")
	cancelled.Status = string(store.StatusCancelled)
	repo := newFakeRepo(completed, cancelled)
	m := newTestManager(repo, newFakeLocker(), newFakeUploader(), &fakeEnqueuer{}, &fakeSource{})

	res, err := m.RetryTask(ctx, "t1", "api")
	if err != nil {
		t.Fatalf("RetryTask failed: %v", err)
	}
	if res.Success || res.StatusCode != http.StatusBadRequest {
		t.Errorf("completed task retried: %+v", res)
	}

	res, err = m.RetryTask(ctx, "t2", "api")
	if err != nil {
		t.Fatalf("RetryTask failed: %v", err)
	}
	if res.Success || res.StatusCode != http.StatusBadRequest {
		t.Errorf("cancelled task retried: %+v", res)
	}

	res, err = m.RetryTask(ctx, "missing", "api")
	if err != nil {
		t.Fatalf("RetryTask failed: %v", err)
	}
	if res.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 for unknown task, got %+v", res)
	}
}

func TestRetryTaskContended(t *testing.T) {
	ctx := context.Background()
	rec := downloadedTask(t, "t1")
	repo := newFakeRepo(rec)
	locks := newFakeLocker()
	locks.deny = true
	m := newTestManager(repo, locks, newFakeUploader(), &fakeEnqueuer{}, &fakeSource{})

	res, err := m.RetryTask(ctx, "t1", "api")
	if err != nil {
		t.Fatalf("RetryTask failed: %v", err)
	}
	if res.StatusCode != http.StatusConflict {
		t.Errorf("expected 409 while locked elsewhere, got %+v", res)
	}
}

func TestRetryTaskSourceGone(t *testing.T) {
	ctx := context.Background()
	rec := downloadedTask(t, "t1")
	repo := newFakeRepo(rec)
	m := newTestManager(repo, newFakeLocker(), newFakeUploader(), &fakeEnqueuer{}, &fakeSource{missing: true})

	res, err := m.RetryTask(ctx, "t1", "api")
	if err != nil {
		t.Fatalf("RetryTask failed: %v", err)
	}
	if res.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 for deleted source, got %+v", res)
	}
}

func TestRetryTaskUploadPhase(t *testing.T) {
	ctx := context.Background()
	rec := downloadedTask(t, "t1")
	repo := newFakeRepo(rec)
	q := &fakeEnqueuer{}
	locks := newFakeLocker()
	m := newTestManager(repo, locks, newFakeUploader(), q, &fakeSource{})

	res, err := m.RetryTask(ctx, "t1", "api")
	if err != nil {
		t.Fatalf("RetryTask failed: %v", err)
	}
	if !res.Success || res.StatusCode != http.StatusOK {
		t.Fatalf("retry refused: %+v", res)
	}
	if len(q.uploads) != 1 || q.uploads[0] != "t1" {
		t.Errorf("downloaded task not re-enqueued as upload: %+v", q)
	}
	if len(locks.releases) != 1 {
		t.Error("task lock leaked")
	}
}

func TestRetryTaskFallsBackToDownload(t *testing.T) {
	ctx := context.Background()
	rec := downloadedTask(t, "t1")
	rec.LocalPath = filepath.Join(t.TempDir(), "gone.mp4")
	repo := newFakeRepo(rec)
	q := &fakeEnqueuer{}
	m := newTestManager(repo, newFakeLocker(), newFakeUploader(), q, &fakeSource{})

	res, err := m.RetryTask(ctx, "t1", "api")
	if err != nil {
		t.Fatalf("RetryTask failed: %v", err)
	}
	if !res.Success {
		t.Fatalf("retry refused: %+v", res)
	}
	if len(q.downloads) != 1 || len(q.uploads) != 0 {
		t.Errorf("missing local file should restart as download: %+v", q)
	}
	if repo.tasks["t1"].GetStatus() != store.StatusQueued {
		t.Errorf("expected queued before re-download, got %s", repo.tasks["t1"].Status)
	}
}

func TestReportStatus(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepo(downloadedTask(t, "t1"))
	m := newTestManager(repo, newFakeLocker(), newFakeUploader(), &fakeEnqueuer{}, &fakeSource{})

	if err := m.ReportStatus(ctx, "t1", StatusReport{Status: "uploading"}); err != nil {
		t.Fatalf("ReportStatus failed: %v", err)
	}
	if repo.tasks["t1"].GetStatus() != store.StatusUploading {
		t.Errorf("status not applied: %s", repo.tasks["t1"].Status)
	}

	if err := m.ReportStatus(ctx, "t1", StatusReport{Status: "sideways"}); err == nil {
		t.Error("unknown status accepted")
	}

	// A terminal report frees the slots the task occupies locally.
	m.PushDownload("t1")
	if _, ok := m.NextDownload(); !ok {
		t.Fatal("downloader slot not claimed")
	}
	err := m.ReportStatus(ctx, "t1", StatusReport{Status: "failed", Error: "remote gave up"})
	if err != nil {
		t.Fatalf("ReportStatus failed: %v", err)
	}
	if m.ProcessingCount() != 0 {
		t.Errorf("slot still held after terminal report: %d", m.ProcessingCount())
	}
	if repo.tasks["t1"].ErrorMsg != "remote gave up" {
		t.Errorf("error message lost: %q", repo.tasks["t1"].ErrorMsg)
	}
}
