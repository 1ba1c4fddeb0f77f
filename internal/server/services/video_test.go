package services

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/dmitrijs2005/vidstream/internal/common"
	"github.com/dmitrijs2005/vidstream/internal/dbx"
	"github.com/dmitrijs2005/vidstream/internal/logging"
	sc "github.com/dmitrijs2005/vidstream/internal/server/config"
	"github.com/dmitrijs2005/vidstream/internal/server/models"
	"github.com/dmitrijs2005/vidstream/internal/server/repositories/videos"
)

// --- helpers ---

func newSQLMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db, mock
}

type fakeVideosRepo struct {
	mu sync.Mutex

	byID         map[string]*models.Video
	byStorageKey map[string]*models.Video
	byFileName   map[string]*models.Video

	createErr error
	created   []*models.Video

	updateErr     error
	updates       []string // "id:from->to"
	markProcessed []string
	processedErr  error
	replaced      map[string][]models.VideoVariant
	replaceErr    error
	failed        []string
	failErr       error
}

func newFakeVideosRepo() *fakeVideosRepo {
	return &fakeVideosRepo{
		byID:         map[string]*models.Video{},
		byStorageKey: map[string]*models.Video{},
		byFileName:   map[string]*models.Video{},
		replaced:     map[string][]models.VideoVariant{},
	}
}

func (f *fakeVideosRepo) add(v *models.Video) {
	f.byID[v.ID] = v
	f.byStorageKey[v.StorageKey] = v
	f.byFileName[v.FileName] = v
}

func (f *fakeVideosRepo) Create(ctx context.Context, v *models.Video) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.created = append(f.created, v)
	f.add(v)
	return nil
}

// getters return copies under the lock so concurrent tests stay race-free
func (f *fakeVideosRepo) GetByID(ctx context.Context, id string) (*models.Video, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v, ok := f.byID[id]; ok {
		c := *v
		return &c, nil
	}
	return nil, common.ErrorNotFound
}

func (f *fakeVideosRepo) GetByStorageKey(ctx context.Context, key string) (*models.Video, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v, ok := f.byStorageKey[key]; ok {
		c := *v
		return &c, nil
	}
	return nil, common.ErrorNotFound
}

func (f *fakeVideosRepo) GetByFileName(ctx context.Context, fileName string) (*models.Video, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v, ok := f.byFileName[fileName]; ok {
		c := *v
		return &c, nil
	}
	return nil, common.ErrorNotFound
}

func (f *fakeVideosRepo) ListByStatus(ctx context.Context, status models.VideoStatus) ([]*models.Video, error) {
	var out []*models.Video
	for _, v := range f.byID {
		if v.Status == status {
			out = append(out, v)
		}
	}
	return out, nil
}

func (f *fakeVideosRepo) UpdateStatus(ctx context.Context, id string, from, to models.VideoStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return f.updateErr
	}
	f.updates = append(f.updates, id+":"+string(from)+"->"+string(to))
	v, ok := f.byID[id]
	if !ok || v.Status != from {
		return common.ErrVersionConflict
	}
	v.Status = to
	return nil
}

func (f *fakeVideosRepo) MarkProcessed(ctx context.Context, id, storageKey string, processedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.processedErr != nil {
		return f.processedErr
	}
	v, ok := f.byID[id]
	if !ok || v.Status != models.StatusProcessing {
		return common.ErrVersionConflict
	}
	v.Status = models.StatusProcessed
	v.StorageKey = storageKey
	v.ProcessedAt = &processedAt
	f.markProcessed = append(f.markProcessed, id)
	return nil
}

func (f *fakeVideosRepo) MarkFailed(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failErr != nil {
		return f.failErr
	}
	v, ok := f.byID[id]
	if !ok || v.Status == models.StatusProcessed {
		return common.ErrVersionConflict
	}
	v.Status = models.StatusFailed
	f.failed = append(f.failed, id)
	return nil
}

func (f *fakeVideosRepo) ReplaceVariants(ctx context.Context, id string, variants []models.VideoVariant) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.replaceErr != nil {
		return f.replaceErr
	}
	f.replaced[id] = variants
	if v, ok := f.byID[id]; ok {
		v.Variants = variants
	}
	return nil
}

type fakeRepoManager struct {
	videos *fakeVideosRepo
}

func (f *fakeRepoManager) RunMigrations(ctx context.Context, db *sql.DB) error { return nil }
func (f *fakeRepoManager) Videos(db dbx.DBTX) videos.Repository               { return f.videos }

type fakeStorage struct {
	mu sync.Mutex

	uploadURL string
	uploadErr error
	uploadKey string
	uploadCT  string

	downloadErr  error
	downloadKeys []string

	deleteErr  error
	deleted    []string
	deletedCh  chan string
}

func (f *fakeStorage) IssueUploadURL(ctx context.Context, key, contentType string, ttl time.Duration) (string, error) {
	f.uploadKey, f.uploadCT = key, contentType
	return f.uploadURL, f.uploadErr
}

func (f *fakeStorage) IssueDownloadURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if f.downloadErr != nil {
		return "", f.downloadErr
	}
	f.downloadKeys = append(f.downloadKeys, key)
	return "https://signed.example.com/" + key, nil
}

func (f *fakeStorage) DeleteObject(ctx context.Context, key string) error {
	f.mu.Lock()
	f.deleted = append(f.deleted, key)
	f.mu.Unlock()
	if f.deletedCh != nil {
		f.deletedCh <- key
	}
	return f.deleteErr
}

type fakePublisher struct {
	err       error
	published []string // "id|key"
}

func (f *fakePublisher) Publish(ctx context.Context, videoID, storageKey string) error {
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, videoID+"|"+storageKey)
	return nil
}

type nopLogger struct{}

func (nopLogger) Info(ctx context.Context, msg string, args ...any)  {}
func (nopLogger) Warn(ctx context.Context, msg string, args ...any)  {}
func (nopLogger) Error(ctx context.Context, msg string, args ...any) {}
func (n nopLogger) With(args ...any) logging.Logger                  { return n }

type svcEnv struct {
	svc       *VideoService
	repo      *fakeVideosRepo
	storage   *fakeStorage
	publisher *fakePublisher
	mock      sqlmock.Sqlmock
}

func newVideoServiceEnv(t *testing.T) *svcEnv {
	t.Helper()
	db, mock := newSQLMockDB(t)
	repo := newFakeVideosRepo()
	st := &fakeStorage{uploadURL: "https://signed.example.com/put"}
	pub := &fakePublisher{}
	cfg := &sc.Config{
		PublicBaseURL:  "http://cdn.example.com/",
		UploadURLTTL:   15 * time.Minute,
		DownloadURLTTL: time.Hour,
	}
	svc := NewVideoService(db, &fakeRepoManager{videos: repo}, cfg, st, pub, nopLogger{})
	return &svcEnv{svc: svc, repo: repo, storage: st, publisher: pub, mock: mock}
}

func addVideo(repo *fakeVideosRepo, id string, status models.VideoStatus) *models.Video {
	v := &models.Video{
		ID:         id,
		FileName:   "movie.mp4",
		StorageKey: "raw-videos/tok-" + id + "-movie.mp4",
		Status:     status,
		UploadedAt: time.Now(),
	}
	repo.add(v)
	return v
}

// --- RegisterUpload ---

func TestRegisterUpload(t *testing.T) {
	env := newVideoServiceEnv(t)

	video, url, err := env.svc.RegisterUpload(context.Background(), "movie.mp4", "video/mp4", "My movie", "desc")
	if err != nil {
		t.Fatalf("RegisterUpload err: %v", err)
	}
	if url != "https://signed.example.com/put" {
		t.Fatalf("unexpected url: %q", url)
	}
	if video.Status != models.StatusUploaded {
		t.Fatalf("status = %s, want UPLOADED", video.Status)
	}
	if !strings.HasPrefix(video.StorageKey, "raw-videos/") || !strings.HasSuffix(video.StorageKey, "-movie.mp4") {
		t.Fatalf("bad storage key: %q", video.StorageKey)
	}
	if env.storage.uploadKey != video.StorageKey || env.storage.uploadCT != "video/mp4" {
		t.Fatalf("presign got key=%q ct=%q", env.storage.uploadKey, env.storage.uploadCT)
	}
	if len(env.repo.created) != 1 {
		t.Fatalf("created %d records", len(env.repo.created))
	}
}

func TestRegisterUpload_CreateError(t *testing.T) {
	env := newVideoServiceEnv(t)
	env.repo.createErr = errors.New("db down")

	if _, _, err := env.svc.RegisterUpload(context.Background(), "movie.mp4", "video/mp4", "", ""); err == nil {
		t.Fatal("expected error")
	}
}

// --- MarkQueued / MarkProcessing ---

func TestMarkQueued_Transitions(t *testing.T) {
	tests := []struct {
		name    string
		status  models.VideoStatus
		wantErr error
	}{
		{"from uploaded", models.StatusUploaded, nil},
		{"duplicate queued", models.StatusQueued, common.ErrDuplicateEvent},
		{"duplicate processing", models.StatusProcessing, common.ErrDuplicateEvent},
		{"duplicate processed", models.StatusProcessed, common.ErrDuplicateEvent},
		{"from failed", models.StatusFailed, common.ErrInvalidTransition},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newVideoServiceEnv(t)
			addVideo(env.repo, "v1", tt.status)

			err := env.svc.MarkQueued(context.Background(), "v1")
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("unexpected err: %v", err)
				}
				if env.repo.byID["v1"].Status != models.StatusQueued {
					t.Fatalf("status = %s", env.repo.byID["v1"].Status)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestMarkQueued_NotFound(t *testing.T) {
	env := newVideoServiceEnv(t)
	if err := env.svc.MarkQueued(context.Background(), "missing"); !errors.Is(err, common.ErrorNotFound) {
		t.Fatalf("err = %v, want not found", err)
	}
}

func TestMarkProcessing(t *testing.T) {
	env := newVideoServiceEnv(t)
	addVideo(env.repo, "v1", models.StatusQueued)

	if err := env.svc.MarkProcessing(context.Background(), "v1"); err != nil {
		t.Fatalf("MarkProcessing err: %v", err)
	}
	if env.repo.byID["v1"].Status != models.StatusProcessing {
		t.Fatalf("status = %s", env.repo.byID["v1"].Status)
	}

	// redelivered callback is a recognized no-op
	if err := env.svc.MarkProcessing(context.Background(), "v1"); !errors.Is(err, common.ErrDuplicateEvent) {
		t.Fatalf("err = %v, want duplicate", err)
	}
}

func TestMarkProcessing_FromUploaded(t *testing.T) {
	env := newVideoServiceEnv(t)
	addVideo(env.repo, "v1", models.StatusUploaded)

	if err := env.svc.MarkProcessing(context.Background(), "v1"); !errors.Is(err, common.ErrInvalidTransition) {
		t.Fatalf("err = %v, want invalid transition", err)
	}
}

// --- CompleteProcessing ---

func TestCompleteProcessing(t *testing.T) {
	env := newVideoServiceEnv(t)
	v := addVideo(env.repo, "v1", models.StatusProcessing)
	env.storage.deletedCh = make(chan string, 1)

	env.mock.ExpectBegin()
	env.mock.ExpectCommit()

	variants := []models.VideoVariant{
		{Quality: "1080p", StorageKey: "processed-videos/v1/1080p.mp4", ContentType: "video/mp4"},
		{Quality: "720p", StorageKey: "processed-videos/v1/720p.mp4", ContentType: "video/mp4"},
	}
	rawKey := v.StorageKey

	if err := env.svc.CompleteProcessing(context.Background(), "v1", variants); err != nil {
		t.Fatalf("CompleteProcessing err: %v", err)
	}

	if v.Status != models.StatusProcessed {
		t.Fatalf("status = %s", v.Status)
	}
	if v.StorageKey != "processed-videos/v1" {
		t.Fatalf("storage key = %q", v.StorageKey)
	}
	if v.ProcessedAt == nil {
		t.Fatal("processed_at not set")
	}
	if got := env.repo.replaced["v1"]; len(got) != 2 {
		t.Fatalf("replaced %d variants", len(got))
	}
	if got := env.repo.replaced["v1"][0].URL; got != "http://cdn.example.com/processed-videos/v1/1080p.mp4" {
		t.Fatalf("variant url = %q", got)
	}

	select {
	case key := <-env.storage.deletedCh:
		if key != rawKey {
			t.Fatalf("deleted %q, want %q", key, rawKey)
		}
	case <-time.After(time.Second):
		t.Fatal("raw object was not deleted")
	}

	if err := env.mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
}

func TestCompleteProcessing_EmptyVariants(t *testing.T) {
	env := newVideoServiceEnv(t)
	addVideo(env.repo, "v1", models.StatusProcessing)

	err := env.svc.CompleteProcessing(context.Background(), "v1", nil)
	if !errors.Is(err, common.ErrEmptyVariants) {
		t.Fatalf("err = %v, want empty variants", err)
	}
	if env.repo.byID["v1"].Status != models.StatusProcessing {
		t.Fatalf("status changed to %s", env.repo.byID["v1"].Status)
	}
}

func TestCompleteProcessing_Duplicate(t *testing.T) {
	env := newVideoServiceEnv(t)
	addVideo(env.repo, "v1", models.StatusProcessed)

	err := env.svc.CompleteProcessing(context.Background(), "v1", []models.VideoVariant{{Quality: "720p"}})
	if !errors.Is(err, common.ErrDuplicateEvent) {
		t.Fatalf("err = %v, want duplicate", err)
	}
}

func TestCompleteProcessing_InvalidState(t *testing.T) {
	env := newVideoServiceEnv(t)
	addVideo(env.repo, "v1", models.StatusUploaded)

	err := env.svc.CompleteProcessing(context.Background(), "v1", []models.VideoVariant{{Quality: "720p"}})
	if !errors.Is(err, common.ErrInvalidTransition) {
		t.Fatalf("err = %v, want invalid transition", err)
	}
}

func TestCompleteProcessing_ReplaceErrorRollsBack(t *testing.T) {
	env := newVideoServiceEnv(t)
	addVideo(env.repo, "v1", models.StatusProcessing)
	env.repo.replaceErr = errors.New("insert failed")

	env.mock.ExpectBegin()
	env.mock.ExpectRollback()

	err := env.svc.CompleteProcessing(context.Background(), "v1", []models.VideoVariant{{Quality: "720p"}})
	if err == nil {
		t.Fatal("expected error")
	}
	if err := env.mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	if len(env.storage.deleted) != 0 {
		t.Fatal("raw object deleted despite rollback")
	}
}

// --- MarkFailed ---

func TestMarkFailed(t *testing.T) {
	for _, status := range []models.VideoStatus{
		models.StatusUploaded, models.StatusQueued, models.StatusProcessing,
	} {
		t.Run(string(status), func(t *testing.T) {
			env := newVideoServiceEnv(t)
			addVideo(env.repo, "v1", status)

			if err := env.svc.MarkFailed(context.Background(), "v1"); err != nil {
				t.Fatalf("MarkFailed err: %v", err)
			}
			if env.repo.byID["v1"].Status != models.StatusFailed {
				t.Fatalf("status = %s", env.repo.byID["v1"].Status)
			}
		})
	}
}

func TestMarkFailed_ProcessedIsGuarded(t *testing.T) {
	env := newVideoServiceEnv(t)
	addVideo(env.repo, "v1", models.StatusProcessed)

	if err := env.svc.MarkFailed(context.Background(), "v1"); !errors.Is(err, common.ErrInvalidTransition) {
		t.Fatalf("err = %v, want invalid transition", err)
	}
	if env.repo.byID["v1"].Status != models.StatusProcessed {
		t.Fatalf("recorded success overwritten: %s", env.repo.byID["v1"].Status)
	}
}

func TestMarkFailed_AlreadyFailed(t *testing.T) {
	env := newVideoServiceEnv(t)
	addVideo(env.repo, "v1", models.StatusFailed)

	if err := env.svc.MarkFailed(context.Background(), "v1"); !errors.Is(err, common.ErrDuplicateEvent) {
		t.Fatalf("err = %v, want duplicate", err)
	}
}

// --- DownloadLinks ---

func TestDownloadLinks_Processed(t *testing.T) {
	env := newVideoServiceEnv(t)
	v := addVideo(env.repo, "v1", models.StatusProcessed)
	v.Variants = []models.VideoVariant{
		{Quality: "1080p", StorageKey: "processed-videos/v1/1080p.mp4"},
		{Quality: "720p", StorageKey: "processed-videos/v1/720p.mp4"},
	}

	video, links, err := env.svc.DownloadLinks(context.Background(), "v1")
	if err != nil {
		t.Fatalf("DownloadLinks err: %v", err)
	}
	if video.ID != "v1" {
		t.Fatalf("video id = %q", video.ID)
	}
	if len(links) != 2 || links[0].Quality != "1080p" {
		t.Fatalf("links = %+v", links)
	}
	if links[1].URL != "https://signed.example.com/processed-videos/v1/720p.mp4" {
		t.Fatalf("url = %q", links[1].URL)
	}
}

func TestDownloadLinks_NotReady(t *testing.T) {
	env := newVideoServiceEnv(t)
	addVideo(env.repo, "v1", models.StatusProcessing)

	video, links, err := env.svc.DownloadLinks(context.Background(), "v1")
	if err != nil {
		t.Fatalf("DownloadLinks err: %v", err)
	}
	if links != nil {
		t.Fatalf("links = %+v, want nil while processing", links)
	}
	if video.Status != models.StatusProcessing {
		t.Fatalf("status = %s", video.Status)
	}
}

// --- HandleUploadCompleted ---

func TestHandleUploadCompleted(t *testing.T) {
	env := newVideoServiceEnv(t)
	v := addVideo(env.repo, "v1", models.StatusUploaded)

	id, err := env.svc.HandleUploadCompleted(context.Background(), v.StorageKey)
	if err != nil {
		t.Fatalf("HandleUploadCompleted err: %v", err)
	}
	if id != "v1" {
		t.Fatalf("id = %q", id)
	}
	if v.Status != models.StatusQueued {
		t.Fatalf("status = %s", v.Status)
	}
	if len(env.publisher.published) != 1 || env.publisher.published[0] != "v1|"+v.StorageKey {
		t.Fatalf("published = %v", env.publisher.published)
	}
}

func TestHandleUploadCompleted_Duplicate(t *testing.T) {
	env := newVideoServiceEnv(t)
	v := addVideo(env.repo, "v1", models.StatusQueued)

	_, err := env.svc.HandleUploadCompleted(context.Background(), v.StorageKey)
	if !errors.Is(err, common.ErrDuplicateEvent) {
		t.Fatalf("err = %v, want duplicate", err)
	}
	if len(env.publisher.published) != 0 {
		t.Fatal("duplicate event must not publish")
	}
}

func TestHandleUploadCompleted_FileNameFallback(t *testing.T) {
	env := newVideoServiceEnv(t)
	addVideo(env.repo, "v1", models.StatusUploaded)

	// a key that does not match the stored one exactly, but whose recovered
	// file name does
	id, err := env.svc.HandleUploadCompleted(context.Background(), "raw-videos/other-token-movie.mp4")
	if err != nil {
		t.Fatalf("HandleUploadCompleted err: %v", err)
	}
	if id != "v1" {
		t.Fatalf("id = %q", id)
	}
}

func TestHandleUploadCompleted_PublishFailureCompensates(t *testing.T) {
	env := newVideoServiceEnv(t)
	v := addVideo(env.repo, "v1", models.StatusUploaded)
	env.publisher.err = errors.New("broker down")

	_, err := env.svc.HandleUploadCompleted(context.Background(), v.StorageKey)
	if err == nil {
		t.Fatal("expected error")
	}
	if v.Status != models.StatusUploaded {
		t.Fatalf("status = %s, want compensated back to UPLOADED", v.Status)
	}
}

func TestHandleUploadCompleted_UnknownKey(t *testing.T) {
	env := newVideoServiceEnv(t)

	_, err := env.svc.HandleUploadCompleted(context.Background(), "raw-videos/tok-unknown.mp4")
	if !errors.Is(err, common.ErrorNotFound) {
		t.Fatalf("err = %v, want not found", err)
	}
}

// Concurrent deliveries of the same event collapse to one net transition and
// a single publish.
func TestHandleUploadCompleted_ConcurrentDeliveries(t *testing.T) {
	env := newVideoServiceEnv(t)
	v := addVideo(env.repo, "v1", models.StatusUploaded)

	const n = 8
	errs := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.svc.HandleUploadCompleted(context.Background(), v.StorageKey)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var ok, dup int
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, common.ErrDuplicateEvent):
			dup++
		default:
			t.Fatalf("unexpected err: %v", err)
		}
	}
	if ok != 1 || dup != n-1 {
		t.Fatalf("ok=%d dup=%d, want exactly one winner", ok, dup)
	}
	if v.Status != models.StatusQueued {
		t.Fatalf("status = %s", v.Status)
	}
}
