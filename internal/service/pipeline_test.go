package service

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lzumixiny/volo8-test/internal/dingtalk"
	"github.com/lzumixiny/volo8-test/internal/image_client"
	"github.com/lzumixiny/volo8-test/internal/ml_client"
	"github.com/lzumixiny/volo8-test/internal/models"
)

type fakeSessions struct {
	updates []string
}

func (f *fakeSessions) Update(conversationID, webhookURL string, _ time.Time) {
	f.updates = append(f.updates, conversationID+"|"+webhookURL)
}

type mentionAlways bool

func (m mentionAlways) IsMentioned(models.InboundMessage) bool { return bool(m) }

type fakeFetcher struct {
	img *image_client.FetchedImage
	err error
}

func (f *fakeFetcher) Fetch(context.Context, string, string) (*image_client.FetchedImage, error) {
	return f.img, f.err
}

type fakeClassifier struct {
	preds []ml_client.Prediction
	err   error
	panic bool
}

func (f *fakeClassifier) Classify(context.Context, []byte, float64) ([]ml_client.Prediction, error) {
	if f.panic {
		panic("model exploded")
	}
	return f.preds, f.err
}

type fakeSender struct {
	mu      sync.Mutex
	replies []dingtalk.Reply
	err     error
}

func (f *fakeSender) Send(_ context.Context, _ string, r dingtalk.Reply) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies = append(f.replies, r)
	return f.err
}

type fakeNotifier struct {
	notified []*models.Detection
}

func (f *fakeNotifier) NotifyUnsafe(_ context.Context, d *models.Detection) error {
	f.notified = append(f.notified, d)
	return nil
}

type fakeRepo struct {
	mu      sync.Mutex
	byHash  map[string]*models.Detection
	details map[int64][]models.LockDetail
	nextID  int64
	saveErr error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{byHash: map[string]*models.Detection{}, details: map[int64][]models.LockDetail{}}
}

func (r *fakeRepo) SaveDetection(_ context.Context, d *models.Detection) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.saveErr != nil {
		return 0, r.saveErr
	}
	if existing, ok := r.byHash[d.ImageHash]; ok {
		d.ID = existing.ID
	} else {
		r.nextID++
		d.ID = r.nextID
	}
	r.byHash[d.ImageHash] = d
	r.details[d.ID] = append([]models.LockDetail(nil), d.LockPositions...)
	return d.ID, nil
}

func (r *fakeRepo) GetHistory(context.Context, int, int) ([]models.Detection, error) { return nil, nil }
func (r *fakeRepo) GetByID(context.Context, int64) (*models.Detection, error)       { return nil, nil }
func (r *fakeRepo) GetLockDetails(context.Context, int64) ([]models.LockDetailRecord, error) {
	return nil, nil
}
func (r *fakeRepo) GetStatistics(context.Context) (*models.Statistics, error) { return nil, nil }
func (r *fakeRepo) DeleteDetection(context.Context, int64) (bool, error)       { return false, nil }
func (r *fakeRepo) Ping(context.Context) error                                 { return nil }

func (r *fakeRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byHash)
}

func testImage(t *testing.T) *image_client.FetchedImage {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 64, 48))
	img.Set(3, 3, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return &image_client.FetchedImage{Data: buf.Bytes(), Image: img, Format: "png"}
}

type harness struct {
	pipeline   *Pipeline
	sessions   *fakeSessions
	fetcher    *fakeFetcher
	classifier *fakeClassifier
	repo       *fakeRepo
	sender     *fakeSender
	notifier   *fakeNotifier
}

func newHarness(t *testing.T, mentioned bool) *harness {
	h := &harness{
		sessions:   &fakeSessions{},
		fetcher:    &fakeFetcher{img: testImage(t)},
		classifier: &fakeClassifier{},
		repo:       newFakeRepo(),
		sender:     &fakeSender{},
		notifier:   &fakeNotifier{},
	}
	h.pipeline = NewPipeline(
		h.sessions,
		mentionAlways(mentioned),
		h.fetcher,
		NewDetector(h.classifier, 0.5),
		h.repo,
		h.sender,
		h.notifier,
		PipelineConfig{
			DownloadTimeout: time.Second,
			ClassifyTimeout: time.Second,
			ReplyTimeout:    time.Second,
			ReplyMaxEdge:    800,
			ReplyQuality:    85,
		},
		zap.NewNop(),
	)
	return h
}

func imageMessage() models.InboundMessage {
	return models.InboundMessage{
		ConversationID:   "cid-1",
		MsgID:            "msg-1",
		SenderID:         "u-1",
		SenderNick:       "Li",
		SessionWebhook:   "https://hook",
		SessionExpiresAt: time.Now().Add(time.Minute),
		Content:          "@机器人",
		Images:           []models.ImageRef{{URL: "http://img/1.png", DownloadCode: "c"}},
	}
}

func TestHandleMessage_Ignored(t *testing.T) {
	h := newHarness(t, false)
	res := h.pipeline.HandleMessage(context.Background(), imageMessage())

	assert.Equal(t, StageIgnored, res.Stage)
	assert.Empty(t, h.sender.replies)
	assert.Equal(t, []string{"cid-1|https://hook"}, h.sessions.updates)
}

func TestHandleMessage_NoImage(t *testing.T) {
	h := newHarness(t, true)
	msg := imageMessage()
	msg.Images = nil

	res := h.pipeline.HandleMessage(context.Background(), msg)

	assert.Equal(t, StageNoImage, res.Stage)
	assert.NoError(t, res.Err)
	require.Len(t, h.sender.replies, 1)
	assert.Equal(t, "图片检测提示", h.sender.replies[0].Title)
	assert.Zero(t, h.repo.count())
}

func TestHandleMessage_DownloadFailure(t *testing.T) {
	h := newHarness(t, true)
	h.fetcher.img = nil
	h.fetcher.err = image_client.ErrNetwork

	res := h.pipeline.HandleMessage(context.Background(), imageMessage())

	assert.Equal(t, StageFailed, res.Stage)
	assert.ErrorIs(t, res.Err, ErrDownload)
	require.Len(t, h.sender.replies, 1)
	assert.Equal(t, "图片下载失败", h.sender.replies[0].Title)
	assert.Zero(t, h.repo.count())
}

func TestHandleMessage_ProcessingFailure(t *testing.T) {
	for name, classifier := range map[string]*fakeClassifier{
		"error": {err: errors.New("model unavailable")},
		"panic": {panic: true},
	} {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, true)
			*h.classifier = *classifier

			res := h.pipeline.HandleMessage(context.Background(), imageMessage())

			assert.Equal(t, StageFailed, res.Stage)
			assert.ErrorIs(t, res.Err, ErrProcessing)
			require.Len(t, h.sender.replies, 1)
			assert.Equal(t, "处理错误", h.sender.replies[0].Title)
			assert.Zero(t, h.repo.count())
		})
	}
	h := newHarness(t, true)
	h.classifier.err = errors.New("model unavailable")
	h.pipeline.HandleMessage(context.Background(), imageMessage())
	assert.Contains(t, h.sender.replies[0].Content, "model unavailable")
}

func TestHandleMessage_UnsafeDetection(t *testing.T) {
	h := newHarness(t, true)
	h.classifier.preds = []ml_client.Prediction{
		{Class: "unlocked", Confidence: 0.93, X: 5, Y: 5, Width: 20, Height: 20},
		{Class: "locked", Confidence: 0.2},
	}

	res := h.pipeline.HandleMessage(context.Background(), imageMessage())

	assert.Equal(t, StageReplied, res.Stage)
	require.NotNil(t, res.Outcome)
	assert.Equal(t, 1, res.Outcome.TotalLocks)
	assert.Equal(t, 0, res.Outcome.LockedLocks)
	assert.Equal(t, 1, res.Outcome.UnlockedLocks)
	assert.False(t, res.Outcome.IsSafe)
	assert.InDelta(t, 0.93, res.Outcome.ConfidenceScore, 1e-9)

	require.Equal(t, 1, h.repo.count())
	assert.NotZero(t, res.DetectionID)
	for _, d := range h.repo.byHash {
		assert.False(t, d.IsSafe)
		assert.Equal(t, "msg-1", d.DingTalkMessageID)
		assert.Equal(t, "cid-1", d.GroupID)
		assert.Equal(t, "http://img/1.png", d.ImageURL)
	}
	assert.Len(t, h.repo.details[res.DetectionID], 1)

	require.Len(t, h.sender.replies, 1)
	reply := h.sender.replies[0]
	assert.Equal(t, dingtalk.ReplyMarkdown, reply.Kind)
	assert.Contains(t, reply.Content, "1. unlocked (置信度: 0.93)")
	assert.Contains(t, reply.Content, "data:image/jpeg;base64,")

	require.Len(t, h.notifier.notified, 1)
}

func TestHandleMessage_SameImageTwice(t *testing.T) {
	h := newHarness(t, true)
	h.classifier.preds = []ml_client.Prediction{{Class: "locked", Confidence: 0.9}}

	first := h.pipeline.HandleMessage(context.Background(), imageMessage())
	second := h.pipeline.HandleMessage(context.Background(), imageMessage())

	assert.Equal(t, first.DetectionID, second.DetectionID)
	assert.Equal(t, 1, h.repo.count())
	assert.Empty(t, h.notifier.notified)
}

func TestHandleMessage_PersistenceFailureStillReplies(t *testing.T) {
	h := newHarness(t, true)
	h.repo.saveErr = errors.New("disk full")
	h.classifier.preds = []ml_client.Prediction{{Class: "unlocked", Confidence: 0.8}}

	res := h.pipeline.HandleMessage(context.Background(), imageMessage())

	assert.ErrorIs(t, res.PersistErr, ErrPersistence)
	assert.Equal(t, StageReplied, res.Stage)
	assert.Zero(t, res.DetectionID)
	require.Len(t, h.sender.replies, 1)
	assert.Equal(t, "锁检测结果", h.sender.replies[0].Title)
	assert.Empty(t, h.notifier.notified)
}

func TestHandleMessage_ReplyFailureIsReported(t *testing.T) {
	h := newHarness(t, true)
	h.sender.err = dingtalk.ErrReplyRejected

	res := h.pipeline.HandleMessage(context.Background(), imageMessage())

	assert.ErrorIs(t, res.ReplyErr, dingtalk.ErrReplyRejected)
	assert.Equal(t, StagePersisted, res.Stage)
	assert.Len(t, h.sender.replies, 1)
}

func TestHandleMessage_UsesEventID(t *testing.T) {
	h := newHarness(t, false)
	res := h.pipeline.HandleMessage(WithEventID(context.Background(), "evt-1"), imageMessage())
	assert.Equal(t, "evt-1", res.EventID)

	res = h.pipeline.HandleMessage(context.Background(), imageMessage())
	assert.NotEmpty(t, res.EventID)
}

func TestDetectImage(t *testing.T) {
	h := newHarness(t, true)
	h.classifier.preds = []ml_client.Prediction{{Class: "unlocked", Confidence: 0.7, Width: 10, Height: 10}}

	res, err := h.pipeline.DetectImage(context.Background(), testImage(t).Data, "manual-user")
	require.NoError(t, err)
	assert.NotZero(t, res.DetectionID)
	assert.False(t, res.Outcome.IsSafe)
	assert.True(t, strings.HasPrefix(res.ImageHex, "ffd8"), "hex encoded jpeg")
	assert.Len(t, h.notifier.notified, 1)
	assert.Equal(t, "manual-user", h.notifier.notified[0].UserID)

	_, err = h.pipeline.DetectImage(context.Background(), []byte("nope"), "")
	assert.ErrorIs(t, err, image_client.ErrDecode)

	h.classifier.err = errors.New("boom")
	_, err = h.pipeline.DetectImage(context.Background(), testImage(t).Data, "")
	assert.ErrorIs(t, err, ErrProcessing)
}

func TestPreviewImage(t *testing.T) {
	h := newHarness(t, true)
	h.classifier.preds = []ml_client.Prediction{
		{Class: "locked", Confidence: 0.9, Width: 10, Height: 10},
		{Class: "unlocked", Confidence: 0.8, X: 5, Y: 5, Width: 10, Height: 10},
	}

	res, err := h.pipeline.PreviewImage(context.Background(), testImage(t).Data)
	require.NoError(t, err)
	require.Len(t, res.Outcome.LockDetails, 2)
	assert.False(t, res.Outcome.IsSafe)
	assert.Equal(t, []byte{0xff, 0xd8}, res.Image[:2])
	assert.Zero(t, h.repo.count(), "previews are not stored")
	assert.Empty(t, h.notifier.notified)

	_, err = h.pipeline.PreviewImage(context.Background(), []byte("nope"))
	assert.ErrorIs(t, err, image_client.ErrDecode)

	h.classifier.err = errors.New("boom")
	_, err = h.pipeline.PreviewImage(context.Background(), testImage(t).Data)
	assert.ErrorIs(t, err, ErrProcessing)
}
