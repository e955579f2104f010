package service

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lzumixiny/volo8-test/internal/dingtalk"
	"github.com/lzumixiny/volo8-test/internal/image_client"
	"github.com/lzumixiny/volo8-test/internal/imaging"
	"github.com/lzumixiny/volo8-test/internal/models"
	"github.com/lzumixiny/volo8-test/internal/repository"
)

var (
	ErrDownload    = errors.New("image download failed")
	ErrProcessing  = errors.New("image processing failed")
	ErrPersistence = errors.New("detection persistence failed")
)

// Stage is the furthest point an event reached in the pipeline.
type Stage string

const (
	StageReceived      Stage = "received"
	StageAuthenticated Stage = "authenticated"
	StageParsed        Stage = "parsed"
	StageRelevant      Stage = "relevant"
	StageImageFetched  Stage = "image_fetched"
	StageDetected      Stage = "detected"
	StagePersisted     Stage = "persisted"
	StageReplied       Stage = "replied"
	StageIgnored       Stage = "ignored"
	StageNoImage       Stage = "no_image"
	StageFailed        Stage = "failed"
)

// EventResult reports how one inbound message was handled. Err is set for
// StageFailed and wraps ErrDownload or ErrProcessing. PersistErr and ReplyErr
// are independent of the stage.
type EventResult struct {
	EventID     string                   `json:"event_id"`
	Stage       Stage                    `json:"stage"`
	DetectionID int64                    `json:"detection_id,omitempty"`
	Outcome     *models.DetectionOutcome `json:"outcome,omitempty"`
	Err         error                    `json:"-"`
	PersistErr  error                    `json:"-"`
	ReplyErr    error                    `json:"-"`
}

// ImageFetcher downloads the image a message points at.
type ImageFetcher interface {
	Fetch(ctx context.Context, url, downloadCode string) (*image_client.FetchedImage, error)
}

// ReplySender delivers a reply into a conversation.
type ReplySender interface {
	Send(ctx context.Context, conversationID string, r dingtalk.Reply) error
}

// MentionDetector decides whether a message is addressed to the bot.
type MentionDetector interface {
	IsMentioned(msg models.InboundMessage) bool
}

// SessionUpdater records the reply channel carried by a message.
type SessionUpdater interface {
	Update(conversationID, webhookURL string, expiresAt time.Time)
}

// Notifier is told about every stored unsafe detection.
type Notifier interface {
	NotifyUnsafe(ctx context.Context, d *models.Detection) error
}

// PipelineConfig bounds the pipeline's network calls and reply rendering.
type PipelineConfig struct {
	DownloadTimeout time.Duration
	ClassifyTimeout time.Duration
	ReplyTimeout    time.Duration
	ReplyMaxEdge    int
	ReplyQuality    int
}

// Pipeline processes inbound messages from mention check to reply.
type Pipeline struct {
	sessions SessionUpdater
	mentions MentionDetector
	fetcher  ImageFetcher
	detector *Detector
	repo     repository.DetectionRepository
	sender   ReplySender
	notifier Notifier
	cfg      PipelineConfig
	logger   *zap.Logger
}

// NewPipeline wires a pipeline. notifier may be nil.
func NewPipeline(
	sessions SessionUpdater,
	mentions MentionDetector,
	fetcher ImageFetcher,
	detector *Detector,
	repo repository.DetectionRepository,
	sender ReplySender,
	notifier Notifier,
	cfg PipelineConfig,
	logger *zap.Logger,
) *Pipeline {
	return &Pipeline{
		sessions: sessions,
		mentions: mentions,
		fetcher:  fetcher,
		detector: detector,
		repo:     repo,
		sender:   sender,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger,
	}
}

type eventIDKey struct{}

// WithEventID attaches the id used in the pipeline's log lines.
func WithEventID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, eventIDKey{}, id)
}

func eventID(ctx context.Context) string {
	if id, ok := ctx.Value(eventIDKey{}).(string); ok && id != "" {
		return id
	}
	return uuid.NewString()
}

// HandleMessage runs an authenticated, parsed message through the pipeline.
// It never panics and sends at most one reply.
func (p *Pipeline) HandleMessage(ctx context.Context, msg models.InboundMessage) EventResult {
	result := EventResult{EventID: eventID(ctx), Stage: StageParsed}
	log := p.logger.With(
		zap.String("event_id", result.EventID),
		zap.String("msg_id", msg.MsgID),
		zap.String("conversation_id", msg.GroupID()),
	)

	conversation := msg.GroupID()
	if msg.SessionWebhook != "" && !msg.SessionExpiresAt.IsZero() {
		p.sessions.Update(conversation, msg.SessionWebhook, msg.SessionExpiresAt)
	}

	if !p.mentions.IsMentioned(msg) {
		log.Debug("Message does not mention the bot, ignoring")
		result.Stage = StageIgnored
		return result
	}
	result.Stage = StageRelevant

	if !msg.HasImages() {
		log.Info("Mentioned without an image")
		result.Stage = StageNoImage
		result.ReplyErr = p.reply(ctx, log, conversation, NoImageReply(msg.SenderNick))
		return result
	}

	ref := msg.Images[0]
	if len(msg.Images) > 1 {
		log.Info("Message carries several images, only the first is processed", zap.Int("images", len(msg.Images)))
	}

	fetched, err := p.fetch(ctx, ref)
	if err != nil {
		log.Warn("Failed to download image", zap.String("image_url", ref.URL), zap.Error(err))
		result.Stage = StageFailed
		result.Err = fmt.Errorf("%w: %v", ErrDownload, err)
		result.ReplyErr = p.reply(ctx, log, conversation, DownloadFailedReply(msg.SenderNick))
		return result
	}
	result.Stage = StageImageFetched

	outcome, err := p.detect(ctx, fetched.Data)
	if err != nil {
		log.Error("Failed to classify image", zap.Error(err))
		result.Stage = StageFailed
		result.Err = fmt.Errorf("%w: %v", ErrProcessing, err)
		result.ReplyErr = p.reply(ctx, log, conversation, ProcessingErrorReply(msg.SenderNick, err.Error()))
		return result
	}
	result.Stage = StageDetected
	result.Outcome = outcome

	record := models.NewDetection(outcome, imaging.Fingerprint(fetched.Image))
	record.ImageURL = ref.URL
	record.DingTalkMessageID = msg.MsgID
	record.UserID = msg.SenderID
	record.GroupID = conversation

	if err := p.persist(ctx, record); err != nil {
		log.Error("Failed to persist detection", zap.Error(err))
		result.PersistErr = err
	} else {
		result.DetectionID = record.ID
		result.Stage = StagePersisted
	}

	imageURI := ""
	if rendered, err := imaging.RenderReply(fetched.Image, outcome.LockDetails, p.cfg.ReplyMaxEdge, p.cfg.ReplyQuality); err != nil {
		log.Warn("Failed to render result image", zap.Error(err))
	} else {
		imageURI = imaging.DataURI(rendered)
	}

	result.ReplyErr = p.reply(ctx, log, conversation, ComposeDetectionReply(msg.SenderNick, outcome, imageURI))
	if result.ReplyErr == nil {
		result.Stage = StageReplied
	}

	if result.PersistErr == nil {
		p.notify(ctx, log, record)
	}

	log.Info("Message processed",
		zap.String("stage", string(result.Stage)),
		zap.Int64("detection_id", result.DetectionID),
		zap.Bool("is_safe", outcome.IsSafe),
		zap.Int("total_locks", outcome.TotalLocks),
		zap.Int("unlocked_locks", outcome.UnlockedLocks),
	)
	return result
}

// ManualResult is the response of a direct detection request.
type ManualResult struct {
	DetectionID int64                    `json:"detection_id"`
	Outcome     *models.DetectionOutcome `json:"result"`
	ImageHex    string                   `json:"image"`
	PersistErr  error                    `json:"-"`
}

// DetectImage classifies an uploaded image outside of any conversation.
// Decode errors wrap image_client.ErrDecode; classifier errors wrap
// ErrProcessing. Persistence failures are reported in the result only.
func (p *Pipeline) DetectImage(ctx context.Context, data []byte, userID string) (*ManualResult, error) {
	log := p.logger.With(zap.String("event_id", eventID(ctx)), zap.String("user_id", userID))

	img, _, err := image_client.Decode(data)
	if err != nil {
		return nil, err
	}

	outcome, err := p.detect(ctx, data)
	if err != nil {
		log.Error("Failed to classify uploaded image", zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrProcessing, err)
	}

	record := models.NewDetection(outcome, imaging.Fingerprint(img))
	record.UserID = userID

	result := &ManualResult{Outcome: outcome}
	if err := p.persist(ctx, record); err != nil {
		log.Error("Failed to persist detection", zap.Error(err))
		result.PersistErr = err
	} else {
		result.DetectionID = record.ID
		p.notify(ctx, log, record)
	}

	rendered, err := imaging.RenderReply(img, outcome.LockDetails, p.cfg.ReplyMaxEdge, p.cfg.ReplyQuality)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProcessing, err)
	}
	result.ImageHex = hex.EncodeToString(rendered)

	return result, nil
}

// PreviewResult is a detection that was not stored.
type PreviewResult struct {
	Outcome *models.DetectionOutcome
	Image   []byte // annotated JPEG, original size
}

// PreviewImage classifies and annotates an uploaded image without storing a
// record or sending alerts. Errors wrap the same sentinels as DetectImage.
func (p *Pipeline) PreviewImage(ctx context.Context, data []byte) (*PreviewResult, error) {
	img, _, err := image_client.Decode(data)
	if err != nil {
		return nil, err
	}

	outcome, err := p.detect(ctx, data)
	if err != nil {
		p.logger.Error("Failed to classify preview image", zap.String("event_id", eventID(ctx)), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrProcessing, err)
	}

	rendered, err := imaging.RenderReply(img, outcome.LockDetails, 0, p.cfg.ReplyQuality)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProcessing, err)
	}
	return &PreviewResult{Outcome: outcome, Image: rendered}, nil
}

func (p *Pipeline) fetch(ctx context.Context, ref models.ImageRef) (*image_client.FetchedImage, error) {
	ctx, cancel := withTimeout(ctx, p.cfg.DownloadTimeout)
	defer cancel()
	return p.fetcher.Fetch(ctx, ref.URL, ref.DownloadCode)
}

func (p *Pipeline) detect(ctx context.Context, data []byte) (outcome *models.DetectionOutcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			outcome = nil
			err = fmt.Errorf("classifier panic: %v", r)
		}
	}()

	ctx, cancel := withTimeout(ctx, p.cfg.ClassifyTimeout)
	defer cancel()
	return p.detector.Detect(ctx, data)
}

func (p *Pipeline) persist(ctx context.Context, record *models.Detection) error {
	if _, err := p.repo.SaveDetection(ctx, record); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return nil
}

func (p *Pipeline) reply(ctx context.Context, log *zap.Logger, conversationID string, r dingtalk.Reply) error {
	ctx, cancel := withTimeout(ctx, p.cfg.ReplyTimeout)
	defer cancel()

	if err := p.sender.Send(ctx, conversationID, r); err != nil {
		log.Error("Failed to send reply", zap.String("msgtype", string(r.Kind)), zap.Error(err))
		return err
	}
	return nil
}

func (p *Pipeline) notify(ctx context.Context, log *zap.Logger, record *models.Detection) {
	if p.notifier == nil || record.IsSafe {
		return
	}
	if err := p.notifier.NotifyUnsafe(ctx, record); err != nil {
		log.Warn("Failed to send unsafe detection alert", zap.Error(err))
	}
}

// withTimeout leaves ctx unbounded when d is not positive.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
