package service

import (
	"context"
	"math"
	"time"

	"github.com/lzumixiny/volo8-test/internal/ml_client"
	"github.com/lzumixiny/volo8-test/internal/models"
)

// Classifier is the external model boundary.
type Classifier interface {
	Classify(ctx context.Context, imageData []byte, threshold float64) ([]ml_client.Prediction, error)
}

// Detector turns classifier predictions into a DetectionOutcome.
type Detector struct {
	classifier Classifier
	threshold  float64
	now        func() time.Time
}

// NewDetector creates a detector that drops predictions below threshold.
func NewDetector(classifier Classifier, threshold float64) *Detector {
	return &Detector{classifier: classifier, threshold: threshold, now: time.Now}
}

// Detect classifies one image. An image without predictions is safe.
func (d *Detector) Detect(ctx context.Context, imageData []byte) (*models.DetectionOutcome, error) {
	predictions, err := d.classifier.Classify(ctx, imageData, d.threshold)
	if err != nil {
		return nil, err
	}

	outcome := models.NewDetectionOutcome(d.now())
	for _, p := range predictions {
		if p.Confidence < d.threshold {
			continue
		}
		outcome.AddLock(p.Class, p.Confidence, models.BoundingBox{
			X:      int(math.Round(p.X)),
			Y:      int(math.Round(p.Y)),
			Width:  int(math.Round(p.Width)),
			Height: int(math.Round(p.Height)),
		})
	}
	return outcome, nil
}
