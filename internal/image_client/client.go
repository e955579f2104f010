package image_client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"  // GIF decoder
	_ "image/jpeg" // JPEG decoder
	_ "image/png"  // PNG decoder
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
	_ "golang.org/x/image/bmp"  // BMP decoder
	_ "golang.org/x/image/webp" // WebP decoder
)

var (
	// ErrNetwork covers transport failures, timeouts, non-2xx answers and oversize bodies.
	ErrNetwork = errors.New("image download failed")
	// ErrDecode is returned when the body is not a supported image.
	ErrDecode = errors.New("image decode failed")
)

// FetchedImage is a downloaded image with its raw bytes.
type FetchedImage struct {
	Data   []byte
	Image  image.Image
	Format string
}

// Client downloads images referenced by chat messages.
type Client struct {
	httpClient *http.Client
	maxBytes   int64
	logger     *zap.Logger
}

// NewClient creates a client. maxBytes caps the accepted body size.
func NewClient(timeout time.Duration, maxBytes int64, logger *zap.Logger) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		maxBytes: maxBytes,
		logger:   logger,
	}
}

// DownloadURL appends downloadCode as a query parameter when it is set.
func DownloadURL(imageURL, downloadCode string) (string, error) {
	if downloadCode == "" {
		return imageURL, nil
	}
	u, err := url.Parse(imageURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("downloadCode", downloadCode)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Fetch downloads and decodes one image. It does not retry.
func (c *Client) Fetch(ctx context.Context, imageURL, downloadCode string) (*FetchedImage, error) {
	target, err := DownloadURL(imageURL, downloadCode)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid url: %v", ErrNetwork, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create request: %v", ErrNetwork, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: status %d", ErrNetwork, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read body: %v", ErrNetwork, err)
	}
	if int64(len(data)) > c.maxBytes {
		return nil, fmt.Errorf("%w: body exceeds %d bytes", ErrNetwork, c.maxBytes)
	}

	img, format, err := Decode(data)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("Image downloaded",
		zap.String("format", format),
		zap.Int("bytes", len(data)),
		zap.Int("width", img.Bounds().Dx()),
		zap.Int("height", img.Bounds().Dy()),
	)

	return &FetchedImage{Data: data, Image: img, Format: format}, nil
}

// Decode decodes any registered image format.
func Decode(data []byte) (image.Image, string, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return img, format, nil
}
