// Package diseaseclient talks to the remote plant disease classification
// service. The classifier itself lives behind a fixed HTTP contract:
// GET /health for a pre-flight gate and POST /predict with a multipart
// JPEG resized to the model's input shape.
package diseaseclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/agrolab/leafscan/pkg/processing"
)

// State is the phase of a single prediction run
type State string

const (
	StateIdle           State = "idle"
	StateValidating     State = "validating"
	StatePreprocessing  State = "preprocessing"
	StateHealthChecking State = "health_checking"
	StatePredicting     State = "predicting"
	StateSucceeded      State = "succeeded"
	StateWarned         State = "warned"
	StateFailed         State = "failed"
)

// ErrServiceUnhealthy is returned when the pre-flight health check does not
// report "healthy". Callers treat it like any failed prediction attempt.
var ErrServiceUnhealthy = errors.New("prediction service is not healthy")

// ValidationError reports input rejected before any network call
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + e.Reason
}

// ServerError reports a non-2xx response with its decoded reason
type ServerError struct {
	StatusCode int
	Message    string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error (HTTP %d): %s", e.StatusCode, e.Message)
}

// Config holds the client configuration. All fields have working defaults;
// the zero value of a field means "use the default".
type Config struct {
	BaseURL        string
	Timeout        time.Duration
	MaxAttempts    int
	RetryDelay     time.Duration
	MinConfidence  float64
	MaxUploadBytes int64
	AllowedTypes   []string
	TargetWidth    int
	TargetHeight   int
	JPEGQuality    int

	// OnState, when set, is called as a prediction run moves through its
	// phases. A run never revisits a phase; each Predict call starts over.
	OnState func(State)
}

// DefaultConfig mirrors the limits enforced by the remote service
func DefaultConfig() Config {
	return Config{
		BaseURL:        "http://localhost:8000",
		Timeout:        60 * time.Second,
		MaxAttempts:    3,
		RetryDelay:     time.Second,
		MinConfidence:  0.2,
		MaxUploadBytes: 10 * 1024 * 1024,
		AllowedTypes:   []string{"image/jpeg", "image/png"},
		TargetWidth:    128,
		TargetHeight:   128,
		JPEGQuality:    90,
	}
}

// Prediction is the classifier's response. Warning is set, and the result
// still usable, when confidence falls below the configured minimum.
type Prediction struct {
	PredictedClass string             `json:"predicted_class"`
	Confidence     float64            `json:"confidence"`
	Top3           map[string]float64 `json:"top_3_predictions"`
	All            map[string]float64 `json:"all_predictions,omitempty"`
	ProcessingTime float64            `json:"processing_time"`
	Warning        string             `json:"warning,omitempty"`
}

// Health is the health endpoint response
type Health struct {
	Status      string `json:"status"`
	ModelLoaded bool   `json:"model_loaded"`
}

// Client is an explicitly constructed prediction client. Pass a custom
// *http.Client to substitute a fake transport in tests; there is no
// process-wide instance.
type Client struct {
	config     Config
	httpClient *http.Client
	processor  *processing.Processor
}

// NewClient creates a client with its own HTTP client bound to the
// configured timeout
func NewClient(config Config) *Client {
	config = withDefaults(config)
	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		processor:  processing.NewProcessor(),
	}
}

// NewClientWithHTTPClient creates a client around an existing HTTP client
func NewClientWithHTTPClient(config Config, httpClient *http.Client) *Client {
	config = withDefaults(config)
	return &Client{
		config:     config,
		httpClient: httpClient,
		processor:  processing.NewProcessor(),
	}
}

func withDefaults(config Config) Config {
	def := DefaultConfig()
	if config.BaseURL == "" {
		config.BaseURL = def.BaseURL
	}
	config.BaseURL = strings.TrimSuffix(config.BaseURL, "/")
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = def.MaxAttempts
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = def.RetryDelay
	}
	if config.MinConfidence <= 0 {
		config.MinConfidence = def.MinConfidence
	}
	if config.MaxUploadBytes <= 0 {
		config.MaxUploadBytes = def.MaxUploadBytes
	}
	if len(config.AllowedTypes) == 0 {
		config.AllowedTypes = def.AllowedTypes
	}
	if config.TargetWidth <= 0 {
		config.TargetWidth = def.TargetWidth
	}
	if config.TargetHeight <= 0 {
		config.TargetHeight = def.TargetHeight
	}
	if config.JPEGQuality <= 0 {
		config.JPEGQuality = def.JPEGQuality
	}
	return config
}

func (c *Client) setState(s State) {
	if c.config.OnState != nil {
		c.config.OnState(s)
	}
}

// CheckHealth queries the service health endpoint
func (c *Client) CheckHealth(ctx context.Context) (*Health, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.BaseURL+"/health", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create health request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read health response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &ServerError{StatusCode: resp.StatusCode, Message: decodeErrorBody(body, resp.StatusCode)}
	}

	var health Health
	if err := json.Unmarshal(body, &health); err != nil {
		return nil, fmt.Errorf("failed to decode health response: %w", err)
	}
	return &health, nil
}

// Predict validates and normalizes the image, gates on service health, and
// uploads it for classification. Network and server failures are retried up
// to MaxAttempts with RetryDelay between attempts; the last error is
// surfaced once attempts run out. A result below MinConfidence comes back
// with Warning set instead of an error.
func (c *Client) Predict(ctx context.Context, data []byte) (*Prediction, error) {
	c.setState(StateValidating)
	if err := c.validate(data); err != nil {
		c.setState(StateFailed)
		return nil, err
	}

	c.setState(StatePreprocessing)
	upload, err := c.normalize(data)
	if err != nil {
		c.setState(StateFailed)
		return nil, err
	}

	c.setState(StateHealthChecking)
	health, err := c.CheckHealth(ctx)
	if err != nil {
		c.setState(StateFailed)
		return nil, err
	}
	if health.Status != "healthy" {
		c.setState(StateFailed)
		return nil, fmt.Errorf("%w: status %q", ErrServiceUnhealthy, health.Status)
	}

	c.setState(StatePredicting)
	var prediction *Prediction
	var lastErr error
	for attempt := 1; attempt <= c.config.MaxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				c.setState(StateFailed)
				return nil, ctx.Err()
			case <-time.After(c.config.RetryDelay):
			}
		}
		prediction, lastErr = c.doPredict(ctx, upload)
		if lastErr == nil {
			break
		}
	}
	if lastErr != nil {
		c.setState(StateFailed)
		return nil, fmt.Errorf("prediction failed after %d attempts: %w", c.config.MaxAttempts, lastErr)
	}

	if prediction.Confidence < c.config.MinConfidence {
		if prediction.Warning == "" {
			prediction.Warning = fmt.Sprintf("low confidence prediction (%.0f%%), try a clearer image", prediction.Confidence*100)
		}
		c.setState(StateWarned)
		return prediction, nil
	}
	c.setState(StateSucceeded)
	return prediction, nil
}

func (c *Client) validate(data []byte) error {
	if len(data) == 0 {
		return &ValidationError{Reason: "no image data"}
	}
	if int64(len(data)) > c.config.MaxUploadBytes {
		return &ValidationError{Reason: fmt.Sprintf("file size %d exceeds maximum of %d bytes", len(data), c.config.MaxUploadBytes)}
	}

	contentType := http.DetectContentType(data)
	for _, allowed := range c.config.AllowedTypes {
		if contentType == allowed {
			return nil
		}
	}
	return &ValidationError{Reason: fmt.Sprintf("file type %s not allowed (allowed: %s)", contentType, strings.Join(c.config.AllowedTypes, ", "))}
}

func (c *Client) normalize(data []byte) ([]byte, error) {
	img, err := c.processor.DecodeImageFromBytes(data)
	if err != nil {
		return nil, &ValidationError{Reason: "invalid image file"}
	}
	return c.processor.PrepareUpload(img, c.config.TargetWidth, c.config.TargetHeight, c.config.JPEGQuality)
}

func (c *Client) doPredict(ctx context.Context, upload []byte) (*Prediction, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	// The service checks the part's declared content type, so a plain
	// CreateFormFile (application/octet-stream) would be rejected.
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="file"; filename="leaf.jpg"`)
	header.Set("Content-Type", "image/jpeg")
	part, err := writer.CreatePart(header)
	if err != nil {
		return nil, fmt.Errorf("failed to create form part: %w", err)
	}
	if _, err := part.Write(upload); err != nil {
		return nil, fmt.Errorf("failed to write form part: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/predict", &body)
	if err != nil {
		return nil, fmt.Errorf("failed to create predict request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("predict request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read predict response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &ServerError{StatusCode: resp.StatusCode, Message: decodeErrorBody(respBody, resp.StatusCode)}
	}

	var prediction Prediction
	if err := json.Unmarshal(respBody, &prediction); err != nil {
		return nil, fmt.Errorf("failed to decode predict response: %w", err)
	}
	return &prediction, nil
}

// decodeErrorBody extracts the service's detail or message field, falling
// back to a fixed human-readable text per status code
func decodeErrorBody(body []byte, statusCode int) string {
	var payload struct {
		Detail  any    `json:"detail"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if s, ok := payload.Detail.(string); ok && s != "" {
			return s
		}
		if payload.Message != "" {
			return payload.Message
		}
	}
	return statusMessage(statusCode)
}

func statusMessage(statusCode int) string {
	switch statusCode {
	case http.StatusUnauthorized:
		return "authentication required by the prediction service"
	case http.StatusForbidden:
		return "access denied by the prediction service"
	case http.StatusNotFound:
		return "prediction endpoint not found, check the service URL"
	case http.StatusRequestEntityTooLarge:
		return "image too large for the prediction service"
	case http.StatusUnsupportedMediaType:
		return "image type not supported by the prediction service"
	case http.StatusTooManyRequests:
		return "rate limit exceeded, try again later"
	case http.StatusInternalServerError:
		return "prediction service internal error"
	default:
		return fmt.Sprintf("unexpected response from prediction service (HTTP %d)", statusCode)
	}
}
