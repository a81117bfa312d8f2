package diseaseclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	_ "image/jpeg"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pngBytes encodes a small green test image as PNG
func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 64, 64))
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			img.Set(x, y, color.RGBA{40, 160, 60, 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

type uploadedFile struct {
	filename    string
	contentType string
	data        []byte
}

type fakeService struct {
	mu            sync.Mutex
	healthStatus  string
	predictStatus int
	predictBody   any
	healthCalls   int
	predictCalls  int
	predictTimes  []time.Time
	lastUpload    *uploadedFile
}

func newFakeService() *fakeService {
	return &fakeService{
		healthStatus:  "healthy",
		predictStatus: http.StatusOK,
		predictBody: map[string]any{
			"predicted_class": "Tomato___healthy",
			"confidence":      0.93,
			"top_3_predictions": map[string]float64{
				"Tomato___healthy":      0.93,
				"Tomato___Leaf_Mold":    0.04,
				"Tomato___Early_blight": 0.02,
			},
			"processing_time": 0.12,
		},
	}
}

func (f *fakeService) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.healthCalls++
		status := f.healthStatus
		f.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{"status": status, "model_loaded": true})
	})
	mux.HandleFunc("/predict", func(w http.ResponseWriter, r *http.Request) {
		var upload *uploadedFile
		if err := r.ParseMultipartForm(16 << 20); err == nil {
			if files := r.MultipartForm.File["file"]; len(files) == 1 {
				part, err := files[0].Open()
				if err == nil {
					data, _ := io.ReadAll(part)
					part.Close()
					upload = &uploadedFile{
						filename:    files[0].Filename,
						contentType: files[0].Header.Get("Content-Type"),
						data:        data,
					}
				}
			}
		}

		f.mu.Lock()
		f.predictCalls++
		f.predictTimes = append(f.predictTimes, time.Now())
		if upload != nil {
			f.lastUpload = upload
		}
		status := f.predictStatus
		body := f.predictBody
		f.mu.Unlock()
		if status != http.StatusOK {
			w.WriteHeader(status)
		}
		json.NewEncoder(w).Encode(body)
	})
	return mux
}

func newTestClient(t *testing.T, service *fakeService, mutate func(*Config)) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(service.handler())
	t.Cleanup(server.Close)

	cfg := DefaultConfig()
	cfg.BaseURL = server.URL
	cfg.RetryDelay = 10 * time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}
	return NewClient(cfg), server
}

func TestPredictSuccess(t *testing.T) {
	service := newFakeService()
	client, _ := newTestClient(t, service, nil)

	prediction, err := client.Predict(context.Background(), pngBytes(t))
	require.NoError(t, err)
	assert.Equal(t, "Tomato___healthy", prediction.PredictedClass)
	assert.InDelta(t, 0.93, prediction.Confidence, 1e-9)
	assert.Empty(t, prediction.Warning)
	assert.Len(t, prediction.Top3, 3)
	assert.Equal(t, 1, service.healthCalls)
	assert.Equal(t, 1, service.predictCalls)
}

func TestPredictLowConfidenceWarns(t *testing.T) {
	service := newFakeService()
	service.predictBody = map[string]any{
		"predicted_class": "Potato___Late_blight",
		"confidence":      0.15,
		"top_3_predictions": map[string]float64{
			"Potato___Late_blight": 0.15,
		},
		"processing_time": 0.2,
	}
	client, _ := newTestClient(t, service, nil)

	prediction, err := client.Predict(context.Background(), pngBytes(t))
	require.NoError(t, err, "low confidence must not be an error")
	assert.NotEmpty(t, prediction.Warning)
	assert.Equal(t, "Potato___Late_blight", prediction.PredictedClass)
}

func TestPredictServerErrorRetriesExactly(t *testing.T) {
	service := newFakeService()
	service.predictStatus = http.StatusInternalServerError
	service.predictBody = map[string]any{"detail": "model exploded"}
	client, _ := newTestClient(t, service, nil)

	_, err := client.Predict(context.Background(), pngBytes(t))
	require.Error(t, err)

	var serverErr *ServerError
	require.ErrorAs(t, err, &serverErr)
	assert.Equal(t, http.StatusInternalServerError, serverErr.StatusCode)
	assert.Equal(t, "model exploded", serverErr.Message)
	assert.Contains(t, err.Error(), "after 3 attempts")

	assert.Equal(t, 3, service.predictCalls, "must attempt exactly MaxAttempts calls")

	// Attempts must be spaced by at least the retry delay.
	require.Len(t, service.predictTimes, 3)
	for i := 1; i < 3; i++ {
		gap := service.predictTimes[i].Sub(service.predictTimes[i-1])
		assert.GreaterOrEqual(t, gap, 10*time.Millisecond)
	}
}

func TestPredictOversizedFileFailsFast(t *testing.T) {
	service := newFakeService()
	client, _ := newTestClient(t, service, nil)

	oversized := make([]byte, 11*1024*1024)

	_, err := client.Predict(context.Background(), oversized)
	var validationErr *ValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.Contains(t, validationErr.Reason, "file size")

	assert.Zero(t, service.healthCalls, "validation failures must not reach the network")
	assert.Zero(t, service.predictCalls)
}

func TestPredictRejectsDisallowedType(t *testing.T) {
	service := newFakeService()
	client, _ := newTestClient(t, service, nil)

	gif := append([]byte("GIF89a"), make([]byte, 64)...)

	_, err := client.Predict(context.Background(), gif)
	var validationErr *ValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.Contains(t, validationErr.Reason, "not allowed")
	assert.Zero(t, service.predictCalls)
}

func TestPredictGatedOnHealth(t *testing.T) {
	service := newFakeService()
	service.healthStatus = "degraded"
	client, _ := newTestClient(t, service, nil)

	_, err := client.Predict(context.Background(), pngBytes(t))
	require.ErrorIs(t, err, ErrServiceUnhealthy)
	assert.Zero(t, service.predictCalls, "unhealthy service must not receive predictions")
}

func TestPredictNetworkError(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BaseURL = "http://127.0.0.1:1" // nothing listens here
	cfg.RetryDelay = time.Millisecond
	client := NewClient(cfg)

	_, err := client.Predict(context.Background(), pngBytes(t))
	require.Error(t, err)

	var validationErr *ValidationError
	assert.False(t, errors.As(err, &validationErr), "network failure is not a validation error")
}

func TestPredictMultipartContract(t *testing.T) {
	service := newFakeService()
	client, _ := newTestClient(t, service, func(cfg *Config) {
		cfg.TargetWidth = 128
		cfg.TargetHeight = 128
	})

	_, err := client.Predict(context.Background(), pngBytes(t))
	require.NoError(t, err)

	upload := service.lastUpload
	require.NotNil(t, upload)
	assert.Equal(t, "leaf.jpg", upload.filename)
	assert.Equal(t, "image/jpeg", upload.contentType)

	img, format, err := image.Decode(bytes.NewReader(upload.data))
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format)
	assert.Equal(t, 128, img.Bounds().Dx())
	assert.Equal(t, 128, img.Bounds().Dy())
}

func TestPredictStateSequence(t *testing.T) {
	service := newFakeService()
	var states []State
	client, _ := newTestClient(t, service, func(cfg *Config) {
		cfg.OnState = func(s State) { states = append(states, s) }
	})

	_, err := client.Predict(context.Background(), pngBytes(t))
	require.NoError(t, err)

	assert.Equal(t, []State{StateValidating, StatePreprocessing, StateHealthChecking, StatePredicting, StateSucceeded}, states)
}

func TestPredictStateSequenceWarned(t *testing.T) {
	service := newFakeService()
	service.predictBody = map[string]any{"predicted_class": "x", "confidence": 0.05}
	var states []State
	client, _ := newTestClient(t, service, func(cfg *Config) {
		cfg.OnState = func(s State) { states = append(states, s) }
	})

	_, err := client.Predict(context.Background(), pngBytes(t))
	require.NoError(t, err)
	assert.Equal(t, StateWarned, states[len(states)-1])
}

func TestCheckHealth(t *testing.T) {
	service := newFakeService()
	client, _ := newTestClient(t, service, nil)

	health, err := client.CheckHealth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "healthy", health.Status)
	assert.True(t, health.ModelLoaded)
}

func TestStatusMessages(t *testing.T) {
	cases := map[int]string{
		http.StatusUnauthorized:          "authentication required by the prediction service",
		http.StatusForbidden:             "access denied by the prediction service",
		http.StatusNotFound:              "prediction endpoint not found, check the service URL",
		http.StatusRequestEntityTooLarge: "image too large for the prediction service",
		http.StatusUnsupportedMediaType:  "image type not supported by the prediction service",
		http.StatusTooManyRequests:       "rate limit exceeded, try again later",
		http.StatusInternalServerError:   "prediction service internal error",
		http.StatusBadGateway:            "unexpected response from prediction service (HTTP 502)",
	}
	for code, expected := range cases {
		assert.Equal(t, expected, statusMessage(code))
	}
}

func TestDecodeErrorBody(t *testing.T) {
	assert.Equal(t, "boom", decodeErrorBody([]byte(`{"detail":"boom"}`), 500))
	assert.Equal(t, "bang", decodeErrorBody([]byte(`{"message":"bang"}`), 500))
	// FastAPI sends structured validation details; fall back to the fixed text.
	assert.Equal(t, "prediction service internal error", decodeErrorBody([]byte(`{"detail":[{"loc":["file"]}]}`), 500))
	assert.Equal(t, "rate limit exceeded, try again later", decodeErrorBody([]byte(`not json`), 429))
}

func TestConfigDefaults(t *testing.T) {
	client := NewClient(Config{BaseURL: "http://example.test/"})

	assert.Equal(t, "http://example.test", client.config.BaseURL)
	assert.Equal(t, 60*time.Second, client.config.Timeout)
	assert.Equal(t, 3, client.config.MaxAttempts)
	assert.Equal(t, time.Second, client.config.RetryDelay)
	assert.InDelta(t, 0.2, client.config.MinConfidence, 1e-9)
	assert.Equal(t, int64(10*1024*1024), client.config.MaxUploadBytes)
	assert.Equal(t, []string{"image/jpeg", "image/png"}, client.config.AllowedTypes)
	assert.Equal(t, 128, client.config.TargetWidth)
}
