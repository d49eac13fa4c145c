package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/hibiken/asynq"

	"github.com/tccmarket/api/internal/bootstrap"
	"github.com/tccmarket/api/internal/catalog"
	"github.com/tccmarket/api/internal/client"
	"github.com/tccmarket/api/internal/config"
	"github.com/tccmarket/api/internal/handler"
	"github.com/tccmarket/api/internal/middleware"
	"github.com/tccmarket/api/internal/service"
	ws "github.com/tccmarket/api/internal/websocket"
	"github.com/tccmarket/api/internal/worker"
)

const testProductID = 42

// remoteAPI imitates the try-on provider. Each job reports "processing" for
// pendingPolls status queries and then finishes with finalStatus.
type remoteAPI struct {
	srv *httptest.Server

	mu           sync.Mutex
	credits      float64
	pendingPolls int
	finalStatus  string
	polls        map[string]int
	submits      int
}

func newRemoteAPI(t *testing.T) *remoteAPI {
	t.Helper()
	r := &remoteAPI{
		credits:      10,
		pendingPolls: 1,
		finalStatus:  "completed",
		polls:        make(map[string]int),
	}

	output := pngBytes(t, 32, 48)
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/credits", func(w http.ResponseWriter, req *http.Request) {
		r.mu.Lock()
		defer r.mu.Unlock()
		writeJSON(w, map[string]interface{}{
			"credits": map[string]float64{"total": r.credits, "subscription": r.credits, "on_demand": 0},
		})
	})
	mux.HandleFunc("/v1/run", func(w http.ResponseWriter, req *http.Request) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.submits++
		writeJSON(w, map[string]interface{}{"id": fmt.Sprintf("ext-%d", r.submits)})
	})
	mux.HandleFunc("/v1/status/", func(w http.ResponseWriter, req *http.Request) {
		id := strings.TrimPrefix(req.URL.Path, "/v1/status/")
		r.mu.Lock()
		defer r.mu.Unlock()
		r.polls[id]++
		if r.polls[id] <= r.pendingPolls {
			writeJSON(w, map[string]interface{}{"id": id, "status": "processing"})
			return
		}
		switch r.finalStatus {
		case "completed":
			writeJSON(w, map[string]interface{}{
				"id":     id,
				"status": "completed",
				"output": []string{r.srv.URL + "/output/" + id + ".png"},
			})
		default:
			writeJSON(w, map[string]interface{}{
				"id":     id,
				"status": r.finalStatus,
				"error":  map[string]string{"name": "ImageLoadError", "message": "bad garment image"},
			})
		}
	})
	mux.HandleFunc("/output/", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(output)
	})

	r.srv = httptest.NewServer(mux)
	t.Cleanup(r.srv.Close)
	return r
}

func (r *remoteAPI) setCredits(v float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.credits = v
}

func (r *remoteAPI) setOutcome(pending int, final string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pendingPolls = pending
	r.finalStatus = final
}

func (r *remoteAPI) submitCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.submits
}

func (r *remoteAPI) pollCount(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.polls[id]
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// testApp holds all components needed for testing
type testApp struct {
	app     *fiber.App
	remote  *remoteAPI
	catalog *catalog.MemoryStore
	storage *client.MemoryStorage
	queue   *service.LocalQueue
}

type appOptions struct {
	maxAttempts  int
	pollInterval time.Duration
}

// setupApp creates a Fiber app wired like main.go without redis or postgres:
// jobs run on the in-process queue against a fake provider.
func setupApp(t *testing.T) *testApp {
	return setupAppWith(t, appOptions{maxAttempts: 5, pollInterval: 5 * time.Millisecond})
}

func setupAppWith(t *testing.T, opts appOptions) *testApp {
	t.Helper()

	remote := newRemoteAPI(t)
	cfg := &config.Config{
		TryOn: config.TryOnConfig{
			APIKey:           "test-key",
			BaseURL:          remote.srv.URL,
			ModelName:        "tryon-v1.6",
			ModelImageFemale: "https://models.example/female.jpg",
			ModelImageMale:   "https://models.example/male.jpg",
			MaxAttempts:      opts.maxAttempts,
			PollInterval:     opts.pollInterval,
			KeyPrefix:        "product/images/tryon",
			PreviewPrefix:    "tryon/previews",
			MaxUploadBytes:   5 * 1024 * 1024,
			MaxDownloadBytes: 5 * 1024 * 1024,
			MaxDimension:     2048,
			RequestTimeout:   5 * time.Second,
		},
	}

	store := catalog.NewMemoryStore(testProductID)
	storage := client.NewMemoryStorage("https://cdn.example/tcc-media")
	tryOnClient := client.NewTryOnClient(&cfg.TryOn)
	pipeline := bootstrap.BuildPipeline(cfg, tryOnClient, storage, store, nil)

	hub := ws.NewHub()
	go hub.Run()

	var tryOnWorker *worker.TryOnWorker
	queue := service.NewLocalQueue(asynq.HandlerFunc(func(ctx context.Context, task *asynq.Task) error {
		return tryOnWorker.ProcessTask(ctx, task)
	}))
	tryOnService := service.NewTryOnService(service.NewMemoryJobStore(), queue, queue)
	tryOnWorker = worker.NewTryOnWorker(tryOnService, pipeline, hub, nil)
	t.Cleanup(queue.Wait)

	tryOnHandler := handler.NewTryOnHandler(tryOnService, pipeline, validator.New(), cfg.TryOn.MaxUploadBytes)
	rateLimiter := middleware.NewRateLimiter(nil)

	app := fiber.New(fiber.Config{
		BodyLimit: 10 * 1024 * 1024,
	})

	// Base routes
	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"timestamp": 1234567890})
	})
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
			"services": fiber.Map{
				"tryon":    tryOnClient.IsConfigured(),
				"redis":    false,
				"postgres": false,
				"storage":  false,
			},
		})
	})

	api := app.Group("/api", middleware.GatewayAuthMiddleware())
	handler.RegisterTryOnRoutes(api, tryOnHandler, rateLimiter.TryOnLimit(10000))

	return &testApp{app: app, remote: remote, catalog: store, storage: storage, queue: queue}
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 4), G: uint8(y * 4), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

// uploadForm builds a multipart body with the garment image and extra fields
func uploadForm(t *testing.T, garment []byte, fields map[string]string) (io.Reader, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if garment != nil {
		header := make(map[string][]string)
		header["Content-Disposition"] = []string{`form-data; name="image"; filename="garment.png"`}
		header["Content-Type"] = []string{"image/png"}
		part, err := mw.CreatePart(header)
		if err != nil {
			t.Fatalf("create part: %v", err)
		}
		_, _ = part.Write(garment)
	}
	for k, v := range fields {
		_ = mw.WriteField(k, v)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	return &buf, mw.FormDataContentType()
}

// doRequest is a helper to perform HTTP requests against the test app.
func doRequest(app *fiber.App, method, path string, body string, headers map[string]string) (*http.Response, error) {
	var bodyReader io.Reader
	if body != "" {
		bodyReader = strings.NewReader(body)
	}

	req, err := http.NewRequest(method, path, bodyReader)
	if err != nil {
		return nil, err
	}

	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return app.Test(req, -1)
}

var identityHeaders = map[string]string{
	"X-User-Id":    "9",
	"X-User-Role":  "partner",
	"X-User-Email": "partner@example.com",
}

// doAuthRequest performs a request carrying gateway identity headers.
func doAuthRequest(t *testing.T, app *fiber.App, method, path, body string) (*http.Response, error) {
	t.Helper()
	return doRequest(app, method, path, body, identityHeaders)
}

// doUpload posts a multipart garment upload with identity headers.
func doUpload(t *testing.T, app *fiber.App, path string, garment []byte, fields map[string]string) (*http.Response, error) {
	t.Helper()
	body, contentType := uploadForm(t, garment, fields)
	req, err := http.NewRequest(http.MethodPost, path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	for k, v := range identityHeaders {
		req.Header.Set(k, v)
	}
	return app.Test(req, -1)
}

// waitForStatus polls the status endpoint until the job reaches want.
func waitForStatus(t *testing.T, app *fiber.App, jobID, want string) map[string]interface{} {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var last map[string]interface{}
	for time.Now().Before(deadline) {
		resp, err := doAuthRequest(t, app, http.MethodGet, "/api/tryon/status/"+jobID, "")
		if err != nil {
			t.Fatalf("status request failed: %v", err)
		}
		last = parseJSON(t, resp)
		if last["status"] == want {
			return last
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s never reached %q, last: %v", jobID, want, last)
	return nil
}

// readBody reads and returns the response body as a string.
func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	return string(b)
}

// parseJSON parses response body into a map.
func parseJSON(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	body := readBody(t, resp)
	var result map[string]interface{}
	if err := json.Unmarshal([]byte(body), &result); err != nil {
		t.Fatalf("failed to parse JSON: %v\nbody: %s", err, body)
	}
	return result
}

// errorCode extracts error.code from an error envelope.
func errorCode(t *testing.T, body map[string]interface{}) string {
	t.Helper()
	e, ok := body["error"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected error envelope, got %v", body)
	}
	code, _ := e["code"].(string)
	return code
}

// assertStatus checks the HTTP status code.
func assertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("expected status %d, got %d", expected, resp.StatusCode)
	}
}
