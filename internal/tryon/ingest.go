package tryon

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/tccmarket/api/internal/client"
	"github.com/tccmarket/api/internal/model"
)

const (
	DefaultKeyPrefix        = "product/images/tryon"
	DefaultPreviewPrefix    = "tryon/previews"
	DefaultMaxDownloadBytes = 20 << 20
	artifactExtension       = ".jpg"
)

// Ingestor downloads a produced artifact and writes it to object storage.
// It never touches the catalog.
type Ingestor struct {
	httpClient *http.Client
	storage    client.ObjectStorage
	keyPrefix  string
	maxBytes   int64
	now        func() time.Time
}

// NewIngestor creates an ingestor. A nil httpClient gets a 2 minute timeout.
func NewIngestor(storage client.ObjectStorage, httpClient *http.Client, keyPrefix string, maxBytes int64) *Ingestor {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 2 * time.Minute}
	}
	keyPrefix = strings.Trim(keyPrefix, "/")
	if keyPrefix == "" {
		keyPrefix = DefaultKeyPrefix
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxDownloadBytes
	}
	return &Ingestor{
		httpClient: httpClient,
		storage:    storage,
		keyPrefix:  keyPrefix,
		maxBytes:   maxBytes,
		now:        time.Now,
	}
}

// WithPrefix returns a copy of the ingestor that writes under prefix
func (i *Ingestor) WithPrefix(prefix string) *Ingestor {
	c := *i
	c.keyPrefix = strings.Trim(prefix, "/")
	return &c
}

// KeyPrefix returns the prefix every generated key starts with
func (i *Ingestor) KeyPrefix() string {
	return i.keyPrefix
}

// NewKey generates a collision-resistant storage key:
// <prefix>/<UTC timestamp>_<random hex>.jpg
func (i *Ingestor) NewKey() string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")
	return fmt.Sprintf("%s/%s_%s%s", i.keyPrefix, i.now().UTC().Format("20060102T150405"), suffix, artifactExtension)
}

// FetchAndStore downloads resultURL in full and stores it under a new key
func (i *Ingestor) FetchAndStore(ctx context.Context, resultURL string) (*model.StoredArtifact, error) {
	data, err := i.download(ctx, resultURL)
	if err != nil {
		return nil, err
	}

	contentType := mimetype.Detect(data).String()
	if !strings.HasPrefix(contentType, "image/") {
		e := newError(StageIngest, KindDownload, fmt.Sprintf("artifact is not an image (%s)", contentType), nil)
		e.ResultURL = resultURL
		return nil, e
	}

	key := i.NewKey()
	if err := i.storage.Put(ctx, key, bytes.NewReader(data), int64(len(data)), contentType); err != nil {
		log.Printf("[TryOn] Store %s — failed: %v", key, err)
		var e *Error
		if callerDone(ctx, err) {
			e = cancelled(StageIngest, err)
		} else {
			e = newError(StageIngest, KindStorageWrite, "", err)
		}
		e.ResultURL = resultURL
		return nil, e
	}

	log.Printf("[TryOn] Stored artifact %s (%d bytes, %s)", key, len(data), contentType)
	return &model.StoredArtifact{
		StorageKey:  key,
		SizeBytes:   uint64(len(data)),
		ContentType: contentType,
	}, nil
}

func (i *Ingestor) download(ctx context.Context, resultURL string) ([]byte, error) {
	fail := func(msg string, err error) *Error {
		var e *Error
		if callerDone(ctx, err) {
			e = cancelled(StageIngest, err)
		} else {
			e = newError(StageIngest, KindDownload, msg, err)
		}
		e.ResultURL = resultURL
		return e
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, resultURL, nil)
	if err != nil {
		return nil, fail("invalid result URL", err)
	}

	resp, err := i.httpClient.Do(req)
	if err != nil {
		return nil, fail("request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fail(fmt.Sprintf("unexpected status %d", resp.StatusCode), nil)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, i.maxBytes+1))
	if err != nil {
		return nil, fail("read failed", err)
	}
	if int64(len(data)) > i.maxBytes {
		return nil, fail(fmt.Sprintf("artifact exceeds %d bytes", i.maxBytes), nil)
	}
	if len(data) == 0 {
		return nil, fail("empty artifact", nil)
	}
	return data, nil
}
