package services

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/rentpe/rentpe-backend/internal/metrics"
	"github.com/rentpe/rentpe-backend/internal/models"
	"golang.org/x/sync/errgroup"
)

const (
	cloudinaryBaseURL = "https://api.cloudinary.com/v1_1"
	deleteConcurrency = 5
	maxDeleteKeys     = 100
)

// CloudinaryConfig holds the asset host credentials
type CloudinaryConfig struct {
	CloudName string
	APIKey    string
	APISecret string
	Folder    string
	BaseURL   string // defaults to the public API
}

// DeleteError is the failure for one key
type DeleteError struct {
	Key     string `json:"key"`
	Message string `json:"message"`
}

// DeleteResult enumerates the outcome of every requested key
type DeleteResult struct {
	Deleted []string      `json:"deleted"`
	Errors  []DeleteError `json:"errors"`
}

// MediaGateway uploads to and deletes from Cloudinary with signed requests
type MediaGateway struct {
	cfg     CloudinaryConfig
	client  *http.Client
	clock   clock.Clock
	metrics *metrics.Metrics
}

func NewMediaGateway(cfg CloudinaryConfig, timeout time.Duration, clk clock.Clock, m *metrics.Metrics) *MediaGateway {
	if cfg.BaseURL == "" {
		cfg.BaseURL = cloudinaryBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &MediaGateway{cfg: cfg, client: &http.Client{Timeout: timeout}, clock: clk, metrics: m}
}

func (g *MediaGateway) configured() bool {
	return g.cfg.CloudName != "" && g.cfg.APIKey != "" && g.cfg.APISecret != ""
}

// Upload stores data under <folder>/<kind>/<owner>/<uuid>, tagged with its
// purpose and owner. Nothing else is touched when it fails.
func (g *MediaGateway) Upload(ctx context.Context, data []byte, filename string, kind models.MediaKind, owner models.MediaOwner) (*models.MediaRef, error) {
	if !kind.Valid() {
		return nil, invalid("kind", "unknown media kind "+string(kind))
	}
	if len(data) == 0 {
		return nil, invalid("file", "file is empty")
	}
	if !g.configured() {
		return nil, fmt.Errorf("%w: cloudinary credentials missing", ErrMediaUnavailable)
	}

	publicID := g.publicID(kind, owner.UserID)
	params := map[string]string{
		"public_id": publicID,
		"tags":      strings.Join([]string{string(kind), "owner_" + owner.UserID.String()}, ","),
		"context":   ownerContext(kind, owner),
		"timestamp": fmt.Sprintf("%d", g.clock.Now().Unix()),
	}
	params["signature"] = sign(params, g.cfg.APISecret)
	params["api_key"] = g.cfg.APIKey

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range params {
		if err := mw.WriteField(k, v); err != nil {
			return nil, fmt.Errorf("failed to build upload form: %w", err)
		}
	}
	if filename == "" {
		filename = "upload"
	}
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return nil, fmt.Errorf("failed to build upload form: %w", err)
	}
	if _, err := fw.Write(data); err != nil {
		return nil, fmt.Errorf("failed to build upload form: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to build upload form: %w", err)
	}

	endpoint := fmt.Sprintf("%s/%s/%s/upload", g.cfg.BaseURL, g.cfg.CloudName, kind.ResourceType())
	var res struct {
		PublicID  string `json:"public_id"`
		SecureURL string `json:"secure_url"`
		URL       string `json:"url"`
	}
	if err := g.post(ctx, endpoint, mw.FormDataContentType(), &body, &res); err != nil {
		g.metrics.MediaOp("upload", "error")
		return nil, err
	}

	ref := &models.MediaRef{URL: res.SecureURL, StorageKey: res.PublicID, Kind: kind}
	if ref.URL == "" {
		ref.URL = res.URL
	}
	if ref.StorageKey == "" {
		ref.StorageKey = publicID
	}
	if ref.URL == "" {
		g.metrics.MediaOp("upload", "error")
		return nil, fmt.Errorf("%w: no URL returned", ErrMediaUnavailable)
	}

	g.metrics.MediaOp("upload", "ok")
	log.Printf("📤 Uploaded %s for user %s: %s", kind, owner.UserID, ref.StorageKey)
	return ref, nil
}

// Delete destroys every key independently. A missing object counts as deleted
// and one failure never stops the others. Results keep the input order.
func (g *MediaGateway) Delete(ctx context.Context, keys []string, resourceType string) (*DeleteResult, error) {
	if resourceType == "" {
		resourceType = "image"
	}
	switch resourceType {
	case "image", "video", "raw":
	default:
		return nil, invalid("resourceType", "resource type must be image, video or raw")
	}
	if len(keys) == 0 {
		return nil, invalid("publicIds", "at least one public id is required")
	}
	if len(keys) > maxDeleteKeys {
		return nil, invalid("publicIds", fmt.Sprintf("at most %d public ids per request", maxDeleteKeys))
	}
	for _, k := range keys {
		if strings.TrimSpace(k) == "" {
			return nil, invalid("publicIds", "public ids must not be empty")
		}
	}
	if !g.configured() {
		return nil, fmt.Errorf("%w: cloudinary credentials missing", ErrMediaUnavailable)
	}

	outcomes := make([]error, len(keys))
	var eg errgroup.Group
	eg.SetLimit(deleteConcurrency)
	for i, key := range keys {
		eg.Go(func() error {
			outcomes[i] = g.destroy(ctx, key, resourceType)
			return nil
		})
	}
	_ = eg.Wait()

	result := &DeleteResult{Deleted: []string{}, Errors: []DeleteError{}}
	for i, key := range keys {
		if err := outcomes[i]; err != nil {
			g.metrics.MediaOp("delete", "error")
			log.Printf("⚠️  Failed to delete %s: %v", key, err)
			result.Errors = append(result.Errors, DeleteError{Key: key, Message: err.Error()})
			continue
		}
		g.metrics.MediaOp("delete", "ok")
		result.Deleted = append(result.Deleted, key)
	}
	return result, nil
}

func (g *MediaGateway) destroy(ctx context.Context, key, resourceType string) error {
	params := map[string]string{
		"public_id":  key,
		"invalidate": "true",
		"timestamp":  fmt.Sprintf("%d", g.clock.Now().Unix()),
	}
	params["signature"] = sign(params, g.cfg.APISecret)
	params["api_key"] = g.cfg.APIKey

	form := url.Values{}
	for k, v := range params {
		form.Set(k, v)
	}

	endpoint := fmt.Sprintf("%s/%s/%s/destroy", g.cfg.BaseURL, g.cfg.CloudName, resourceType)
	var res struct {
		Result string `json:"result"`
	}
	if err := g.post(ctx, endpoint, "application/x-www-form-urlencoded", strings.NewReader(form.Encode()), &res); err != nil {
		return err
	}
	switch res.Result {
	case "ok", "not found":
		return nil
	}
	return fmt.Errorf("unexpected result %q", res.Result)
}

func (g *MediaGateway) post(ctx context.Context, endpoint, contentType string, body io.Reader, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: failed to read response: %v", ErrMediaUnavailable, err)
	}

	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		_ = json.Unmarshal(raw, &e)
		msg := e.Error.Message
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return fmt.Errorf("%w: status %d: %s", ErrMediaUnavailable, resp.StatusCode, msg)
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: failed to parse response: %v", ErrMediaUnavailable, err)
	}
	return nil
}

func (g *MediaGateway) publicID(kind models.MediaKind, owner uuid.UUID) string {
	parts := []string{string(kind), owner.String(), uuid.NewString()}
	if g.cfg.Folder != "" {
		parts = append([]string{g.cfg.Folder}, parts...)
	}
	return strings.Join(parts, "/")
}

func ownerContext(kind models.MediaKind, owner models.MediaOwner) string {
	ctx := "kind=" + string(kind) + "|owner=" + owner.UserID.String()
	if owner.EntityID != "" {
		ctx += "|entity=" + owner.EntityID
	}
	return ctx
}

// sign computes the Cloudinary signature: SHA-1 over the sorted k=v pairs
// joined with & followed by the API secret
func sign(params map[string]string, secret string) string {
	keys := make([]string, 0, len(params))
	for k, v := range params {
		switch k {
		case "file", "api_key", "resource_type", "cloud_name", "signature":
			continue
		}
		if v == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, len(keys))
	for i, k := range keys {
		pairs[i] = k + "=" + params[k]
	}
	return fmt.Sprintf("%x", sha1.Sum([]byte(strings.Join(pairs, "&")+secret)))
}

// OwnsMediaKey reports whether key was uploaded under userID's owner segment
func OwnsMediaKey(userID uuid.UUID, key string) bool {
	id := userID.String()
	for _, seg := range strings.Split(key, "/") {
		if seg == id {
			return true
		}
	}
	return false
}
