package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"tabsync/internal/syncerrors"
)

const apiBase = "https://api.github.com"

const (
	// ArchiveFilename is the gist entry holding the base64-encoded zip
	// of all sync items.
	ArchiveFilename = "tabby-config.zip"

	// ManifestFilename is the gist entry holding per-item fingerprints
	// for the archive, so devices can classify remote changes without
	// unpacking it.
	ManifestFilename = "manifest.json"
)

// Manifest describes the archive currently stored in the gist.
type Manifest struct {
	Items      map[string]string `json:"items"`
	UploadedAt time.Time         `json:"uploaded_at"`
	Device     string            `json:"device_id"`
}

// EncodeManifest serializes a manifest for upload.
func EncodeManifest(m Manifest) ([]byte, error) {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding manifest: %w", err)
	}

	return data, nil
}

// Outcome reports how an upload concluded.
type Outcome int

const (
	// OutcomeSynced means the remote record was updated.
	OutcomeSynced Outcome = iota

	// OutcomeOffline means every transport failed and the payload was
	// saved to a dated offline file instead. Not a hard failure: the
	// caller reports it distinctly and must not update sync metadata.
	OutcomeOffline
)

// Snapshot is the decoded remote record.
type Snapshot struct {
	ID        string
	UpdatedAt time.Time

	// Archive is the decoded zip, nil when the record has none.
	Archive []byte

	// Manifest is zero-valued when the record has none.
	Manifest Manifest
}

// FallbackSaver persists an upload payload that could not be delivered.
type FallbackSaver interface {
	SaveFallback(blob []byte) (string, error)
}

// Client reads and writes the sync record gist.
type Client struct {
	chain    *Chain
	token    string
	gistID   string
	fallback FallbackSaver
	logger   *slog.Logger

	apiBase string
}

// NewClient creates a gist client. gistID may be empty until Create is
// called or the id is learned from configuration.
func NewClient(chain *Chain, token, gistID string, fallback FallbackSaver, logger *slog.Logger) *Client {
	return &Client{
		chain:    chain,
		token:    token,
		gistID:   gistID,
		fallback: fallback,
		logger:   logger,
		apiBase:  apiBase,
	}
}

// SetAPIBase overrides the API endpoint, for tests.
func (c *Client) SetAPIBase(base string) { c.apiBase = base }

// GistID returns the record id the client currently targets.
func (c *Client) GistID() string { return c.gistID }

// SetGistID points the client at a record id learned after creation.
func (c *Client) SetGistID(id string) { c.gistID = id }

func (c *Client) headers(withBody bool) http.Header {
	h := http.Header{}
	h.Set("Authorization", "token "+c.token)
	h.Set("Accept", "application/vnd.github+json")
	h.Set("User-Agent", "tabsync")

	if withBody {
		h.Set("Content-Type", "application/json")
	}

	return h
}

// Fetch retrieves and decodes the remote record. A missing or deleted
// gist reports ErrRemoteNotFound.
func (c *Client) Fetch(ctx context.Context) (*Snapshot, error) {
	if c.gistID == "" {
		return nil, fmt.Errorf("no gist id configured: %w", syncerrors.ErrRemoteNotFound)
	}

	resp, err := c.chain.Do(ctx, &Request{
		Method: http.MethodGet,
		URL:    c.apiBase + "/gists/" + c.gistID,
		Header: c.headers(false),
	})
	if err != nil {
		return nil, err
	}

	if err := c.checkStatus(resp, "fetching gist"); err != nil {
		return nil, err
	}

	var record struct {
		ID        string    `json:"id"`
		UpdatedAt time.Time `json:"updated_at"`
		Files     map[string]struct {
			Content   string `json:"content"`
			Truncated bool   `json:"truncated"`
			RawURL    string `json:"raw_url"`
		} `json:"files"`
	}
	if err := json.Unmarshal(resp.Body, &record); err != nil {
		return nil, fmt.Errorf("decoding gist response: %w", err)
	}

	snap := &Snapshot{ID: record.ID, UpdatedAt: record.UpdatedAt}

	for name, f := range record.Files {
		content := f.Content
		if f.Truncated {
			raw, err := c.fetchRaw(ctx, f.RawURL)
			if err != nil {
				return nil, fmt.Errorf("fetching truncated file %s: %w", name, err)
			}

			content = string(raw)
		}

		switch name {
		case ArchiveFilename:
			blob, err := base64.StdEncoding.DecodeString(strings.TrimSpace(content))
			if err != nil {
				return nil, fmt.Errorf("decoding archive: %v: %w", err, syncerrors.ErrIntegrity)
			}

			snap.Archive = blob
		case ManifestFilename:
			if err := json.Unmarshal([]byte(content), &snap.Manifest); err != nil {
				return nil, fmt.Errorf("decoding manifest: %v: %w", err, syncerrors.ErrParse)
			}
		}
	}

	return snap, nil
}

func (c *Client) fetchRaw(ctx context.Context, rawURL string) ([]byte, error) {
	resp, err := c.chain.Do(ctx, &Request{
		Method: http.MethodGet,
		URL:    rawURL,
		Header: c.headers(false),
	})
	if err != nil {
		return nil, err
	}

	if err := c.checkStatus(resp, "fetching raw content"); err != nil {
		return nil, err
	}

	return resp.Body, nil
}

// ProbeUpdatedAt returns the remote record's modification time without
// decoding its payload. Used to short-circuit downloads when nothing
// changed remotely.
func (c *Client) ProbeUpdatedAt(ctx context.Context) (time.Time, error) {
	if c.gistID == "" {
		return time.Time{}, fmt.Errorf("no gist id configured: %w", syncerrors.ErrRemoteNotFound)
	}

	resp, err := c.chain.Do(ctx, &Request{
		Method: http.MethodGet,
		URL:    c.apiBase + "/gists/" + c.gistID,
		Header: c.headers(false),
	})
	if err != nil {
		return time.Time{}, err
	}

	if err := c.checkStatus(resp, "probing gist"); err != nil {
		return time.Time{}, err
	}

	return gjson.GetBytes(resp.Body, "updated_at").Time(), nil
}

// Upload replaces the archive and manifest in the remote record. When
// every transport fails, the archive is handed to the fallback saver
// and the upload concludes with OutcomeOffline instead of an error.
func (c *Client) Upload(ctx context.Context, description string, archive, manifest []byte) (Outcome, error) {
	if c.gistID == "" {
		return OutcomeSynced, fmt.Errorf("no gist id configured: %w", syncerrors.ErrRemoteNotFound)
	}

	body, err := uploadBody(description, archive, manifest)
	if err != nil {
		return OutcomeSynced, err
	}

	resp, err := c.chain.Do(ctx, &Request{
		Method: http.MethodPatch,
		URL:    c.apiBase + "/gists/" + c.gistID,
		Header: c.headers(true),
		Body:   body,
	})
	if err != nil {
		return c.saveOffline(archive, err)
	}

	if err := c.checkStatus(resp, "updating gist"); err != nil {
		// A 5xx or rate limit is as good as no delivery for a write:
		// keep the payload locally and retry next cycle. Deterministic
		// rejections (auth, validation) stay hard errors.
		if syncerrors.IsTransient(err) {
			return c.saveOffline(archive, err)
		}

		return OutcomeSynced, err
	}

	return OutcomeSynced, nil
}

// Create makes a new secret gist holding the archive and manifest and
// returns its id. The caller must persist the id. Transport exhaustion
// degrades to an offline save, like Upload.
func (c *Client) Create(ctx context.Context, description string, archive, manifest []byte) (string, Outcome, error) {
	body, err := createBody(description, archive, manifest)
	if err != nil {
		return "", OutcomeSynced, err
	}

	resp, err := c.chain.Do(ctx, &Request{
		Method: http.MethodPost,
		URL:    c.apiBase + "/gists",
		Header: c.headers(true),
		Body:   body,
	})
	if err != nil {
		outcome, err := c.saveOffline(archive, err)
		return "", outcome, err
	}

	if err := c.checkStatus(resp, "creating gist"); err != nil {
		if syncerrors.IsTransient(err) {
			outcome, err := c.saveOffline(archive, err)
			return "", outcome, err
		}

		return "", OutcomeSynced, err
	}

	id := gjson.GetBytes(resp.Body, "id").String()
	if id == "" {
		return "", OutcomeSynced, fmt.Errorf("gist creation response carried no id")
	}

	c.gistID = id

	return id, OutcomeSynced, nil
}

func (c *Client) saveOffline(archive []byte, cause error) (Outcome, error) {
	path, saveErr := c.fallback.SaveFallback(archive)
	if saveErr != nil {
		return OutcomeSynced, fmt.Errorf("offline save after transport failure (%v): %w", cause, saveErr)
	}

	c.logger.Warn("all transports failed, payload saved offline",
		slog.String("path", path),
		slog.String("cause", cause.Error()),
	)

	return OutcomeOffline, nil
}

func uploadBody(description string, archive, manifest []byte) ([]byte, error) {
	payload := map[string]any{
		"description": description,
		"files": map[string]any{
			ArchiveFilename:  map[string]string{"content": base64.StdEncoding.EncodeToString(archive)},
			ManifestFilename: map[string]string{"content": string(manifest)},
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding upload body: %w", err)
	}

	return body, nil
}

func createBody(description string, archive, manifest []byte) ([]byte, error) {
	body, err := uploadBody(description, archive, manifest)
	if err != nil {
		return nil, err
	}

	// Creation additionally marks the gist secret.
	full := append([]byte(`{"public":false,`), body[1:]...)

	return full, nil
}

// checkStatus classifies an HTTP response: 404 means the record is
// gone, 5xx and 429 are transient, other non-2xx are hard failures.
func (c *Client) checkStatus(resp *Response, action string) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%s: %w", action, syncerrors.ErrRemoteNotFound)
	}

	msg := gjson.GetBytes(resp.Body, "message").String()
	if msg == "" {
		msg = sanitizeResponseBody(resp.Body)
	}

	err := fmt.Errorf("%s: HTTP %d: %s", action, resp.StatusCode, msg)
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return &syncerrors.TransientError{Err: err}
	}

	return err
}
