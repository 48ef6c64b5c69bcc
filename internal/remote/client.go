package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	defaultTimeout   = 15 * time.Second
	headerAuth       = "Authorization"
	headerContent    = "Content-Type"
	contentTypeJSON  = "application/json"
	maxResponseBytes = 8 << 20
)

var (
	// ErrUnavailable covers transport failures, timeouts, 5xx responses, and
	// undecodable bodies. Callers treat it as transient.
	ErrUnavailable = errors.New("remote: service unavailable")
	// ErrNotFound indicates the entity does not exist remotely.
	ErrNotFound = errors.New("remote: not found")
	// ErrConflict indicates the server rejected the write as conflicting.
	ErrConflict = errors.New("remote: conflict")
	// ErrInvalid indicates the server rejected the request as malformed.
	ErrInvalid = errors.New("remote: invalid request")
	// ErrUnauthorized indicates the device credentials were rejected.
	ErrUnauthorized = errors.New("remote: unauthorized")

	errMissingBaseURL = errors.New("base url is required")
	errMissingTokens  = errors.New("token source is required")
)

// RemoteDocument is the normalized server representation of a document.
type RemoteDocument struct {
	ID             string          `json:"id"`
	Title          string          `json:"title"`
	SpaceID        string          `json:"space_id"`
	ParentID       string          `json:"parent_id,omitempty"`
	ContentJSON    json.RawMessage `json:"content_json,omitempty"`
	CrdtUpdateB64  string          `json:"crdt_update_b64,omitempty"`
	StateVectorB64 string          `json:"state_vector_b64,omitempty"`
	Version        int64           `json:"version"`
	ModifiedAt     time.Time       `json:"modified_at"`
}

// CreateDocumentRequest is the wire body for document creation.
type CreateDocumentRequest struct {
	Title          string          `json:"title"`
	SpaceID        string          `json:"space_id"`
	ParentID       string          `json:"parent_id,omitempty"`
	ContentJSON    json.RawMessage `json:"content_json,omitempty"`
	CrdtUpdateB64  string          `json:"crdt_update_b64,omitempty"`
	StateVectorB64 string          `json:"state_vector_b64,omitempty"`
}

// UpdateDocumentRequest is the wire body for document updates.
type UpdateDocumentRequest struct {
	Title          string          `json:"title,omitempty"`
	ContentJSON    json.RawMessage `json:"content_json,omitempty"`
	CrdtUpdateB64  string          `json:"crdt_update_b64,omitempty"`
	StateVectorB64 string          `json:"state_vector_b64,omitempty"`
	Version        int64           `json:"version,omitempty"`
}

// TokenSource supplies bearer tokens for outbound requests.
type TokenSource interface {
	BearerToken() (string, error)
}

// ClientConfig bundles configuration for the document API client.
type ClientConfig struct {
	BaseURL    string
	Tokens     TokenSource
	HTTPClient *http.Client
	Timeout    time.Duration
	Logger     *zap.Logger
}

// Client talks to the remote document API. It tolerates both wrapped
// ({"data": ...}) and bare response bodies, which collaborators emit
// inconsistently, and classifies every failure into the error taxonomy above.
type Client struct {
	baseURL    string
	tokens     TokenSource
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient constructs a client with validated configuration.
func NewClient(cfg ClientConfig) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errMissingBaseURL
	}
	if cfg.Tokens == nil {
		return nil, errMissingTokens
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:    baseURL,
		tokens:     cfg.Tokens,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// CreateDocument creates a document remotely.
func (client *Client) CreateDocument(ctx context.Context, request CreateDocumentRequest) (RemoteDocument, error) {
	return client.sendDocument(ctx, http.MethodPost, "/documents", request)
}

// GetDocument fetches one document.
func (client *Client) GetDocument(ctx context.Context, documentID string) (RemoteDocument, error) {
	return client.sendDocument(ctx, http.MethodGet, "/documents/"+documentID, nil)
}

// UpdateDocument merges local state into the remote document.
func (client *Client) UpdateDocument(ctx context.Context, documentID string, request UpdateDocumentRequest) (RemoteDocument, error) {
	return client.sendDocument(ctx, http.MethodPatch, "/documents/"+documentID, request)
}

// DeleteDocument removes the document remotely.
func (client *Client) DeleteDocument(ctx context.Context, documentID string) error {
	_, err := client.send(ctx, http.MethodDelete, "/documents/"+documentID, nil)
	return err
}

// ListDocuments returns the documents of a space.
func (client *Client) ListDocuments(ctx context.Context, spaceID string) ([]RemoteDocument, error) {
	return client.sendDocumentList(ctx, "/spaces/"+spaceID+"/documents")
}

// GetChildren returns a document's direct children.
func (client *Client) GetChildren(ctx context.Context, documentID string) ([]RemoteDocument, error) {
	return client.sendDocumentList(ctx, "/documents/"+documentID+"/children")
}

// GetPath returns the ancestor chain of a document, root first.
func (client *Client) GetPath(ctx context.Context, documentID string) ([]RemoteDocument, error) {
	return client.sendDocumentList(ctx, "/documents/"+documentID+"/path")
}

func (client *Client) sendDocument(ctx context.Context, method, path string, request interface{}) (RemoteDocument, error) {
	body, err := client.send(ctx, method, path, request)
	if err != nil {
		return RemoteDocument{}, err
	}
	var document RemoteDocument
	if err := decodeBody(body, &document); err != nil {
		return RemoteDocument{}, err
	}
	return document, nil
}

func (client *Client) sendDocumentList(ctx context.Context, path string) ([]RemoteDocument, error) {
	body, err := client.send(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var documents []RemoteDocument
	if err := decodeBody(body, &documents); err != nil {
		return nil, err
	}
	return documents, nil
}

func (client *Client) send(ctx context.Context, method, path string, request interface{}) ([]byte, error) {
	var requestBody io.Reader
	if request != nil {
		encoded, err := json.Marshal(request)
		if err != nil {
			return nil, fmt.Errorf("%w: encode request: %v", ErrInvalid, err)
		}
		requestBody = bytes.NewReader(encoded)
	}

	httpRequest, err := http.NewRequestWithContext(ctx, method, client.baseURL+path, requestBody)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if request != nil {
		httpRequest.Header.Set(headerContent, contentTypeJSON)
	}
	token, err := client.tokens.BearerToken()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	httpRequest.Header.Set(headerAuth, "Bearer "+token)

	response, err := client.httpClient.Do(httpRequest)
	if err != nil {
		client.logger.Debug("remote request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer response.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrUnavailable, err)
	}

	if statusErr := classifyStatus(response.StatusCode); statusErr != nil {
		client.logger.Debug("remote request rejected",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", response.StatusCode))
		return nil, fmt.Errorf("%w: %s %s returned %d", statusErr, method, path, response.StatusCode)
	}
	return body, nil
}

func classifyStatus(statusCode int) error {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return nil
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return ErrUnauthorized
	case statusCode == http.StatusNotFound:
		return ErrNotFound
	case statusCode == http.StatusConflict:
		return ErrConflict
	case statusCode == http.StatusBadRequest || statusCode == http.StatusUnprocessableEntity:
		return ErrInvalid
	default:
		return ErrUnavailable
	}
}

// decodeBody unmarshals a response that may or may not be wrapped in a
// {"data": ...} envelope. Parse failures are network-class, not fatal.
func decodeBody(body []byte, target interface{}) error {
	payload := body
	var wrapped struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &wrapped); err == nil && len(wrapped.Data) > 0 {
		payload = wrapped.Data
	}
	if err := json.Unmarshal(payload, target); err != nil {
		return fmt.Errorf("%w: undecodable response: %v", ErrUnavailable, err)
	}
	return nil
}
