// Package backend implements the REST client for the essay backend.
package backend

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Header names of the backend contract.
const (
	HeaderServerTime    = "LongEssayTime"
	HeaderDataToken     = "LongEssayDataToken"
	HeaderFileToken     = "LongEssayFileToken"
	HeaderCorrelationID = "X-Correlation-Id"
)

const (
	paramUser        = "LongEssayUser"
	paramEnvironment = "LongEssayEnvironment"
	paramSignature   = "LongEssaySignature"
)

const (
	defaultRequestTimeout = 30 * time.Second
	defaultFileTimeout    = 60 * time.Second
	maxErrorBodyBytes     = 512
)

const (
	opGetData     = "backend.get_data"
	opGetUpdate   = "backend.get_update"
	opPutStart    = "backend.put_start"
	opPutSteps    = "backend.put_steps"
	opPutChanges  = "backend.put_changes"
	opPutFinal    = "backend.put_final"
	opPreloadFile = "backend.preload_file"
)

const (
	reasonMissingCredentials = "missing_credentials"
	reasonInvalidBackendURL  = "invalid_backend_url"
	reasonEncodeFailed       = "encode_failed"
	reasonRequestFailed      = "request_failed"
	reasonUnexpectedStatus   = "unexpected_status"
	reasonDecodeFailed       = "decode_failed"
	reasonRejected           = "rejected"
)

var (
	errMissingCredentials = errors.New("backend: backend url, user key, environment key and data token are required")
	errUnexpectedStatus   = errors.New("backend: unexpected status")
	noOpLogger            = zap.NewNop()
)

// ServiceError carries a stable code in the form <operation>.<reason>.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// Credentials identify the writer against the backend.
type Credentials struct {
	BackendURL     string `json:"backend_url"`
	UserKey        string `json:"user_key"`
	EnvironmentKey string `json:"environment_key"`
	DataToken      string `json:"data_token"`
	FileToken      string `json:"file_token"`
}

// Complete reports whether the credentials allow data requests.
func (c Credentials) Complete() bool {
	return c.BackendURL != "" && c.UserKey != "" && c.EnvironmentKey != "" && c.DataToken != ""
}

// ResponseMeta holds the server time and refreshed tokens reported in response headers.
type ResponseMeta struct {
	// ServerTime is the backend time in epoch seconds, valid when HasServerTime is set.
	ServerTime    int64
	HasServerTime bool
	DataToken     string
	FileToken     string
}

// IDProvider issues correlation ids.
type IDProvider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues UUIDv7 identifiers.
func NewUUIDProvider() IDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// Config wires the client.
type Config struct {
	HTTPClient     *http.Client
	RequestTimeout time.Duration
	FileTimeout    time.Duration
	IDProvider     IDProvider
	Logger         *zap.Logger
}

// Client talks to the essay backend. Tokens reported by a response replace the stored ones
// for all following requests.
type Client struct {
	httpClient     *http.Client
	requestTimeout time.Duration
	fileTimeout    time.Duration
	idProvider     IDProvider
	logger         *zap.Logger

	mu          sync.RWMutex
	credentials Credentials
}

// NewClient constructs a Client.
func NewClient(cfg Config) (*Client, error) {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	requestTimeout := cfg.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = defaultRequestTimeout
	}
	fileTimeout := cfg.FileTimeout
	if fileTimeout <= 0 {
		fileTimeout = defaultFileTimeout
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Client{
		httpClient:     httpClient,
		requestTimeout: requestTimeout,
		fileTimeout:    fileTimeout,
		idProvider:     idProvider,
		logger:         logger,
	}, nil
}

// SetCredentials replaces the credentials used for requests.
func (c *Client) SetCredentials(credentials Credentials) {
	c.mu.Lock()
	c.credentials = credentials
	c.mu.Unlock()
}

// Credentials returns the current credentials including rotated tokens.
func (c *Client) Credentials() Credentials {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.credentials
}

// FileURL returns the download url of a file resource, signed with the file token.
func (c *Client) FileURL(resourceKey string) string {
	base, params, err := c.requestTarget(c.Credentials().FileToken)
	if err != nil {
		return ""
	}
	return base + "/file/" + url.PathEscape(resourceKey) + "?" + params.Encode()
}

// GetData loads the full bootstrap payload.
func (c *Client) GetData(ctx context.Context) (DataPayload, ResponseMeta, error) {
	body, meta, err := c.do(ctx, opGetData, http.MethodGet, "/data", nil)
	if err != nil {
		return DataPayload{}, meta, err
	}
	payload, err := decodeDataPayload(body)
	if err != nil {
		c.logError(opGetData, reasonDecodeFailed, err)
		return DataPayload{}, meta, newServiceError(opGetData, reasonDecodeFailed, err)
	}
	return payload, meta, nil
}

// GetUpdate loads the task and alert updates.
func (c *Client) GetUpdate(ctx context.Context) (UpdatePayload, ResponseMeta, error) {
	body, meta, err := c.do(ctx, opGetUpdate, http.MethodGet, "/update", nil)
	if err != nil {
		return UpdatePayload{}, meta, err
	}
	payload, err := decodeUpdatePayload(body)
	if err != nil {
		c.logError(opGetUpdate, reasonDecodeFailed, err)
		return UpdatePayload{}, meta, newServiceError(opGetUpdate, reasonDecodeFailed, err)
	}
	return payload, meta, nil
}

// PutStart records the server time at which writing started.
func (c *Client) PutStart(ctx context.Context, startedServerSeconds int64) (ResponseMeta, error) {
	body, meta, err := c.do(ctx, opPutStart, http.MethodPut, "/start", map[string]int64{"started": startedServerSeconds})
	if err != nil {
		return meta, err
	}
	return meta, c.checkResult(opPutStart, body)
}

// PutSteps delivers writing steps.
func (c *Client) PutSteps(ctx context.Context, request StepsRequest) (ResponseMeta, error) {
	body, meta, err := c.do(ctx, opPutSteps, http.MethodPut, "/steps", request)
	if err != nil {
		return meta, err
	}
	return meta, c.checkResult(opPutSteps, body)
}

// PutChanges delivers pending changes and returns the processed keys per change type.
func (c *Client) PutChanges(ctx context.Context, request ChangesRequest) (ChangesResponse, ResponseMeta, error) {
	body, meta, err := c.do(ctx, opPutChanges, http.MethodPut, "/changes", request)
	if err != nil {
		return ChangesResponse{}, meta, err
	}
	response, err := decodeChangesResponse(body)
	if err != nil {
		c.logError(opPutChanges, reasonDecodeFailed, err)
		return ChangesResponse{}, meta, newServiceError(opPutChanges, reasonDecodeFailed, err)
	}
	return response, meta, nil
}

// PutFinal delivers the final content, optionally authorizing it as submission.
func (c *Client) PutFinal(ctx context.Context, request FinalRequest) (ResponseMeta, error) {
	body, meta, err := c.do(ctx, opPutFinal, http.MethodPut, "/final", request)
	if err != nil {
		return meta, err
	}
	return meta, c.checkResult(opPutFinal, body)
}

// PreloadFile downloads a file resource and discards it so that later loads are cached by
// the transport. It uses the longer file timeout.
func (c *Client) PreloadFile(ctx context.Context, fileURL string) error {
	ctx, cancel := context.WithTimeout(ctx, c.fileTimeout)
	defer cancel()

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return newServiceError(opPreloadFile, reasonInvalidBackendURL, err)
	}
	c.setCorrelationID(request)
	response, err := c.httpClient.Do(request)
	if err != nil {
		c.logError(opPreloadFile, reasonRequestFailed, err)
		return newServiceError(opPreloadFile, reasonRequestFailed, err)
	}
	defer response.Body.Close()
	if response.StatusCode < 200 || response.StatusCode > 299 {
		statusErr := fmt.Errorf("%w: %d", errUnexpectedStatus, response.StatusCode)
		c.logError(opPreloadFile, reasonUnexpectedStatus, statusErr)
		return newServiceError(opPreloadFile, reasonUnexpectedStatus, statusErr)
	}
	_, err = io.Copy(io.Discard, response.Body)
	return err
}

func (c *Client) do(ctx context.Context, operation, method, path string, payload any) ([]byte, ResponseMeta, error) {
	base, params, err := c.requestTarget(c.Credentials().DataToken)
	if err != nil {
		c.logError(operation, reasonMissingCredentials, err)
		return nil, ResponseMeta{}, newServiceError(operation, reasonMissingCredentials, err)
	}

	var body io.Reader
	if payload != nil {
		encoded, encodeErr := json.Marshal(payload)
		if encodeErr != nil {
			c.logError(operation, reasonEncodeFailed, encodeErr)
			return nil, ResponseMeta{}, newServiceError(operation, reasonEncodeFailed, encodeErr)
		}
		body = bytes.NewReader(encoded)
	}

	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	request, err := http.NewRequestWithContext(ctx, method, base+path+"?"+params.Encode(), body)
	if err != nil {
		c.logError(operation, reasonInvalidBackendURL, err)
		return nil, ResponseMeta{}, newServiceError(operation, reasonInvalidBackendURL, err)
	}
	request.Header.Set("Accept", "application/json")
	if payload != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	correlationID := c.setCorrelationID(request)

	response, err := c.httpClient.Do(request)
	if err != nil {
		c.logError(operation, reasonRequestFailed, err, zap.String("correlation_id", correlationID))
		return nil, ResponseMeta{}, newServiceError(operation, reasonRequestFailed, err)
	}
	defer response.Body.Close()

	responseBody, err := io.ReadAll(response.Body)
	if err != nil {
		c.logError(operation, reasonRequestFailed, err, zap.String("correlation_id", correlationID))
		return nil, ResponseMeta{}, newServiceError(operation, reasonRequestFailed, err)
	}
	if response.StatusCode < 200 || response.StatusCode > 299 {
		statusErr := fmt.Errorf("%w: %d %s", errUnexpectedStatus, response.StatusCode, truncate(responseBody))
		c.logError(operation, reasonUnexpectedStatus, statusErr,
			zap.String("correlation_id", correlationID),
			zap.Int("status", response.StatusCode))
		return nil, ResponseMeta{}, newServiceError(operation, reasonUnexpectedStatus, statusErr)
	}

	meta := c.applyResponseHeaders(response.Header)
	c.logger.Debug("backend request completed",
		zap.String("operation", operation),
		zap.String("correlation_id", correlationID),
		zap.Int("status", response.StatusCode))
	return responseBody, meta, nil
}

// requestTarget splits the backend url into the base url and its query parameters and adds
// the authentication parameters signed with token.
func (c *Client) requestTarget(token string) (string, url.Values, error) {
	credentials := c.Credentials()
	if credentials.BackendURL == "" || credentials.UserKey == "" || credentials.EnvironmentKey == "" {
		return "", nil, errMissingCredentials
	}
	base := credentials.BackendURL
	params := url.Values{}
	if position := strings.Index(base, "?"); position >= 0 {
		parsed, err := url.ParseQuery(base[position+1:])
		if err != nil {
			return "", nil, err
		}
		params = parsed
		base = base[:position]
	}
	base = strings.TrimRight(base, "/")
	params.Set(paramUser, credentials.UserKey)
	params.Set(paramEnvironment, credentials.EnvironmentKey)
	params.Set(paramSignature, Signature(credentials.UserKey, credentials.EnvironmentKey, token))
	return base, params, nil
}

// Signature returns the md5 signature the backend expects instead of the token itself.
func Signature(userKey, environmentKey, token string) string {
	sum := md5.Sum([]byte(userKey + environmentKey + token))
	return hex.EncodeToString(sum[:])
}

func (c *Client) applyResponseHeaders(header http.Header) ResponseMeta {
	meta := ResponseMeta{
		DataToken: header.Get(HeaderDataToken),
		FileToken: header.Get(HeaderFileToken),
	}
	if value := header.Get(HeaderServerTime); value != "" {
		if seconds, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64); err == nil {
			meta.ServerTime = seconds
			meta.HasServerTime = true
		}
	}
	if meta.DataToken != "" || meta.FileToken != "" {
		c.mu.Lock()
		if meta.DataToken != "" {
			c.credentials.DataToken = meta.DataToken
		}
		if meta.FileToken != "" {
			c.credentials.FileToken = meta.FileToken
		}
		c.mu.Unlock()
	}
	return meta
}

func (c *Client) checkResult(operation string, body []byte) error {
	result, err := decodeResult(body)
	if err != nil {
		c.logError(operation, reasonDecodeFailed, err)
		return newServiceError(operation, reasonDecodeFailed, err)
	}
	if !result.Success {
		rejected := fmt.Errorf("backend: %s %s", result.Message, result.Details)
		c.logError(operation, reasonRejected, rejected)
		return newServiceError(operation, reasonRejected, rejected)
	}
	return nil
}

func (c *Client) setCorrelationID(request *http.Request) string {
	correlationID, err := c.idProvider.NewID()
	if err != nil {
		return ""
	}
	request.Header.Set(HeaderCorrelationID, correlationID)
	return correlationID
}

func (c *Client) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	c.logger.Error("backend request error", attrs...)
}

func truncate(body []byte) string {
	if len(body) > maxErrorBodyBytes {
		return string(body[:maxErrorBodyBytes])
	}
	return string(body)
}
