// Package messup implements the client side of the messUp chat server's HTTP API.
package messup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/retryafter"
	"golang.org/x/net/publicsuffix"

	"github.com/messup-chat/messup-go/crypto/jwk"
	"github.com/messup-chat/messup-go/event"
	"github.com/messup-chat/messup-go/id"
)

// SessionCookieName is the name of the cookie that authenticates requests to the server.
const SessionCookieName = "JSESSIONID"

// Client represents a messUp API client.
type Client struct {
	BaseURL   *url.URL     // The base server URL
	UserAgent string       // The value for the User-Agent header
	Client    *http.Client // The underlying HTTP client which will be used to make HTTP requests.

	Log zerolog.Logger

	RequestHook  func(req *http.Request)
	ResponseHook func(req *http.Request, resp *http.Response, duration time.Duration)

	// Number of times that requests will be retried
	// if the request fails entirely or returns a HTTP gateway error (502-504)
	DefaultHTTPRetries int
	// Set to true to disable automatically sleeping on 429 errors.
	IgnoreRateLimit bool
}

// NewClient creates a new API client for the given server. The HTTP client has a cookie jar,
// so the credentialed session cookie is sent on every request once set.
func NewClient(baseURL string) (*Client, error) {
	parsedURL, err := parseAndNormalizeBaseURL(baseURL)
	if err != nil {
		return nil, err
	}
	jar, _ := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	return &Client{
		BaseURL:   parsedURL,
		UserAgent: DefaultUserAgent,
		Client:    &http.Client{Timeout: 180 * time.Second, Jar: jar},
		Log:       zerolog.Nop(),

		DefaultHTTPRetries: 2,
	}, nil
}

// SetSessionCookie stores the session cookie in the client's cookie jar.
func (cli *Client) SetSessionCookie(value string) {
	if cli.Client.Jar == nil {
		jar, _ := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
		cli.Client.Jar = jar
	}
	cli.Client.Jar.SetCookies(cli.BaseURL, []*http.Cookie{{
		Name:  SessionCookieName,
		Value: value,
		Path:  "/",
	}})
}

type contextKey int

const (
	LogBodyContextKey contextKey = iota
	LogRequestIDContextKey
)

func (cli *Client) RequestStart(req *http.Request) {
	if cli.RequestHook != nil {
		cli.RequestHook(req)
	}
}

func (cli *Client) LogRequestDone(req *http.Request, resp *http.Response, err error, handlerErr error, contentLength int, duration time.Duration) {
	var evt *zerolog.Event
	if err != nil {
		evt = zerolog.Ctx(req.Context()).Err(err)
	} else if handlerErr != nil {
		evt = zerolog.Ctx(req.Context()).Warn().
			AnErr("body_parse_err", handlerErr)
	} else {
		evt = zerolog.Ctx(req.Context()).Debug()
	}
	evt = evt.
		Str("method", req.Method).
		Str("url", req.URL.String()).
		Dur("duration", duration)
	if resp != nil {
		if cli.ResponseHook != nil {
			cli.ResponseHook(req, resp, duration)
		}
		mime := resp.Header.Get("Content-Type")
		length := resp.ContentLength
		if length == -1 && contentLength > 0 {
			length = int64(contentLength)
		}
		evt = evt.Int("status_code", resp.StatusCode).
			Int64("response_length", length).
			Str("response_mime", mime)
	}
	if body := req.Context().Value(LogBodyContextKey); body != nil {
		evt.Interface("req_body", body)
	}
	if err != nil {
		evt.Msg("Request failed")
	} else if handlerErr != nil {
		evt.Msg("Request parsing failed")
	} else {
		evt.Msg("Request completed")
	}
}

func (cli *Client) MakeRequest(ctx context.Context, method string, httpURL string, reqBody any, resBody any) ([]byte, error) {
	return cli.MakeFullRequest(ctx, FullRequest{Method: method, URL: httpURL, RequestJSON: reqBody, ResponseJSON: resBody})
}

type ClientResponseHandler = func(req *http.Request, res *http.Response, responseJSON any) ([]byte, error)

type FullRequest struct {
	Method           string
	URL              string
	Headers          http.Header
	RequestJSON      any
	ResponseJSON     any
	MaxAttempts      int
	SensitiveContent bool
	Handler          ClientResponseHandler
	Logger           *zerolog.Logger
}

var requestID int32
var logSensitiveContent = os.Getenv("MESSUP_LOG_SENSITIVE_CONTENT") == "yes"

func (params *FullRequest) compileRequest(ctx context.Context) (*http.Request, error) {
	var logBody any
	var reqBody io.Reader
	if params.RequestJSON != nil {
		jsonStr, err := json.Marshal(params.RequestJSON)
		if err != nil {
			return nil, HTTPError{
				Message:      "failed to marshal JSON",
				WrappedError: err,
			}
		}
		if params.SensitiveContent && !logSensitiveContent {
			logBody = "<sensitive content omitted>"
		} else {
			logBody = params.RequestJSON
		}
		reqBody = bytes.NewReader(jsonStr)
	} else if params.Method != http.MethodGet && params.Method != http.MethodHead {
		params.RequestJSON = struct{}{}
		logBody = params.RequestJSON
		reqBody = bytes.NewReader([]byte("{}"))
	}
	reqID := atomic.AddInt32(&requestID, 1)
	logger := zerolog.Ctx(ctx)
	if logger.GetLevel() == zerolog.Disabled || logger == zerolog.DefaultContextLogger {
		logger = params.Logger
	}
	ctx = logger.With().
		Int32("req_id", reqID).
		Logger().WithContext(ctx)
	ctx = context.WithValue(ctx, LogBodyContextKey, logBody)
	ctx = context.WithValue(ctx, LogRequestIDContextKey, int(reqID))
	req, err := http.NewRequestWithContext(ctx, params.Method, params.URL, reqBody)
	if err != nil {
		return nil, HTTPError{
			Message:      "failed to create request",
			WrappedError: err,
		}
	}
	if params.Headers != nil {
		req.Header = params.Headers
	}
	if params.RequestJSON != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// MakeFullRequest makes a JSON HTTP request to the given URL.
// If "ResponseJSON" is not nil, the response body will be json.Unmarshalled into it.
//
// Returns the HTTP body as bytes on 2xx with a nil error. Returns an error if the response is not 2xx along
// with the HTTP body bytes if it got that far. This error is an HTTPError which includes the returned
// HTTP status code and possibly a RespError as the WrappedError, if the HTTP body could be decoded as a RespError.
func (cli *Client) MakeFullRequest(ctx context.Context, params FullRequest) ([]byte, error) {
	if params.MaxAttempts == 0 {
		params.MaxAttempts = 1 + cli.DefaultHTTPRetries
	}
	if params.Logger == nil {
		params.Logger = &cli.Log
	}
	req, err := params.compileRequest(ctx)
	if err != nil {
		return nil, err
	}
	if params.Handler == nil {
		params.Handler = handleNormalResponse
	}
	req.Header.Set("User-Agent", cli.UserAgent)
	return cli.executeCompiledRequest(req, params.MaxAttempts-1, 1*time.Second, params.ResponseJSON, params.Handler)
}

func (cli *Client) doRetry(req *http.Request, cause error, retries int, backoff time.Duration, responseJSON any, handler ClientResponseHandler) ([]byte, error) {
	log := zerolog.Ctx(req.Context())
	if req.Body != nil {
		if req.GetBody == nil {
			log.Warn().Msg("Failed to get new body to retry request: GetBody is nil")
			return nil, cause
		}
		var err error
		req.Body, err = req.GetBody()
		if err != nil {
			log.Warn().Err(err).Msg("Failed to get new body to retry request")
			return nil, cause
		}
	}
	log.Warn().Err(cause).
		Int("retry_in_seconds", int(backoff.Seconds())).
		Msg("Request failed, retrying")
	select {
	case <-time.After(backoff):
	case <-req.Context().Done():
		return nil, HTTPError{
			Request: req,

			Message:      "request cancelled while waiting to retry",
			WrappedError: req.Context().Err(),
		}
	}
	return cli.executeCompiledRequest(req, retries-1, backoff*2, responseJSON, handler)
}

func readRequestBody(req *http.Request, res *http.Response) ([]byte, error) {
	contents, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, HTTPError{
			Request:  req,
			Response: res,

			Message:      "failed to read response body",
			WrappedError: err,
		}
	}
	return contents, nil
}

func handleNormalResponse(req *http.Request, res *http.Response, responseJSON any) ([]byte, error) {
	if contents, err := readRequestBody(req, res); err != nil {
		return nil, err
	} else if responseJSON == nil {
		return contents, nil
	} else if err = json.Unmarshal(contents, &responseJSON); err != nil {
		return nil, HTTPError{
			Request:  req,
			Response: res,

			Message:      "failed to unmarshal response body",
			ResponseBody: string(contents),
			WrappedError: err,
		}
	} else {
		return contents, nil
	}
}

func ParseErrorResponse(req *http.Request, res *http.Response) ([]byte, error) {
	contents, err := readRequestBody(req, res)
	if err != nil {
		return contents, err
	}

	respErr := &RespError{StatusCode: res.StatusCode}
	if _ = json.Unmarshal(contents, respErr); respErr.Err == "" {
		respErr = nil
	}

	return contents, HTTPError{
		Request:      req,
		Response:     res,
		RespError:    respErr,
		ResponseBody: string(contents),
	}
}

func (cli *Client) executeCompiledRequest(req *http.Request, retries int, backoff time.Duration, responseJSON any, handler ClientResponseHandler) ([]byte, error) {
	cli.RequestStart(req)
	startTime := time.Now()
	res, err := cli.Client.Do(req)
	duration := time.Now().Sub(startTime)
	if res != nil {
		defer res.Body.Close()
	}
	if err != nil {
		if retries > 0 && req.Context().Err() == nil {
			return cli.doRetry(req, err, retries, backoff, responseJSON, handler)
		}
		err = HTTPError{
			Request:  req,
			Response: res,

			Message:      "request error",
			WrappedError: err,
		}
		cli.LogRequestDone(req, res, err, nil, 0, duration)
		return nil, err
	}

	if retries > 0 && retryafter.Should(res.StatusCode, !cli.IgnoreRateLimit) {
		backoff = retryafter.Parse(res.Header.Get("Retry-After"), backoff)
		return cli.doRetry(req, fmt.Errorf("HTTP %d", res.StatusCode), retries, backoff, responseJSON, handler)
	}

	var body []byte
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, err = ParseErrorResponse(req, res)
		cli.LogRequestDone(req, res, nil, nil, len(body), duration)
	} else {
		body, err = handler(req, res, responseJSON)
		cli.LogRequestDone(req, res, nil, err, len(body), duration)
	}
	return body, err
}

func isNotFound(err error) bool {
	var httpErr HTTPError
	return errors.As(err, &httpErr) && httpErr.IsStatus(http.StatusNotFound)
}

// UploadPublicKey publishes the user's public key so that contacts can encrypt messages to them.
func (cli *Client) UploadPublicKey(ctx context.Context, username id.Username, publicKey *jwk.Key) error {
	_, err := cli.MakeRequest(ctx, http.MethodPost, cli.BuildURL("api", "keys", "upload"), &ReqUploadPublicKey{
		Username:     username,
		PublicKeyJWK: publicKey,
	}, nil)
	return err
}

// GetPublicKey fetches the public key of the given user. If the user doesn't have a key, the returned error wraps ErrKeyNotFound.
func (cli *Client) GetPublicKey(ctx context.Context, username id.Username) (resp *jwk.Key, err error) {
	_, err = cli.MakeRequest(ctx, http.MethodGet, cli.BuildURL("api", "keys", "get", username), nil, &resp)
	if isNotFound(err) {
		return nil, fmt.Errorf("%w for %s: %w", ErrKeyNotFound, username, err)
	} else if err == nil && (resp == nil || resp.N == "") {
		return nil, fmt.Errorf("%w for %s: server returned an empty key", ErrKeyNotFound, username)
	}
	return
}

// UploadPrivateKeyBackup stores the passphrase-wrapped private key on the server.
func (cli *Client) UploadPrivateKeyBackup(ctx context.Context, req *ReqUploadPrivateKey) error {
	_, err := cli.MakeFullRequest(ctx, FullRequest{
		Method:           http.MethodPost,
		URL:              cli.BuildURL("api", "keys", "upload-private"),
		RequestJSON:      req,
		SensitiveContent: true,
	})
	return err
}

// GetPrivateKeyBackup fetches the passphrase-wrapped private key of the given user.
// If there's no backup, the returned error wraps ErrNoBackup.
func (cli *Client) GetPrivateKeyBackup(ctx context.Context, username id.Username) (resp *RespPrivateKeyBackup, err error) {
	_, err = cli.MakeRequest(ctx, http.MethodGet, cli.BuildURL("api", "keys", "get-private", username), nil, &resp)
	if isNotFound(err) {
		return nil, fmt.Errorf("%w for %s: %w", ErrNoBackup, username, err)
	}
	return
}

// GetCurrentUser returns the currently authenticated user. It's mostly used as a liveness and authentication check.
func (cli *Client) GetCurrentUser(ctx context.Context) (resp *RespCurrentUser, err error) {
	_, err = cli.MakeFullRequest(ctx, FullRequest{
		Method:       http.MethodGet,
		URL:          cli.BuildURL("api", "users", "current"),
		ResponseJSON: &resp,
		MaxAttempts:  1,
	})
	return
}

// GetOldChat fetches the message history of the one-to-one conversation with the given user.
func (cli *Client) GetOldChat(ctx context.Context, username id.Username) (resp []*event.PrivateMessage, err error) {
	_, err = cli.MakeRequest(ctx, http.MethodGet, cli.BuildURL("oldChat", username), nil, &resp)
	return
}
