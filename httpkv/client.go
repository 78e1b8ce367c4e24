package httpkv

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.miragespace.co/kv"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

// requestTokenTTL bounds the tokens a client signs for its own requests.
const requestTokenTTL = time.Minute

const maxErrorBody = 64 << 10

type ClientOptions struct {
	// Token is sent as a static bearer credential.
	Token string
	// Secret signs a short-lived token for every request and the tokens
	// embedded in rendered URLs. It takes precedence over Token.
	Secret     string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client consumes a store served by NewHandler. Network failures surface as
// StoreError; otherwise it behaves like the served store.
type Client struct {
	endpoint string
	prefix   string
	token    string
	secret   string
	client   *http.Client
	logger   *zap.Logger
}

var (
	_ kv.Store[[]byte]    = (*Client)(nil)
	_ kv.Haser            = (*Client)(nil)
	_ kv.Clearer          = (*Client)(nil)
	_ kv.Prefixer[[]byte] = (*Client)(nil)
	_ kv.Locatable        = (*Client)(nil)
)

func init() {
	kv.Register(func(_ context.Context, uri string, logger *zap.Logger) (kv.Store[[]byte], error) {
		base, params, err := kv.SplitParams(uri)
		if err != nil {
			return nil, err
		}
		return NewClient(base, ClientOptions{
			Token:  params["token"],
			Secret: params["secret"],
			Logger: logger,
		})
	}, kv.SchemeMatcher("http", "https"))
}

func NewClient(endpoint string, opts ClientOptions) (*Client, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parsing endpoint: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("endpoint %q is not an http(s) URL", endpoint)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Transport: newTransport()}
	}
	return &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		token:    opts.Token,
		secret:   opts.Secret,
		client:   opts.HTTPClient,
		logger:   opts.Logger.With(zap.String("component", "httpkv-client"), zap.String("endpoint", u.Host)),
	}, nil
}

func newTransport() *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.MaxIdleConns = 500
	t.MaxConnsPerHost = 100
	t.MaxIdleConnsPerHost = 10
	t.IdleConnTimeout = time.Minute
	return t
}

func (c *Client) String() string {
	if c.prefix != "" {
		return fmt.Sprintf("ClientKV(%q, prefix=%q)", c.endpoint, c.prefix)
	}
	return fmt.Sprintf("ClientKV(%q)", c.endpoint)
}

func (c *Client) Prefixed(prefix string) kv.Store[[]byte] {
	n := *c
	n.prefix = kv.JoinPrefix(c.prefix, prefix)
	return &n
}

// URL renders the read URL of key. With a secret the URL carries a token
// valid until expiry.
func (c *Client) URL(key string, expiry time.Time) (string, error) {
	q := c.query(key)
	if c.secret != "" {
		token, err := kv.SignToken(c.secret, expiry)
		if err != nil {
			return "", err
		}
		q.Set("token", token)
	}
	return c.endpoint + "/read?" + q.Encode(), nil
}

func (c *Client) Insert(ctx context.Context, key string, val []byte) error {
	resp, err := c.do(ctx, http.MethodPost, "insert", c.query(key), val)
	if err != nil {
		return c.storeError(key, err)
	}
	defer drain(resp)
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	return c.storeFailure(resp, "insert", key)
}

func (c *Client) Read(ctx context.Context, key string) ([]byte, error) {
	resp, err := c.do(ctx, http.MethodGet, "read", c.query(key), nil)
	if err != nil {
		return nil, c.storeError(key, err)
	}
	defer drain(resp)
	if resp.StatusCode != http.StatusOK {
		return nil, c.failure(resp, key)
	}
	val, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, c.storeError(key, err)
	}
	if val == nil {
		val = []byte{}
	}
	return val, nil
}

func (c *Client) Delete(ctx context.Context, key string) error {
	resp, err := c.do(ctx, http.MethodDelete, "delete", c.query(key), nil)
	if err != nil {
		return c.storeError(key, err)
	}
	defer drain(resp)
	if resp.StatusCode != http.StatusOK {
		return c.failure(resp, key)
	}
	return nil
}

func (c *Client) Has(ctx context.Context, key string) (bool, error) {
	resp, err := c.do(ctx, http.MethodGet, "has", c.query(key), nil)
	if err != nil {
		return false, c.storeError(key, err)
	}
	defer drain(resp)
	if resp.StatusCode != http.StatusOK {
		return false, c.storeFailure(resp, "has", key)
	}
	var found bool
	if err := json.NewDecoder(resp.Body).Decode(&found); err != nil {
		return false, c.storeError(key, fmt.Errorf("decoding response: %w", err))
	}
	return found, nil
}

func (c *Client) Clear(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodDelete, "clear", c.query(""), nil)
	if err != nil {
		return c.storeError("", err)
	}
	defer drain(resp)
	if resp.StatusCode != http.StatusOK {
		return c.storeFailure(resp, "clear", "")
	}
	return nil
}

// Keys decodes the streamed listing element by element, so keys are yielded
// while the server is still producing them.
func (c *Client) Keys(ctx context.Context) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		resp, err := c.do(ctx, http.MethodGet, "keys", c.query(""), nil)
		if err != nil {
			yield("", c.storeError("", err))
			return
		}
		defer drain(resp)
		if resp.StatusCode != http.StatusOK {
			yield("", c.storeFailure(resp, "keys", ""))
			return
		}

		it := jsoniter.Parse(json, resp.Body, 4096)
		for it.ReadArray() {
			var r struct {
				Tag   string              `json:"tag"`
				Value jsoniter.RawMessage `json:"value"`
			}
			it.ReadVal(&r)
			if it.Error != nil {
				break
			}
			var (
				key string
				err error
			)
			switch r.Tag {
			case "right":
				if e := json.Unmarshal(r.Value, &key); e != nil {
					err = c.storeError("", fmt.Errorf("decoding key: %w", e))
				}
			case "left":
				err = c.listingError(r.Value)
			default:
				err = c.storeError("", fmt.Errorf("unexpected listing element tag %q", r.Tag))
			}
			if !yield(key, err) {
				return
			}
		}
		if it.Error != nil {
			yield("", c.storeError("", fmt.Errorf("decoding listing: %w", it.Error)))
		}
	}
}

func (c *Client) listingError(raw []byte) error {
	var e kv.Error
	if err := json.Unmarshal(raw, &e); err != nil {
		return c.storeError("", fmt.Errorf("undecodable listing error %s", raw))
	}
	if e.Kind != kv.KindStoreError {
		return kv.StoreErrorf("listing: %s", e.Error())
	}
	return &e
}

func (c *Client) query(key string) url.Values {
	q := url.Values{}
	if key != "" {
		q.Set("key", key)
	}
	if c.prefix != "" {
		q.Set("prefix", c.prefix)
	}
	return q
}

func (c *Client) do(ctx context.Context, method, route string, q url.Values, body []byte) (*http.Response, error) {
	target := c.endpoint + "/" + route
	if len(q) > 0 {
		target += "?" + q.Encode()
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/octet-stream")
	}
	switch {
	case c.secret != "":
		token, err := kv.SignToken(c.secret, time.Now().Add(requestTokenTTL))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	case c.token != "":
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return c.client.Do(req)
}

// failure turns a non-200 response into the error the server reported. A
// body that is not a serialized error is a StoreError, except on 404 where
// the status alone identifies the failure.
func (c *Client) failure(resp *http.Response, key string) *kv.Error {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err == nil {
		var e kv.Error
		if json.Unmarshal(raw, &e) == nil {
			if e.Kind == kv.KindInexistentItem && e.Key == "" {
				e.Key = key
			}
			if e.Kind != kv.KindInexistentItem {
				c.logger.Warn("server reported failure", zap.String("key", key), zap.Int("status", resp.StatusCode), zap.Error(&e))
			}
			return &e
		}
	}
	if resp.StatusCode == http.StatusNotFound {
		return kv.InexistentItem(key)
	}
	e := kv.StoreErrorf("unexpected status %d: %q", resp.StatusCode, raw)
	e.Key = key
	c.logger.Warn("unexpected response", zap.String("key", key), zap.Int("status", resp.StatusCode))
	return e
}

// storeFailure is failure for operations that may only fail with a
// StoreError. Other kinds keep the server's message as detail.
func (c *Client) storeFailure(resp *http.Response, op, key string) *kv.Error {
	e := c.failure(resp, key)
	if e.Kind == kv.KindStoreError {
		return e
	}
	se := kv.StoreErrorf("%s rejected: %s", op, e.Error())
	se.Key = key
	return se
}

func (c *Client) storeError(key string, err error) *kv.Error {
	c.logger.Warn("request failed", zap.String("key", key), zap.Error(err))
	e := kv.StoreError(err)
	e.Key = key
	return e
}

// drain lets the transport reuse the connection.
func drain(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
	resp.Body.Close()
}
