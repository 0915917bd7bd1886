// Package inoreader is a client for the Inoreader (Google Reader style) API.
package inoreader

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bryan-buckman/infovore-sync/internal/model"
	"github.com/bryan-buckman/infovore-sync/internal/outbound"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

const (
	DefaultBaseURL  = "https://www.inoreader.com/reader/"
	DefaultLoginURL = "https://www.inoreader.com/accounts/ClientLogin"

	userAgent = "infovore-sync/1.0"
)

// ErrUnauthorized is returned when the service rejects the credentials.
var ErrUnauthorized = errors.New("inoreader: unauthorized")

// StatusError is returned for any non-200 response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("inoreader: status %d: %s", e.Code, e.Body)
}

// Config holds the connection settings.
type Config struct {
	Email    string
	Password string
	AppID    string
	AppKey   string
	BaseURL  string
	LoginURL string

	Timeout     time.Duration
	RequestGap  time.Duration
	Concurrency int

	// FetchLimit is the page size for stream contents, MaxPages the number
	// of continuation pages followed.
	FetchLimit int
	MaxPages   int
}

// Entry is one item of a remote stream.
type Entry struct {
	ID         string
	Link       string
	Categories []string
}

// Client talks to the Inoreader API.
type Client struct {
	config  Config
	http    *http.Client
	limiter *limiter
	log     *logrus.Entry

	mu   sync.RWMutex
	auth string
}

// New creates a client. Call Login before any other method.
func New(config Config, log *logrus.Entry) *Client {
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if !strings.HasSuffix(config.BaseURL, "/") {
		config.BaseURL += "/"
	}
	if config.LoginURL == "" {
		config.LoginURL = DefaultLoginURL
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.FetchLimit <= 0 {
		config.FetchLimit = 1000
	}
	if config.MaxPages <= 0 {
		config.MaxPages = 1
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Client{
		config:  config,
		http:    &http.Client{Timeout: config.Timeout},
		limiter: newLimiter(config.Concurrency, config.RequestGap),
		log:     log.WithField("component", "inoreader"),
	}
}

// Login obtains a session token with ClientLogin.
func (c *Client) Login(ctx context.Context) error {
	form := url.Values{"Email": {c.config.Email}, "Passwd": {c.config.Password}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.LoginURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	c.setAppHeaders(req)

	body, err := c.do(ctx, req)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && (se.Code == http.StatusUnauthorized || se.Code == http.StatusForbidden) {
			return fmt.Errorf("login: %w", ErrUnauthorized)
		}
		return fmt.Errorf("login: %w", err)
	}

	scanner := bufio.NewScanner(strings.NewReader(string(body)))
	for scanner.Scan() {
		if token, ok := strings.CutPrefix(scanner.Text(), "Auth="); ok {
			c.mu.Lock()
			c.auth = token
			c.mu.Unlock()
			c.log.Debug("authorized")
			return nil
		}
	}
	return fmt.Errorf("login: no Auth= in response: %w", ErrUnauthorized)
}

// AddCategory tags a remote item.
func (c *Client) AddCategory(ctx context.Context, itemID, category string) error {
	_, err := c.get(ctx, "api/0/edit-tag", url.Values{"a": {category}, "i": {itemID}})
	return err
}

// RemoveCategory untags a remote item.
func (c *Client) RemoveCategory(ctx context.Context, itemID, category string) error {
	_, err := c.get(ctx, "api/0/edit-tag", url.Values{"r": {category}, "i": {itemID}})
	return err
}

// ListSubscriptions returns every remote subscription.
func (c *Client) ListSubscriptions(ctx context.Context) ([]model.Subscription, error) {
	body, err := c.get(ctx, "api/0/subscription/list", nil)
	if err != nil {
		return nil, err
	}
	subs := gjson.GetBytes(body, "subscriptions")
	if !subs.IsArray() {
		return nil, fmt.Errorf("subscription list: missing subscriptions array")
	}
	var out []model.Subscription
	subs.ForEach(func(_, s gjson.Result) bool {
		out = append(out, model.Subscription{
			URL:  s.Get("url").String(),
			Name: s.Get("title").String(),
		})
		return true
	})
	return out, nil
}

// AddSubscription subscribes to feedURL.
func (c *Client) AddSubscription(ctx context.Context, feedURL, name string) error {
	_, err := c.get(ctx, "api/0/subscription/edit", url.Values{
		"ac": {"subscribe"},
		"s":  {"feed/" + feedURL},
		"t":  {name},
	})
	return err
}

// RemoveSubscription unsubscribes from feedURL.
func (c *Client) RemoveSubscription(ctx context.Context, feedURL string) error {
	_, err := c.get(ctx, "api/0/subscription/edit", url.Values{
		"ac": {"unsubscribe"},
		"s":  {"feed/" + feedURL},
	})
	return err
}

// FetchItems returns the remote view of a feed's items, following
// continuation tokens up to MaxPages.
func (c *Client) FetchItems(ctx context.Context, feedURL string) ([]Entry, error) {
	path := "api/0/stream/contents/" + url.PathEscape("feed/"+feedURL)
	query := url.Values{"n": {strconv.Itoa(c.config.FetchLimit)}}

	var entries []Entry
	for page := 0; page < c.config.MaxPages; page++ {
		body, err := c.get(ctx, path, query)
		if err != nil {
			return entries, err
		}
		gjson.GetBytes(body, "items").ForEach(func(_, it gjson.Result) bool {
			e := Entry{
				ID:   it.Get("id").String(),
				Link: it.Get("canonical.0.href").String(),
			}
			if e.Link == "" {
				e.Link = it.Get("alternate.0.href").String()
			}
			for _, cat := range it.Get("categories").Array() {
				e.Categories = append(e.Categories, cat.String())
			}
			entries = append(entries, e)
			return true
		})
		cont := gjson.GetBytes(body, "continuation").String()
		if cont == "" {
			break
		}
		query.Set("c", cont)
	}
	return entries, nil
}

func (c *Client) setAppHeaders(req *http.Request) {
	req.Header.Set("User-Agent", userAgent)
	if c.config.AppID != "" {
		req.Header.Set("AppId", c.config.AppID)
	}
	if c.config.AppKey != "" {
		req.Header.Set("AppKey", c.config.AppKey)
	}
}

// get issues an authenticated GET, logging in again once if the session expired.
func (c *Client) get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	body, err := c.authGet(ctx, path, query)
	if !errors.Is(err, ErrUnauthorized) {
		return body, err
	}
	c.log.Info("session rejected, logging in again")
	if lerr := c.Login(ctx); lerr != nil {
		return nil, outbound.Permanent(lerr)
	}
	body, err = c.authGet(ctx, path, query)
	if errors.Is(err, ErrUnauthorized) {
		return nil, outbound.Permanent(err)
	}
	return body, err
}

func (c *Client) authGet(ctx context.Context, path string, query url.Values) ([]byte, error) {
	u := c.config.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	c.setAppHeaders(req)
	c.mu.RLock()
	req.Header.Set("Authorization", "GoogleLogin auth="+c.auth)
	c.mu.RUnlock()

	body, err := c.do(ctx, req)
	var se *StatusError
	if errors.As(err, &se) {
		if se.Code == http.StatusUnauthorized || se.Code == http.StatusForbidden {
			return nil, fmt.Errorf("%s: %w", path, ErrUnauthorized)
		}
		if se.Code >= 400 && se.Code < 500 && se.Code != http.StatusRequestTimeout && se.Code != http.StatusTooManyRequests {
			return nil, outbound.Permanent(fmt.Errorf("%s: %w", path, err))
		}
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return body, nil
}

func (c *Client) do(ctx context.Context, req *http.Request) ([]byte, error) {
	if err := c.limiter.acquire(ctx); err != nil {
		return nil, err
	}
	defer c.limiter.release()

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := string(body)
		if len(msg) > 200 {
			msg = msg[:200]
		}
		c.log.WithFields(logrus.Fields{"status": resp.StatusCode, "url": req.URL.Path}).Debug("request failed")
		return nil, &StatusError{Code: resp.StatusCode, Body: msg}
	}
	return body, nil
}
