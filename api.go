package bililive

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Public API hosts.
const (
	DefaultLiveAPIURL = "https://api.live.bilibili.com"
	DefaultMainAPIURL = "https://api.bilibili.com"
)

const (
	roomInitPath = "/room/v1/Room/room_init"
	navPath      = "/x/web-interface/nav"
	chatSendPath = "/msg/send"

	sessionCookie = "SESSDATA"
	csrfCookie    = "bili_jct"

	defaultAPITimeout = 10 * time.Second
	maxResponseBytes  = 1 << 20
)

// APIClient talks to the HTTP API around the feed. It implements
// RoomResolver, Authenticator and ChatPoster.
type APIClient struct {
	liveURL string
	mainURL string
	client  *http.Client
	csrf    string
	hasAuth bool
}

// APIOption configures an APIClient.
type APIOption func(*APIClient)

// APIBaseURLOption overrides the live and main API hosts.
func APIBaseURLOption(live, main string) APIOption {
	return func(c *APIClient) {
		c.liveURL = strings.TrimRight(live, "/")
		c.mainURL = strings.TrimRight(main, "/")
	}
}

// HTTPClientOption sets the HTTP client. Its cookie jar is replaced when a
// cookie string is given to NewAPIClient.
func HTTPClientOption(client *http.Client) APIOption {
	return func(c *APIClient) {
		c.client = client
	}
}

// NewAPIClient returns a client authenticated by cookie, a raw Cookie header
// value copied from a browser. An empty cookie gives an anonymous client.
func NewAPIClient(cookie string, opt ...APIOption) (*APIClient, error) {
	c := &APIClient{
		liveURL: DefaultLiveAPIURL,
		mainURL: DefaultMainAPIURL,
	}
	for _, o := range opt {
		o(c)
	}
	if c.client == nil {
		c.client = &http.Client{Timeout: defaultAPITimeout}
	}

	if strings.TrimSpace(cookie) == "" {
		return c, nil
	}

	cookies, err := http.ParseCookie(cookie)
	if err != nil {
		return nil, errors.Wrap(err, "parse cookie")
	}

	jar, err := NewCookieJar(cookies, c.liveURL, c.mainURL)
	if err != nil {
		return nil, err
	}

	client := *c.client
	client.Jar = jar
	c.client = &client

	for _, ck := range cookies {
		switch ck.Name {
		case csrfCookie:
			c.csrf = ck.Value
		case sessionCookie:
			c.hasAuth = ck.Value != ""
		}
	}
	return c, nil
}

// NewCookieJar returns a jar holding cookies for every given base URL.
func NewCookieJar(cookies []*http.Cookie, baseURLs ...string) (http.CookieJar, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, errors.Wrap(err, "create cookie jar")
	}
	for _, raw := range baseURLs {
		u, err := url.Parse(raw)
		if err != nil {
			return nil, errors.Wrapf(err, "parse base url %q", raw)
		}
		jar.SetCookies(u, cookies)
	}
	return jar, nil
}

// CSRF returns the token taken from the bili_jct cookie.
func (c *APIClient) CSRF() string { return c.csrf }

type apiResponse[T any] struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Msg     string `json:"msg"`
	Data    T      `json:"data"`
}

func (r *apiResponse[T]) err() error {
	if r.Code == 0 {
		return nil
	}
	msg := r.Message
	if msg == "" {
		msg = r.Msg
	}
	return errors.Errorf("api code %d: %s", r.Code, msg)
}

// ResolveRoom implements RoomResolver.
func (c *APIClient) ResolveRoom(ctx context.Context, requested int64) (int64, error) {
	var resp apiResponse[struct {
		RoomID int64 `json:"room_id"`
	}]

	query := url.Values{"id": {strconv.FormatInt(requested, 10)}}
	if err := c.get(ctx, c.liveURL+roomInitPath+"?"+query.Encode(), &resp); err != nil {
		return 0, err
	}
	if err := resp.err(); err != nil {
		return 0, err
	}
	return resp.Data.RoomID, nil
}

type navData struct {
	IsLogin bool   `json:"isLogin"`
	Mid     int64  `json:"mid"`
	Uname   string `json:"uname"`
}

// CheckLogin implements Authenticator. Without a session cookie it reports
// false without a request.
func (c *APIClient) CheckLogin(ctx context.Context) (bool, error) {
	if !c.hasAuth {
		return false, nil
	}
	nav, err := c.nav(ctx)
	if err != nil {
		return false, err
	}
	return nav.IsLogin, nil
}

// FetchProfile implements Authenticator.
func (c *APIClient) FetchProfile(ctx context.Context) (Profile, error) {
	nav, err := c.nav(ctx)
	if err != nil {
		return Profile{}, err
	}
	if !nav.IsLogin {
		return Profile{}, errors.New("not logged in")
	}
	return Profile{UserID: nav.Mid, UserName: nav.Uname}, nil
}

func (c *APIClient) nav(ctx context.Context) (navData, error) {
	var resp apiResponse[navData]
	if err := c.get(ctx, c.mainURL+navPath, &resp); err != nil {
		return navData{}, err
	}
	// The nav endpoint answers -101 for anonymous callers.
	if resp.Code == -101 {
		return navData{}, nil
	}
	if err := resp.err(); err != nil {
		return navData{}, err
	}
	return resp.Data, nil
}

// PostChat implements ChatPoster. It returns the API code; a non-zero code
// with a nil error means the server rejected the chunk.
func (c *APIClient) PostChat(ctx context.Context, post ChatPost) (int, error) {
	form := url.Values{
		"color":      {strconv.Itoa(post.Color)},
		"fontsize":   {strconv.Itoa(post.FontSize)},
		"mode":       {strconv.Itoa(post.Mode)},
		"msg":        {post.Text},
		"rnd":        {strconv.FormatInt(post.Rnd, 10)},
		"roomid":     {strconv.FormatInt(post.RoomID, 10)},
		"bubble":     {"0"},
		"csrf":       {c.csrf},
		"csrf_token": {c.csrf},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.liveURL+chatSendPath, strings.NewReader(form.Encode()))
	if err != nil {
		return 0, errors.Wrap(err, "build chat request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var resp apiResponse[json.RawMessage]
	if err := c.do(req, &resp); err != nil {
		return 0, err
	}
	return resp.Code, nil
}

func (c *APIClient) get(ctx context.Context, rawURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	return c.do(req, out)
}

func (c *APIClient) do(req *http.Request, out any) error {
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", req.Method, req.URL.Path)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		return errors.Errorf("%s %s: status %s", req.Method, req.URL.Path, resp.Status)
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(out); err != nil {
		return errors.Wrapf(err, "decode %s", req.URL.Path)
	}
	return nil
}
