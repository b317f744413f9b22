package enrollment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/go-redis/redis/v7"
	"github.com/lithammer/shortuuid/v3"
	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	tokenPath  = "/wp-json/jwt-auth/v1/token"
	enrollPath = "/wp-json/custom/v1/enroll"
	usersPath  = "/wp-json/wp/v2/users"
	accessPath = "/wp-json/custom/v1/access"

	tokenCacheKey   = "lms:jwt"
	defaultTokenTTL = 10 * time.Minute
	tokenTTLSlack   = time.Minute

	defaultRole = "subscriber"
)

// statusError is a non-2xx response from the LMS
type statusError struct {
	StatusCode int
	Body       string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("lms responded with HTTP %d: %s", e.StatusCode, e.Body)
}

// code returns the WordPress error code of the body, if any
func (e *statusError) code() string {
	var body struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal([]byte(e.Body), &body); err != nil {
		return ""
	}
	return body.Code
}

// ClientOptions contains the configuration for the LMS client
type ClientOptions struct {
	BaseURL  string
	Username string
	Password string
	// Role is given to WordPress users created on first enrollment
	Role       string
	HTTPClient *http.Client
	// Redis caches the bearer token across instances. Optional.
	Redis  redis.UniversalClient
	Logger *zap.Logger
}

// Client talks to the WordPress/Tutor LMS REST API
type Client struct {
	ClientOptions
}

// NewClient returns an LMS client
func NewClient(option ClientOptions) (*Client, error) {
	if option.BaseURL == "" {
		return nil, fmt.Errorf("empty BaseURL is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if option.Role == "" {
		option.Role = defaultRole
	}
	if option.HTTPClient == nil {
		option.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	option.BaseURL = strings.TrimRight(option.BaseURL, "/")
	return &Client{
		ClientOptions: option,
	}, nil
}

type grantRequest struct {
	UserID    int64  `json:"user_id"`
	UserEmail string `json:"user_email"`
	CourseID  string `json:"course_id"`
}

type wpUserRequest struct {
	Username string   `json:"username"`
	Email    string   `json:"email"`
	Password string   `json:"password"`
	Roles    []string `json:"roles"`
}

type wpUser struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

// EnsureUser returns the WordPress user id for email, creating the user
// with a random password when WordPress does not know it yet.
func (c *Client) EnsureUser(ctx context.Context, email string) (int64, error) {
	body, err := json.Marshal(wpUserRequest{
		Username: email,
		Email:    email,
		Password: shortuuid.New() + shortuuid.New(),
		Roles:    []string{c.Role},
	})
	if err != nil {
		return 0, extErrors.Wrap(err, "Cannot encode user request")
	}

	var created wpUser
	err = c.authorized(ctx, http.MethodPost, usersPath, body, &created)
	if err == nil {
		c.Logger.Info("Created LMS user",
			zap.String("email", email),
			zap.Int64("LMSUserID", created.ID),
		)
		return created.ID, nil
	}
	var se *statusError
	if !extErrors.As(err, &se) || se.StatusCode != http.StatusBadRequest {
		return 0, extErrors.Wrap(err, "Cannot create LMS user")
	}
	if code := se.code(); code != "existing_user_login" && code != "existing_user_email" {
		return 0, extErrors.Wrap(err, "Cannot create LMS user")
	}

	q := url.Values{}
	q.Set("search", email)
	q.Set("context", "edit")
	var found []wpUser
	if err := c.authorized(ctx, http.MethodGet, usersPath+"?"+q.Encode(), nil, &found); err != nil {
		return 0, extErrors.Wrap(err, "Cannot look up LMS user")
	}
	if len(found) == 0 {
		return 0, fmt.Errorf("LMS reported %s as existing but search returned nothing", email)
	}
	for _, u := range found {
		if strings.EqualFold(u.Email, email) {
			return u.ID, nil
		}
	}
	return found[0].ID, nil
}

// GrantAccess enrolls the learner with email into courseID, creating the
// WordPress user first when needed.
func (c *Client) GrantAccess(ctx context.Context, email, courseID string) error {
	userID, err := c.EnsureUser(ctx, email)
	if err != nil {
		return err
	}
	body, err := json.Marshal(grantRequest{UserID: userID, UserEmail: email, CourseID: courseID})
	if err != nil {
		return extErrors.Wrap(err, "Cannot encode enroll request")
	}
	if err := c.authorized(ctx, http.MethodPost, enrollPath, body, nil); err != nil {
		return extErrors.Wrap(err, "Cannot enroll user")
	}
	return nil
}

type accessResponse struct {
	HasAccess bool `json:"has_access"`
}

// VerifyRemoteAccess asks the LMS whether email is enrolled in courseID
func (c *Client) VerifyRemoteAccess(ctx context.Context, email, courseID string) (bool, error) {
	q := url.Values{}
	q.Set("user_email", email)
	q.Set("course_id", courseID)

	var res accessResponse
	if err := c.authorized(ctx, http.MethodGet, accessPath+"?"+q.Encode(), nil, &res); err != nil {
		return false, extErrors.Wrap(err, "Cannot verify course access")
	}
	return res.HasAccess, nil
}

// authorized performs a bearer-authenticated call. A 401 drops the cached
// token and retries once with a fresh one.
func (c *Client) authorized(ctx context.Context, method, path string, body []byte, out interface{}) error {
	for attempt := 0; ; attempt++ {
		token, err := c.token(ctx)
		if err != nil {
			return err
		}
		err = c.do(ctx, method, path, body, token, out)
		var se *statusError
		if attempt == 0 && extErrors.As(err, &se) && se.StatusCode == http.StatusUnauthorized {
			c.forgetToken()
			continue
		}
		return err
	}
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, token string, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return extErrors.Wrap(err, "Cannot build request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	res, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		msg, _ := ioutil.ReadAll(io.LimitReader(res.Body, 1024))
		return &statusError{StatusCode: res.StatusCode, Body: string(msg)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return extErrors.Wrap(err, "Cannot decode response")
	}
	return nil
}

type tokenRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

func (c *Client) token(ctx context.Context) (string, error) {
	if c.Redis != nil {
		cached, err := c.Redis.Get(tokenCacheKey).Result()
		if err == nil && cached != "" {
			return cached, nil
		}
		if err != nil && err != redis.Nil {
			c.Logger.Warn("Cannot read cached LMS token",
				zap.Error(err),
			)
		}
	}

	body, err := json.Marshal(tokenRequest{Username: c.Username, Password: c.Password})
	if err != nil {
		return "", extErrors.Wrap(err, "Cannot encode token request")
	}
	var res tokenResponse
	if err := c.do(ctx, http.MethodPost, tokenPath, body, "", &res); err != nil {
		return "", extErrors.Wrap(err, "Cannot obtain LMS token")
	}
	if res.Token == "" {
		return "", fmt.Errorf("LMS returned an empty token")
	}

	if ttl := tokenTTL(res.Token, time.Now()); c.Redis != nil && ttl > 0 {
		if err := c.Redis.Set(tokenCacheKey, res.Token, ttl).Err(); err != nil {
			c.Logger.Warn("Cannot cache LMS token",
				zap.Error(err),
			)
		}
	}
	return res.Token, nil
}

func (c *Client) forgetToken() {
	if c.Redis == nil {
		return
	}
	if err := c.Redis.Del(tokenCacheKey).Err(); err != nil {
		c.Logger.Warn("Cannot drop cached LMS token",
			zap.Error(err),
		)
	}
}

// tokenTTL derives the cache lifetime from the unverified exp claim. Zero
// means the token must not be cached.
func tokenTTL(token string, now time.Time) time.Duration {
	claims := &jwt.StandardClaims{}
	if _, _, err := new(jwt.Parser).ParseUnverified(token, claims); err != nil || claims.ExpiresAt == 0 {
		return defaultTokenTTL
	}
	ttl := time.Unix(claims.ExpiresAt, 0).Sub(now) - tokenTTLSlack
	if ttl <= 0 {
		return 0
	}
	return ttl
}
