package source

import (
	"context"
	"fmt"
	"net/url"
)

// RequestCode starts the OAuth flow and returns the request code together
// with the URL the user must visit to approve it.
func (c *Client) RequestCode(ctx context.Context, redirectURI string) (code, loginURL string, err error) {
	var resp struct {
		Code string `json:"code"`
	}
	if err := c.post(ctx, "/v3/oauth/request", map[string]interface{}{"redirect_uri": redirectURI}, &resp); err != nil {
		return "", "", err
	}
	loginURL = fmt.Sprintf("%s/auth/authorize?request_token=%s&redirect_uri=%s",
		c.baseURL, url.QueryEscape(resp.Code), url.QueryEscape(redirectURI))
	return resp.Code, loginURL, nil
}

type Authorization struct {
	AccessToken string `json:"access_token"`
	Username    string `json:"username"`
}

// Authorize exchanges an approved request code for an access token.
func (c *Client) Authorize(ctx context.Context, code string) (*Authorization, error) {
	var auth Authorization
	if err := c.post(ctx, "/v3/oauth/authorize", map[string]interface{}{"code": code}, &auth); err != nil {
		return nil, err
	}
	if auth.AccessToken == "" {
		return nil, &Error{StatusCode: 200, Message: "authorization returned no access token"}
	}
	return &auth, nil
}
