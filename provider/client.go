/*
Copyright 2017 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package provider is the thin outbound adapter to the source-control
// provider. It posts commit statuses and fetches user info; it never reads
// webhook payloads (that's ingest's job).
package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/go-github/github"
	"github.com/pkg/errors"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

// StatusContext is the literal context string attached to every status this
// system posts back to the provider.
const StatusContext = "continuous-integration/cinch"

// State is a commit-status state, as accepted by the provider's statuses API.
type State string

const (
	StatePending State = "pending"
	StateSuccess State = "success"
	StateError   State = "error"
	StateFailure State = "failure"
)

// ErrProviderAPI wraps a failed outbound call. Per the error taxonomy it is
// logged and never retried in-band.
type ErrProviderAPI struct {
	Op  string
	Err error
}

func (e *ErrProviderAPI) Error() string {
	return fmt.Sprintf("provider API error during %s: %v", e.Op, e.Err)
}

func (e *ErrProviderAPI) Unwrap() error { return e.Err }

// Logger is satisfied by *logrus.Entry; kept as an interface so tests can
// substitute a no-op logger the way the teacher's github.Client does.
type Logger interface {
	Printf(s string, v ...interface{})
}

// Client is the outbound adapter. Construct with NewClient for production
// use or NewDryRunClient for staging environments where posting statuses
// should be suppressed (PROVIDER_DRY_RUN, see config).
type Client struct {
	Logger Logger

	gh      *github.Client
	limiter *rate.Limiter
	dry     bool
}

const (
	// requestsPerSecond caps outbound calls comfortably under the provider's
	// unauthenticated/secondary rate-limit thresholds.
	requestsPerSecond = 5
	burst             = 10
)

// NewClient creates a fully operational provider client authenticated with
// the given bearer token (PROVIDER_TOKEN).
func NewClient(ctx context.Context, token string) *Client {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	hc := oauth2.NewClient(ctx, ts)
	return &Client{
		gh:      github.NewClient(hc),
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), burst),
	}
}

// NewDryRunClient creates a client that performs reads but never mutates.
func NewDryRunClient(ctx context.Context, token string) *Client {
	c := NewClient(ctx, token)
	c.dry = true
	return c
}

func (c *Client) log(methodName string, args ...interface{}) {
	if c.Logger == nil {
		return
	}
	as := make([]string, len(args))
	for i, arg := range args {
		as[i] = fmt.Sprintf("%v", arg)
	}
	c.Logger.Printf("%s(%s)", methodName, strings.Join(as, ", "))
}

// PostStatus posts (or updates) the commit status for sha on owner/name.
// Failure is returned as *ErrProviderAPI; callers log it and move on, per
// the error taxonomy — no in-band retry.
func (c *Client) PostStatus(ctx context.Context, owner, name, sha string, state State, description, targetURL string) error {
	c.log("PostStatus", owner, name, sha, state)
	if c.dry {
		return nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return &ErrProviderAPI{Op: "PostStatus", Err: err}
	}

	status := &github.RepoStatus{
		State:       github.String(string(state)),
		Description: github.String(description),
		Context:     github.String(StatusContext),
	}
	if targetURL != "" {
		status.TargetURL = github.String(targetURL)
	}

	_, _, err := c.gh.Repositories.CreateStatus(ctx, owner, name, sha, status)
	if err != nil {
		return &ErrProviderAPI{Op: "PostStatus", Err: err}
	}
	return nil
}

// GetUser fetches the canonical login for the given username. Nothing in
// this repository calls it; ingest stores webhook author logins as received.
func (c *Client) GetUser(ctx context.Context, login string) (string, error) {
	c.log("GetUser", login)
	if err := c.limiter.Wait(ctx); err != nil {
		return "", &ErrProviderAPI{Op: "GetUser", Err: err}
	}
	u, _, err := c.gh.Users.Get(ctx, login)
	if err != nil {
		return "", &ErrProviderAPI{Op: "GetUser", Err: errors.Wrap(err, "fetching user")}
	}
	if u.Login == nil {
		return "", nil
	}
	return *u.Login, nil
}
