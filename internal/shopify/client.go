// Package shopify talks to the Shopify Admin GraphQL API, mirroring articles
// as metaobjects. Create and update are the only two operations the pipeline
// needs; both are rate limited against Shopify's request budget.
package shopify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// duplicateMarker is the substring Shopify returns when a handle or unique
// field value is already taken by another object.
const duplicateMarker = "Value is already assigned to another metafield"

// ExternalRef identifies a metaobject in the store.
type ExternalRef struct {
	ID     string
	Handle string
}

// UserError is one entry of a mutation's userErrors list.
type UserError struct {
	Field   []string `json:"field"`
	Message string   `json:"message"`
	Code    string   `json:"code"`
}

// UserErrorsError reports a mutation rejected by Shopify's own validation.
// The article stays pending and may be retried on a later run.
type UserErrorsError struct {
	Op     string
	Errors []UserError
}

func (e *UserErrorsError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, ue := range e.Errors {
		msgs[i] = ue.Message
	}
	return fmt.Sprintf("shopify %s rejected: %s", e.Op, strings.Join(msgs, "; "))
}

// ConflictError reports a duplicate-value rejection. Retrying the same
// mutation would hit the same conflict, so callers treat it as
// success-equivalent rather than retryable.
type ConflictError struct {
	Handle  string
	Message string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("handle %q conflicts with an existing metaobject: %s", e.Handle, e.Message)
}

// Client is a minimal Shopify Admin GraphQL client.
type Client struct {
	Endpoint       string
	Token          string
	MetaobjectType string

	client  *http.Client
	limiter *rate.Limiter
}

// NewClient creates a Shopify client. requestsPerSec bounds the sustained
// request rate; short bursts of twice that are allowed.
func NewClient(endpoint, token, metaobjectType string, requestsPerSec float64, timeout time.Duration) *Client {
	return &Client{
		Endpoint:       endpoint,
		Token:          token,
		MetaobjectType: metaobjectType,
		client:         &http.Client{Timeout: timeout},
		limiter:        rate.NewLimiter(rate.Limit(requestsPerSec), int(2*requestsPerSec)),
	}
}

// IsConfigured checks that the client has an endpoint and access token.
func (c *Client) IsConfigured() bool {
	return c.Endpoint != "" && c.Token != ""
}

const createMutation = `mutation CreateMetaobject($metaobject: MetaobjectCreateInput!) {
  metaobjectCreate(metaobject: $metaobject) {
    metaobject { id handle }
    userErrors { field message code }
  }
}`

const updateMutation = `mutation UpdateMetaobject($id: ID!, $metaobject: MetaobjectUpdateInput!) {
  metaobjectUpdate(id: $id, metaobject: $metaobject) {
    metaobject { id handle }
    userErrors { field message code }
  }
}`

// CreateMetaobject creates a new metaobject with the given handle and fields.
func (c *Client) CreateMetaobject(ctx context.Context, handle string, fields []Field) (*ExternalRef, error) {
	variables := map[string]any{
		"metaobject": map[string]any{
			"type":   c.MetaobjectType,
			"handle": handle,
			"fields": fields,
		},
	}
	return c.mutate(ctx, "create", handle, createMutation, variables)
}

// UpdateMetaobject replaces the fields of an existing metaobject by id.
// Repeated calls with the same payload converge to the same external state.
func (c *Client) UpdateMetaobject(ctx context.Context, id string, fields []Field) (*ExternalRef, error) {
	variables := map[string]any{
		"id": id,
		"metaobject": map[string]any{
			"fields": fields,
		},
	}
	return c.mutate(ctx, "update", "", updateMutation, variables)
}

type mutationResult struct {
	Metaobject *struct {
		ID     string `json:"id"`
		Handle string `json:"handle"`
	} `json:"metaobject"`
	UserErrors []UserError `json:"userErrors"`
}

func (c *Client) mutate(ctx context.Context, op, handle, query string, variables map[string]any) (*ExternalRef, error) {
	if !c.IsConfigured() {
		return nil, fmt.Errorf("shopify client not configured: endpoint or access token missing")
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	body, err := json.Marshal(map[string]any{
		"query":     query,
		"variables": variables,
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Shopify-Access-Token", c.Token)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("shopify API error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("shopify API returned %d: %s", resp.StatusCode, string(respBody))
	}

	var envelope struct {
		Data   map[string]mutationResult `json:"data"`
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}

	if len(envelope.Errors) > 0 {
		msgs := make([]string, len(envelope.Errors))
		for i, e := range envelope.Errors {
			msgs[i] = e.Message
		}
		return nil, fmt.Errorf("shopify graphql errors: %s", strings.Join(msgs, "; "))
	}

	var result mutationResult
	for _, r := range envelope.Data {
		result = r
	}

	if len(result.UserErrors) > 0 {
		for _, ue := range result.UserErrors {
			if strings.Contains(ue.Message, duplicateMarker) {
				return nil, &ConflictError{Handle: handle, Message: ue.Message}
			}
		}
		return nil, &UserErrorsError{Op: op, Errors: result.UserErrors}
	}

	if result.Metaobject == nil {
		return nil, fmt.Errorf("shopify %s returned no metaobject and no errors", op)
	}
	return &ExternalRef{ID: result.Metaobject.ID, Handle: result.Metaobject.Handle}, nil
}
