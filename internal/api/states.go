package api

import (
	"context"
	"fmt"
	"net/url"

	"github.com/rickgao/voice-bridge/internal/model"
)

// APIStatus is the response of GET /api/.
type APIStatus struct {
	Message string `json:"message"`
}

// CheckAPI verifies that the API is reachable and the token is accepted.
func (c *Client) CheckAPI(ctx context.Context) (*APIStatus, error) {
	var resp APIStatus
	if err := c.get(ctx, "/", &resp); err != nil {
		return nil, fmt.Errorf("check api: %w", err)
	}
	return &resp, nil
}

// GetConfig fetches the core configuration.
func (c *Client) GetConfig(ctx context.Context) (*model.Config, error) {
	var resp model.Config
	if err := c.get(ctx, "/config", &resp); err != nil {
		return nil, fmt.Errorf("get config: %w", err)
	}
	return &resp, nil
}

// GetStates fetches the state of every entity.
func (c *Client) GetStates(ctx context.Context) ([]model.Entity, error) {
	var resp []model.Entity
	if err := c.get(ctx, "/states", &resp); err != nil {
		return nil, fmt.Errorf("get states: %w", err)
	}
	return resp, nil
}

// GetState fetches a single entity.
func (c *Client) GetState(ctx context.Context, entityID string) (*model.Entity, error) {
	if entityID == "" {
		return nil, fmt.Errorf("get state: %w", model.ErrMissingEntityID)
	}

	var resp model.Entity
	if err := c.get(ctx, "/states/"+url.PathEscape(entityID), &resp); err != nil {
		return nil, fmt.Errorf("get state %s: %w", entityID, err)
	}
	return &resp, nil
}

// CallService invokes a service and returns the states it changed.
func (c *Client) CallService(ctx context.Context, domain, service string, data map[string]any) ([]model.Entity, error) {
	if domain == "" || service == "" {
		return nil, fmt.Errorf("call service: domain and service are required")
	}

	if data == nil {
		data = map[string]any{}
	}

	path := "/services/" + url.PathEscape(domain) + "/" + url.PathEscape(service)
	var resp []model.Entity
	if err := c.post(ctx, path, data, &resp); err != nil {
		return nil, fmt.Errorf("call service %s.%s: %w", domain, service, err)
	}
	return resp, nil
}
