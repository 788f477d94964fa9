package rpc

import (
	"context"
)

// Client calls the classifier service over an Invoker.
type Client struct {
	inv Invoker
}

// NewClient creates a client. inv is typically a *Pool or a *drpcconn.Conn.
func NewClient(inv Invoker) *Client {
	return &Client{inv: inv}
}

func (c *Client) UploadImage(ctx context.Context, req *ClassifyRequest) (*ClassifyResponse, error) {
	out := &ClassifyResponse{}
	if err := c.inv.Invoke(ctx, RPCUploadImage, encoding{}, req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) UploadImages(ctx context.Context, req *BatchRequest) (*BatchResponse, error) {
	out := &BatchResponse{}
	if err := c.inv.Invoke(ctx, RPCUploadImages, encoding{}, req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetModelInfo(ctx context.Context) (*ModelInfoResponse, error) {
	out := &ModelInfoResponse{}
	if err := c.inv.Invoke(ctx, RPCGetModelInfo, encoding{}, &ModelInfoRequest{}, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	out := &HealthResponse{}
	if err := c.inv.Invoke(ctx, RPCHealth, encoding{}, &HealthRequest{}, out); err != nil {
		return nil, err
	}
	return out, nil
}
