package transport

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Client is a health client plus its connection.
type Client struct {
	healthpb.HealthClient
	cc *grpc.ClientConn
}

func Dial(addr string) (*Client, error) {
	cc, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	return &Client{HealthClient: healthpb.NewHealthClient(cc), cc: cc}, nil
}

// Status asks for the engine service's serving status.
func (c *Client) Status(ctx context.Context) (healthpb.HealthCheckResponse_ServingStatus, error) {
	resp, err := c.Check(ctx, &healthpb.HealthCheckRequest{Service: Service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}

func (c *Client) Close() error { return c.cc.Close() }
