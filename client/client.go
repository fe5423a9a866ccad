package main

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

// FeedStatus is the serving status of one feed as reported by the watchdog
type FeedStatus struct {
	Feed   string
	Status healthpb.HealthCheckResponse_ServingStatus
}

// StatusClient queries the watchdog's gRPC health service
type StatusClient struct {
	serverAddr string
	conn       *grpc.ClientConn
	client     healthpb.HealthClient
}

// NewStatusClient creates a new status client
func NewStatusClient(serverAddr string) *StatusClient {
	return &StatusClient{
		serverAddr: serverAddr,
	}
}

// Connect establishes connection to the watchdog
func (c *StatusClient) Connect() error {
	conn, err := grpc.NewClient(c.serverAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}

	c.conn = conn
	c.client = healthpb.NewHealthClient(conn)
	return nil
}

// Close closes the connection
func (c *StatusClient) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Check returns the current status of each feed. Feeds the watchdog does
// not monitor are reported as SERVICE_UNKNOWN.
func (c *StatusClient) Check(ctx context.Context, feeds []string) ([]FeedStatus, error) {
	statuses := make([]FeedStatus, 0, len(feeds))
	for _, feed := range feeds {
		resp, err := c.client.Check(ctx, &healthpb.HealthCheckRequest{Service: feed})
		if status.Code(err) == codes.NotFound {
			statuses = append(statuses, FeedStatus{Feed: feed, Status: healthpb.HealthCheckResponse_SERVICE_UNKNOWN})
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to check %s: %w", feed, err)
		}
		statuses = append(statuses, FeedStatus{Feed: feed, Status: resp.GetStatus()})
	}
	return statuses, nil
}

// Watch streams status changes for every feed until ctx is done
func (c *StatusClient) Watch(ctx context.Context, feeds []string) (<-chan FeedStatus, error) {
	streams := make(map[string]healthpb.Health_WatchClient, len(feeds))
	for _, feed := range feeds {
		stream, err := c.client.Watch(ctx, &healthpb.HealthCheckRequest{Service: feed})
		if err != nil {
			return nil, fmt.Errorf("failed to watch %s: %w", feed, err)
		}
		streams[feed] = stream
	}

	statusCh := make(chan FeedStatus)

	var wg sync.WaitGroup
	for feed, stream := range streams {
		wg.Add(1)
		go func(feed string, stream healthpb.Health_WatchClient) {
			defer wg.Done()
			for {
				resp, err := stream.Recv()
				if err != nil {
					if ctx.Err() == nil {
						log.Warn().Err(err).Str("feed", feed).Msg("Stream receive error")
					}
					return
				}
				select {
				case statusCh <- FeedStatus{Feed: feed, Status: resp.GetStatus()}:
				case <-ctx.Done():
					return
				}
			}
		}(feed, stream)
	}

	go func() {
		wg.Wait()
		close(statusCh)
	}()

	return statusCh, nil
}

// DisplayStatus formats and writes one feed status line
func DisplayStatus(w io.Writer, s FeedStatus) {
	emoji := "⚪" // unknown
	switch s.Status {
	case healthpb.HealthCheckResponse_SERVING:
		emoji = "🟢"
	case healthpb.HealthCheckResponse_NOT_SERVING:
		emoji = "🔴"
	}

	fmt.Fprintf(w, "%s %-10s %s\n", emoji, s.Feed, s.Status)
}
