package server

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/ChuLiYu/stream-recorder/pkg/types"
)

// Client recorder.v1.Scheduler 的客戶端
type Client struct {
	conn *grpc.ClientConn
	own  bool
}

// Dial 建立到 addr 的連線（不加密）
func Dial(addr string) (*Client, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, errors.Wrapf(err, "connect to %s", addr)
	}
	return &Client{conn: conn, own: true}, nil
}

// NewClient 包裝既有連線，Close 不會關閉它
func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

// Close 關閉 Dial 建立的連線
func (c *Client) Close() error {
	if !c.own {
		return nil
	}
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, in, out any) error {
	return c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, grpc.CallContentSubtype(CodecName))
}

// Submit 排程新任務
func (c *Client) Submit(ctx context.Context, source, name string, durationSeconds int, startTime time.Time) (types.Job, error) {
	var out JobResponse
	err := c.invoke(ctx, "Submit", &SubmitRequest{
		Source:          source,
		Name:            name,
		DurationSeconds: durationSeconds,
		StartTime:       startTime,
	}, &out)
	return out.Job, err
}

// Get 取得任務
func (c *Client) Get(ctx context.Context, id types.JobID) (types.Job, error) {
	var out JobResponse
	err := c.invoke(ctx, "Get", &JobRequest{ID: id}, &out)
	return out.Job, err
}

// List 列出所有任務
func (c *Client) List(ctx context.Context) ([]types.Job, error) {
	var out ListResponse
	err := c.invoke(ctx, "List", &ListRequest{}, &out)
	return out.Jobs, err
}

// Cancel 取消 pending 任務
func (c *Client) Cancel(ctx context.Context, id types.JobID) (bool, error) {
	var out CancelResponse
	err := c.invoke(ctx, "Cancel", &JobRequest{ID: id}, &out)
	return out.Cancelled, err
}

// Status 各狀態任務數
func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	var out StatusResponse
	if err := c.invoke(ctx, "Status", &StatusRequest{}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
