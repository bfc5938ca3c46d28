// ============================================================================
// gRPC 服務 - recorder.v1.Scheduler
// ============================================================================
//
// Package: internal/server
// 文件: server.go
// 功能: 以 gRPC 暴露排程器，供 CLI 遠端操作
//
// 方法:
//   Submit  SubmitRequest  -> JobResponse     無效輸入回傳 InvalidArgument
//   Get     JobRequest     -> JobResponse     不存在回傳 NotFound
//   List    ListRequest    -> ListResponse
//   Cancel  JobRequest     -> CancelResponse
//   Status  StatusRequest  -> StatusResponse
//
// 訊息為一般 Go struct，經由 codec.go 註冊的 JSON codec 傳輸，
// 服務描述（ServiceDesc）手寫於本檔，不需要 protoc 產生的程式碼。
//
// ============================================================================

package server

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/ChuLiYu/stream-recorder/internal/logger"
	"github.com/ChuLiYu/stream-recorder/internal/scheduler"
	"github.com/ChuLiYu/stream-recorder/pkg/types"
)

// ServiceName 完整服務名稱
const ServiceName = "recorder.v1.Scheduler"

// Scheduler 服務需要的排程器操作
type Scheduler interface {
	Submit(source, name string, durationSeconds int, startTime time.Time) (types.Job, error)
	Get(id types.JobID) (types.Job, bool)
	List() []types.Job
	Cancel(id types.JobID) bool
	Stats() map[types.JobStatus]int
}

// SchedulerServer recorder.v1.Scheduler 的服務端介面
type SchedulerServer interface {
	Submit(context.Context, *SubmitRequest) (*JobResponse, error)
	Get(context.Context, *JobRequest) (*JobResponse, error)
	List(context.Context, *ListRequest) (*ListResponse, error)
	Cancel(context.Context, *JobRequest) (*CancelResponse, error)
	Status(context.Context, *StatusRequest) (*StatusResponse, error)
}

// Server 實作 SchedulerServer
type Server struct {
	sched Scheduler
	log   *zap.SugaredLogger
}

// NewServer 建立服務
func NewServer(sched Scheduler, log *zap.SugaredLogger) *Server {
	return &Server{sched: sched, log: logger.OrNop(log)}
}

// Register 將服務註冊到 gRPC server
func Register(gs *grpc.Server, srv SchedulerServer) {
	gs.RegisterService(&serviceDesc, srv)
}

// Submit 排程新任務
func (s *Server) Submit(_ context.Context, req *SubmitRequest) (*JobResponse, error) {
	job, err := s.sched.Submit(req.Source, req.Name, req.DurationSeconds, req.StartTime)
	switch {
	case errors.Is(err, scheduler.ErrInvalidJob):
		return nil, status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, scheduler.ErrStopped), errors.Is(err, scheduler.ErrNotRecovered):
		return nil, status.Error(codes.Unavailable, err.Error())
	case err != nil:
		s.log.Errorw("Submit failed", "name", req.Name, "error", err)
		return nil, status.Error(codes.Internal, err.Error())
	}
	return &JobResponse{Job: job}, nil
}

// Get 取得任務
func (s *Server) Get(_ context.Context, req *JobRequest) (*JobResponse, error) {
	job, ok := s.sched.Get(req.ID)
	if !ok {
		return nil, status.Errorf(codes.NotFound, "job %s not found", req.ID)
	}
	return &JobResponse{Job: job}, nil
}

// List 列出所有任務
func (s *Server) List(context.Context, *ListRequest) (*ListResponse, error) {
	return &ListResponse{Jobs: s.sched.List()}, nil
}

// Cancel 取消 pending 任務
func (s *Server) Cancel(_ context.Context, req *JobRequest) (*CancelResponse, error) {
	return &CancelResponse{Cancelled: s.sched.Cancel(req.ID)}, nil
}

// Status 各狀態任務數
func (s *Server) Status(context.Context, *StatusRequest) (*StatusResponse, error) {
	counts := s.sched.Stats()
	total := 0
	for _, n := range counts {
		total += n
	}
	return &StatusResponse{Counts: counts, Total: total}, nil
}

// ============================================================================
// 服務描述
// ============================================================================

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SchedulerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Submit", Handler: unary(func(srv SchedulerServer, ctx context.Context, req *SubmitRequest) (any, error) {
			return srv.Submit(ctx, req)
		})},
		{MethodName: "Get", Handler: unary(func(srv SchedulerServer, ctx context.Context, req *JobRequest) (any, error) {
			return srv.Get(ctx, req)
		})},
		{MethodName: "List", Handler: unary(func(srv SchedulerServer, ctx context.Context, req *ListRequest) (any, error) {
			return srv.List(ctx, req)
		})},
		{MethodName: "Cancel", Handler: unary(func(srv SchedulerServer, ctx context.Context, req *JobRequest) (any, error) {
			return srv.Cancel(ctx, req)
		})},
		{MethodName: "Status", Handler: unary(func(srv SchedulerServer, ctx context.Context, req *StatusRequest) (any, error) {
			return srv.Status(ctx, req)
		})},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "recorder/v1/scheduler",
}

// unary 產生 grpc.MethodDesc 的 handler，負責解碼請求並套用攔截器
func unary[Req any](call func(SchedulerServer, context.Context, *Req) (any, error)) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(SchedulerServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(ctx)}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(SchedulerServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func fullMethod(ctx context.Context) string {
	if m, ok := grpc.Method(ctx); ok {
		return m
	}
	return ""
}
