// Package grpcserver implements the gophermeta gRPC service.
package grpcserver

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mtiwari1/gophermeta/internal/coordinator"
	"github.com/mtiwari1/gophermeta/internal/metadata"
	pb "github.com/mtiwari1/gophermeta/proto"
)

// Tracker is told about every descriptor the service sees, so local files
// can be watched for changes.
type Tracker interface {
	Track(desc metadata.MediaDescriptor) error
}

// Server implements the MetadataServiceServer gRPC interface.
// Dependencies are injected via the constructor, no global state.
type Server struct {
	coord   *coordinator.Coordinator
	tracker Tracker
	logger  *slog.Logger
}

// NewServer creates a gRPC server over the coordinator. tracker may be nil.
func NewServer(coord *coordinator.Coordinator, tracker Tracker, logger *slog.Logger) *Server {
	return &Server{coord: coord, tracker: tracker, logger: logger}
}

// Request returns the record if the cache already satisfies the level and
// otherwise schedules loading and reports the current status.
func (s *Server) Request(ctx context.Context, req *pb.MetadataRequest) (*pb.MetadataResponse, error) {
	level, err := s.validate(req.Descriptor, req.Level, "Request")
	if err != nil {
		return nil, err
	}
	s.logger.Debug("grpc Request",
		slog.String("media_id", req.Descriptor.ID),
		slog.String("level", level.String()),
	)

	if rec := s.coord.Request(req.Descriptor, level); rec != nil {
		return &pb.MetadataResponse{Id: req.Descriptor.ID, Status: string(metadata.StatusLoaded), Record: rec}, nil
	}
	return stateResponse(req.Descriptor.ID, s.coord.State(req.Descriptor.ID)), nil
}

// Preload blocks until the item is loaded at the requested level.
func (s *Server) Preload(ctx context.Context, req *pb.MetadataRequest) (*pb.MetadataResponse, error) {
	level, err := s.validate(req.Descriptor, req.Level, "Preload")
	if err != nil {
		return nil, err
	}
	s.logger.Info("grpc Preload",
		slog.String("media_id", req.Descriptor.ID),
		slog.String("level", level.String()),
	)

	rec, err := s.coord.PreloadHighPriority(ctx, req.Descriptor, level)
	if err != nil {
		return nil, mapError(err, "Preload")
	}
	return &pb.MetadataResponse{Id: req.Descriptor.ID, Status: string(metadata.StatusLoaded), Record: rec}, nil
}

// Prefetch schedules background loading and returns immediately.
func (s *Server) Prefetch(ctx context.Context, req *pb.PrefetchRequest) (*pb.PrefetchResponse, error) {
	level, err := metadata.ParseLoadLevel(req.Level)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "Prefetch: %v", err)
	}
	for _, d := range req.Descriptors {
		if _, err := s.validate(d, req.Level, "Prefetch"); err != nil {
			return nil, err
		}
	}
	s.logger.Info("grpc Prefetch",
		slog.Int("descriptors", len(req.Descriptors)),
		slog.String("level", level.String()),
		slog.Bool("scope", req.Scope),
	)

	// The work outlives the call; the coordinator stops it on Close.
	bg := context.WithoutCancel(ctx)
	descs := req.Descriptors
	if req.Scope {
		go s.coord.PrefetchActiveScope(bg, descs, req.FocusedId, level)
	} else {
		go s.coord.PrefetchBatch(bg, descs, level)
	}
	return &pb.PrefetchResponse{Accepted: len(descs)}, nil
}

func (s *Server) Stats(ctx context.Context, _ *pb.StatsRequest) (*pb.StatsResponse, error) {
	st := s.coord.Stats()
	return &pb.StatsResponse{
		Hits:           st.Hits,
		Misses:         st.Misses,
		HitRate:        st.HitRate(),
		Size:           st.Size,
		MaxSize:        st.MaxSize,
		DurableEntries: st.DurableEntries,
		ActiveJobs:     s.coord.ActiveJobs(),
	}, nil
}

func (s *Server) ClearCache(ctx context.Context, req *pb.ClearCacheRequest) (*pb.ClearCacheResponse, error) {
	s.logger.Info("grpc ClearCache", slog.Bool("memory_only", req.MemoryOnly))
	if req.MemoryOnly {
		s.coord.ClearMemoryCache()
	} else {
		s.coord.ClearCache(ctx)
	}
	return &pb.ClearCacheResponse{}, nil
}

func (s *Server) validate(desc metadata.MediaDescriptor, rawLevel, method string) (metadata.LoadLevel, error) {
	if desc.ID == "" {
		return 0, status.Errorf(codes.InvalidArgument, "%s: descriptor id is required", method)
	}
	if desc.Locator == "" {
		return 0, status.Errorf(codes.InvalidArgument, "%s: descriptor locator is required", method)
	}
	level, err := metadata.ParseLoadLevel(rawLevel)
	if err != nil {
		return 0, status.Errorf(codes.InvalidArgument, "%s: %v", method, err)
	}
	if s.tracker != nil {
		if err := s.tracker.Track(desc); err != nil {
			s.logger.Warn("track media file", slog.String("media_id", desc.ID), slog.String("error", err.Error()))
		}
	}
	return level, nil
}

func stateResponse(id string, st metadata.LoadingState) *pb.MetadataResponse {
	return &pb.MetadataResponse{Id: id, Status: string(st.Status), Record: st.Record, Reason: st.Reason}
}

// mapError converts pipeline errors to gRPC status codes.
func mapError(err error, method string) error {
	switch {
	case errors.Is(err, context.Canceled):
		return status.Errorf(codes.Canceled, "%s: cancelled", method)
	case errors.Is(err, context.DeadlineExceeded):
		return status.Errorf(codes.DeadlineExceeded, "%s: timed out", method)
	case errors.Is(err, coordinator.ErrClosed):
		return status.Errorf(codes.Unavailable, "%s: shutting down", method)
	}

	switch metadata.KindOf(err) {
	case metadata.KindAccessDenied:
		return status.Errorf(codes.PermissionDenied, "%s: %v", method, err)
	case metadata.KindResourceUnavailable:
		if errors.Is(err, fs.ErrNotExist) {
			return status.Errorf(codes.NotFound, "%s: %v", method, err)
		}
		return status.Errorf(codes.Unavailable, "%s: %v", method, err)
	case metadata.KindCorrupt:
		return status.Errorf(codes.DataLoss, "%s: %v", method, err)
	}
	return status.Errorf(codes.Internal, "%s: %v", method, err)
}
