package api

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/rest"
	"github.com/matheus3301/chatsync/internal/status"
	intsync "github.com/matheus3301/chatsync/internal/sync"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const watchBuffer = 256

// Engine is the part of the sync engine the control service drives.
type Engine interface {
	View(ctx context.Context) (intsync.View, error)
	SelectConversation(ctx context.Context, conversationID string) error
	CloseConversation(ctx context.Context) error
	Send(ctx context.Context, conversationID, content string) (string, error)
	Retry(ctx context.Context, clientID string) error
	React(ctx context.Context, messageID, emoji string) error
	SetFocused(ctx context.Context, focused bool) error
	SetTyping(conversationID string, isTyping bool)
	LoadOlder(ctx context.Context) (int, error)
	Reconcile(ctx context.Context) (int, error)
}

// ControlService implements ControlServer on top of the sync engine.
type ControlService struct {
	profile   string
	userID    string
	startedAt time.Time
	engine    Engine
	machine   *status.Machine
	bus       *bus.Bus
	logger    *zap.Logger
}

// NewControlService creates the control service for a profile.
func NewControlService(profile, userID string, engine Engine, machine *status.Machine, b *bus.Bus, logger *zap.Logger) *ControlService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ControlService{
		profile:   profile,
		userID:    userID,
		startedAt: time.Now(),
		engine:    engine,
		machine:   machine,
		bus:       b,
		logger:    logger,
	}
}

func (s *ControlService) GetStatus(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	v, err := s.engine.View(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	st := statusPayload{
		Profile:       s.profile,
		UserID:        s.userID,
		UptimeMs:      time.Since(s.startedAt).Milliseconds(),
		Active:        v.Active,
		Focused:       v.Focused,
		Unread:        v.Unread,
		Conversations: len(v.Conversations),
		Rooms:         nonNil(v.Rooms),
	}
	if s.machine != nil {
		st.State = string(s.machine.Current())
		st.StateSince = s.machine.Since()
	}
	return toStruct(st)
}

func (s *ControlService) GetView(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	v, err := s.engine.View(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(newViewPayload(v))
}

func (s *ControlService) Open(ctx context.Context, req *wrapperspb.StringValue) (*emptypb.Empty, error) {
	if req.GetValue() == "" {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "conversation id is required")
	}
	if err := s.engine.SelectConversation(ctx, req.GetValue()); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

func (s *ControlService) Close(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	if err := s.engine.CloseConversation(ctx); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

func (s *ControlService) Send(ctx context.Context, req *structpb.Struct) (*wrapperspb.StringValue, error) {
	convID := stringField(req, "conversation_id")
	if convID == "" {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "conversation_id is required")
	}
	clientID, err := s.engine.Send(ctx, convID, stringField(req, "content"))
	if err != nil {
		return nil, toStatus(err)
	}
	return wrapperspb.String(clientID), nil
}

func (s *ControlService) Retry(ctx context.Context, req *wrapperspb.StringValue) (*emptypb.Empty, error) {
	if _, err := uuid.Parse(req.GetValue()); err != nil {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "invalid client id %q", req.GetValue())
	}
	if err := s.engine.Retry(ctx, req.GetValue()); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

func (s *ControlService) React(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	msgID := stringField(req, "message_id")
	if msgID == "" {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "message_id is required")
	}
	if err := s.engine.React(ctx, msgID, stringField(req, "emoji")); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

func (s *ControlService) Focus(ctx context.Context, req *wrapperspb.BoolValue) (*emptypb.Empty, error) {
	if err := s.engine.SetFocused(ctx, req.GetValue()); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

func (s *ControlService) Typing(_ context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	convID := stringField(req, "conversation_id")
	if convID == "" {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "conversation_id is required")
	}
	s.engine.SetTyping(convID, req.GetFields()["typing"].GetBoolValue())
	return &emptypb.Empty{}, nil
}

func (s *ControlService) LoadOlder(ctx context.Context, _ *emptypb.Empty) (*wrapperspb.Int32Value, error) {
	n, err := s.engine.LoadOlder(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return wrapperspb.Int32(int32(n)), nil
}

func (s *ControlService) Reconcile(ctx context.Context, _ *emptypb.Empty) (*wrapperspb.Int32Value, error) {
	n, err := s.engine.Reconcile(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return wrapperspb.Int32(int32(n)), nil
}

func (s *ControlService) Watch(req *wrapperspb.StringValue, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	ch, unsub := s.bus.Subscribe(req.GetValue(), watchBuffer)
	defer unsub()

	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return nil
			}
			env, err := s.envelope(evt)
			if err != nil {
				s.logger.Warn("dropping unencodable event", zap.String("kind", evt.Kind), zap.Error(err))
				continue
			}
			if err := stream.Send(env); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}

func (s *ControlService) envelope(evt bus.Event) (*structpb.Struct, error) {
	return toStruct(eventPayload{
		EventID:          uuid.NewString(),
		Profile:          s.profile,
		Kind:             evt.Kind,
		OccurredAtUnixMs: evt.Timestamp.UnixMilli(),
		Payload:          evt.Payload,
	})
}

// toStatus maps engine errors onto gRPC status codes.
func toStatus(err error) error {
	var reqErr *rest.RequestError
	switch {
	case errors.Is(err, intsync.ErrNotRunning):
		return grpcstatus.Error(codes.Unavailable, err.Error())
	case errors.Is(err, intsync.ErrUnknownConversation):
		return grpcstatus.Error(codes.NotFound, err.Error())
	case errors.Is(err, intsync.ErrNoActiveConversation):
		return grpcstatus.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, intsync.ErrEmptyMessage):
		return grpcstatus.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return grpcstatus.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return grpcstatus.Error(codes.Canceled, err.Error())
	case rest.Unauthorized(err):
		return grpcstatus.Error(codes.Unauthenticated, err.Error())
	case errors.As(err, &reqErr):
		return grpcstatus.Error(codes.Unavailable, err.Error())
	default:
		return grpcstatus.Errorf(codes.Internal, "%v", err)
	}
}
