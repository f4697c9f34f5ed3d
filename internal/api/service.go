// Package api implements the daemon's gRPC control API.
package api

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/parley/internal/bus"
	"github.com/matheus3301/parley/internal/status"
	"github.com/matheus3301/parley/internal/store"
	intsync "github.com/matheus3301/parley/internal/sync"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// Presence publishes the local user on the remote store.
type Presence interface {
	SaveUser(ctx context.Context, p store.Profile) error
	GoOffline(ctx context.Context, pid string) error
}

// QueueState exposes the outbox processor's flags.
type QueueState interface {
	Online() bool
	Pending() int
	State() status.State
}

// Deps are the collaborators of Service.
type Deps struct {
	Account   string
	DB        *store.DB
	Hub       *intsync.Hub
	Presence  Presence
	Queue     QueueState
	Lifecycle *status.Lifecycle
	Bus       *bus.Bus
	Logger    *zap.Logger
}

// Service implements ConversationsServer.
type Service struct {
	account   string
	db        *store.DB
	hub       *intsync.Hub
	presence  Presence
	queue     QueueState
	lifecycle *status.Lifecycle
	bus       *bus.Bus
	logger    *zap.Logger

	done     chan struct{}
	shutdown sync.Once
}

// NewService creates the control API service.
func NewService(d Deps) *Service {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return &Service{
		account:   d.Account,
		db:        d.DB,
		hub:       d.Hub,
		presence:  d.Presence,
		queue:     d.Queue,
		lifecycle: d.Lifecycle,
		bus:       d.Bus,
		logger:    d.Logger.Named("api"),
		done:      make(chan struct{}),
	}
}

// Shutdown ends every open Watch stream.
func (s *Service) Shutdown() {
	s.shutdown.Do(func() { close(s.done) })
}

var _ ConversationsServer = (*Service)(nil)

// Register saves the local profile {name, phone} and announces it online.
// A remote failure is logged; the local profile is kept.
func (s *Service) Register(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	name := strings.TrimSpace(Str(req, "name"))
	if name == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "name is required")
	}
	phone, err := intsync.NormalizeParticipant(Str(req, "phone"))
	if err != nil {
		return nil, toStatus(err)
	}

	if prev, err := s.self(); err == nil && prev.Phone != phone {
		s.hub.CloseAll()
		s.goOffline(ctx, prev.Phone)
	}

	p := store.Profile{Name: name, Phone: phone}
	if err := s.db.SaveProfile(p); err != nil {
		return nil, toStatus(err)
	}
	if s.presence != nil {
		if err := s.presence.SaveUser(ctx, p); err != nil {
			s.logger.Warn("remote registration failed", zap.String("phone", phone), zap.Error(err))
		} else {
			s.bus.Emit(bus.KindPresenceChanged, bus.PresencePayload{Participant: phone, Online: true})
		}
	}
	s.logger.Info("profile registered", zap.String("phone", phone))
	return EncodeProfile(p), nil
}

// Logout closes every conversation, marks the user offline and clears the
// local profile. Stored messages and the outbox are kept.
func (s *Service) Logout(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	me, err := s.self()
	if err != nil {
		return nil, toStatus(err)
	}
	s.hub.CloseAll()
	s.goOffline(ctx, me.Phone)
	if err := s.db.ClearProfile(); err != nil {
		return nil, toStatus(err)
	}
	s.logger.Info("profile cleared", zap.String("phone", me.Phone))
	return &emptypb.Empty{}, nil
}

func (s *Service) goOffline(ctx context.Context, phone string) {
	if s.presence == nil {
		return
	}
	if err := s.presence.GoOffline(ctx, phone); err != nil {
		s.logger.Warn("remote presence update failed", zap.String("phone", phone), zap.Error(err))
		return
	}
	s.bus.Emit(bus.KindPresenceChanged, bus.PresencePayload{Participant: phone, Online: false})
}

// Open activates the conversation with {peer} and returns {chat_id,
// messages}. It stays open until a matching Close.
func (s *Service) Open(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	me, err := s.self()
	if err != nil {
		return nil, toStatus(err)
	}
	sess, err := s.hub.Acquire(ctx, me.Phone, Str(req, "peer"))
	if err != nil {
		return nil, toStatus(err)
	}
	return EncodeConversation(Conversation{ChatID: sess.ChatID(), Messages: sess.Messages()}), nil
}

// Close releases one Open of {peer}.
func (s *Service) Close(_ context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	chatID, err := s.chatID(Str(req, "peer"))
	if err != nil {
		return nil, toStatus(err)
	}
	if !s.hub.Release(chatID) {
		return nil, grpcstatus.Errorf(codes.NotFound, "conversation %s is not open", chatID)
	}
	return &emptypb.Empty{}, nil
}

// Send delivers {text} to {peer} and returns the message with the status
// it reached. Peers that are not open are opened for the send only.
func (s *Service) Send(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	me, err := s.self()
	if err != nil {
		return nil, toStatus(err)
	}
	sess, err := s.hub.Acquire(ctx, me.Phone, Str(req, "peer"))
	if err != nil {
		return nil, toStatus(err)
	}
	defer s.hub.Release(sess.ChatID())

	m, err := sess.Send(ctx, Str(req, "text"))
	if err != nil {
		return nil, toStatus(err)
	}
	return EncodeMessage(m), nil
}

// Messages returns {chat_id, messages} for {peer}: the visible list when
// the conversation is open, the stored log otherwise.
func (s *Service) Messages(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	chatID, err := s.chatID(Str(req, "peer"))
	if err != nil {
		return nil, toStatus(err)
	}
	if sess, ok := s.hub.Get(chatID); ok {
		return EncodeConversation(Conversation{ChatID: chatID, Messages: sess.Messages()}), nil
	}
	msgs, err := s.db.LoadMessages(chatID)
	if err != nil {
		return nil, toStatus(err)
	}
	return EncodeConversation(Conversation{ChatID: chatID, Messages: msgs}), nil
}

// Status reports the connectivity flag, pending count and run state.
func (s *Service) Status(context.Context, *emptypb.Empty) (*structpb.Struct, error) {
	st := StatusInfo{
		Account:   s.account,
		Online:    s.queue.Online(),
		Pending:   s.queue.Pending(),
		State:     string(s.queue.State()),
		OpenChats: s.hub.Len(),
	}
	if p, err := s.db.LoadProfile(); err == nil {
		st.Participant = p.Phone
	}
	return EncodeStatus(st), nil
}

// ReportLifecycle feeds {state} ("foreground" or "background") to the
// outbox processor.
func (s *Service) ReportLifecycle(_ context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	app, err := status.ParseAppState(Str(req, "state"))
	if err != nil {
		return nil, grpcstatus.Error(codes.InvalidArgument, err.Error())
	}
	if s.lifecycle.Report(app) {
		s.logger.Info("app state reported", zap.String("state", string(app)))
	}
	return &emptypb.Empty{}, nil
}

// Watch streams daemon events until the client goes away. With {peer}
// set, message events of other conversations are filtered out.
func (s *Service) Watch(req *structpb.Struct, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	var only string
	if peer := Str(req, "peer"); peer != "" {
		chatID, err := s.chatID(peer)
		if err != nil {
			return toStatus(err)
		}
		only = chatID
	}

	ch, unsub := s.bus.Subscribe("", 64)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			e, ok := toEvent(evt)
			if !ok {
				continue
			}
			if only != "" && e.ChatID != "" && e.ChatID != only {
				continue
			}
			if err := stream.Send(EncodeEvent(e)); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		case <-s.done:
			return nil
		}
	}
}

func toEvent(evt bus.Event) (Event, bool) {
	e := Event{ID: uuid.NewString(), Kind: evt.Kind, Timestamp: evt.Timestamp.UnixMilli()}
	switch p := evt.Payload.(type) {
	case bus.MessagePayload:
		e.ChatID, e.MessageID, e.Status = p.ChatID, p.MessageID, p.Status
	case bus.OutboxPayload:
		e.Online, e.Pending = p.Online, p.Pending
	case status.StatusChange:
		e.State = string(p.To)
	case bus.PresencePayload:
		e.Peer, e.Online = p.Participant, p.Online
	case bus.DegradedPayload:
		e.ChatID, e.Error = p.ChatID, p.Op+": "+p.Err
	default:
		return Event{}, false
	}
	if e.Timestamp == 0 {
		e.Timestamp = time.Now().UnixMilli()
	}
	return e, true
}

func (s *Service) self() (*store.Profile, error) {
	return s.db.LoadProfile()
}

func (s *Service) chatID(peer string) (string, error) {
	me, err := s.self()
	if err != nil {
		return "", err
	}
	p, err := intsync.NormalizeParticipant(peer)
	if err != nil {
		return "", err
	}
	return intsync.ChatID(me.Phone, p), nil
}

// toStatus maps domain errors to gRPC status codes.
func toStatus(err error) error {
	switch {
	case errors.Is(err, intsync.ErrEmptyMessage), errors.Is(err, intsync.ErrInvalidParticipant):
		return grpcstatus.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, intsync.ErrSessionClosed), errors.Is(err, store.ErrNoProfile):
		return grpcstatus.Error(codes.FailedPrecondition, err.Error())
	default:
		return grpcstatus.Error(codes.Internal, err.Error())
	}
}
