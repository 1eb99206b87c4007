package presence

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/customsportal/portal/internal/gateway/metrics"
	"github.com/customsportal/portal/internal/gateway/tracing"
	"github.com/customsportal/portal/internal/gateway/websocket"
	"github.com/customsportal/portal/internal/session"
)

var (
	ErrNotAuthenticated = errors.New("presence: not authenticated")
	ErrNotObserver      = errors.New("presence: observer role required")
)

// Event outcomes, used as metric labels
const (
	outcomeOK       = "ok"
	outcomeIgnored  = "ignored"
	outcomeRejected = "rejected"
	outcomeFailed   = "failed"
)

const (
	maxPageLength  = 2048
	maxTitleLength = 512
)

// Broadcaster delivers messages to connections. The websocket hub and the
// cross-replica relay implement it. Delivery is best effort.
type Broadcaster interface {
	Send(connID string, msg *websocket.Message) error
	Broadcast(msg *websocket.Message) int
	BroadcastExcept(exceptID string, msg *websocket.Message) int
	BroadcastToChannel(channel string, msg *websocket.Message) int
	SubscribeChannel(connID, channel string) error
}

// ConnectRequest input of Connect
type ConnectRequest struct {
	ConnectionID string
	Principal    *Principal
	IPAddress    string
	UserAgent    string
}

// Handler is the presence state machine. It keeps the registry and the
// session store in step and decides who hears about what.
type Handler struct {
	registry   *Registry
	store      session.Store
	directory  session.Directory
	reconciler *Reconciler
	out        Broadcaster
	classifier *Classifier

	opportunisticThreshold time.Duration
	sweepTimeout           time.Duration

	metrics *metrics.Metrics
	tracer  *tracing.Tracer
	logger  *zap.Logger
	now     func() time.Time
}

// HandlerConfig handler configuration
type HandlerConfig struct {
	Registry    *Registry
	Store       session.Store
	Directory   session.Directory // optional
	Reconciler  *Reconciler
	Broadcaster Broadcaster

	ObserverRoles          []string
	OpportunisticThreshold time.Duration
	SweepTimeout           time.Duration

	Metrics *metrics.Metrics
	Tracer  *tracing.Tracer
	Logger  *zap.Logger
	Now     func() time.Time
}

// NewHandler creates a presence handler
func NewHandler(config *HandlerConfig) (*Handler, error) {
	if config.Store == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if config.Broadcaster == nil {
		return nil, fmt.Errorf("broadcaster is required")
	}
	if config.Registry == nil {
		config.Registry = NewRegistry()
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.OpportunisticThreshold <= 0 {
		config.OpportunisticThreshold = DefaultOpportunisticThreshold
	}
	if config.SweepTimeout <= 0 {
		config.SweepTimeout = DefaultSweepTimeout
	}
	if config.Reconciler == nil {
		r, err := NewReconciler(&ReconcilerConfig{
			Store:   config.Store,
			Metrics: config.Metrics,
			Logger:  config.Logger,
			Now:     config.Now,
		})
		if err != nil {
			return nil, err
		}
		config.Reconciler = r
	}

	return &Handler{
		registry:               config.Registry,
		store:                  config.Store,
		directory:              config.Directory,
		reconciler:             config.Reconciler,
		out:                    config.Broadcaster,
		classifier:             NewClassifier(config.ObserverRoles),
		opportunisticThreshold: config.OpportunisticThreshold,
		sweepTimeout:           config.SweepTimeout,
		metrics:                config.Metrics,
		tracer:                 config.Tracer,
		logger:                 config.Logger,
		now:                    config.Now,
	}, nil
}

// Registry returns the connection registry
func (h *Handler) Registry() *Registry {
	return h.registry
}

// Reconciler returns the stale-session reconciler
func (h *Handler) Reconciler() *Reconciler {
	return h.reconciler
}

// IsObserverRole reports whether role is classified as an observer
func (h *Handler) IsObserverRole(role string) bool {
	return h.classifier.IsObserver(role)
}

// Connect registers a freshly opened connection. It fails with
// ErrNotAuthenticated when there is no principal; every other failure is
// logged and the connection stays usable.
func (h *Handler) Connect(ctx context.Context, req ConnectRequest) (err error) {
	ctx, done := h.begin(ctx, "connect", req.ConnectionID)
	outcome := outcomeOK
	defer func() { done(outcome, err) }()

	if req.Principal == nil || req.Principal.UserID == "" {
		outcome = outcomeRejected
		return ErrNotAuthenticated
	}
	if req.ConnectionID == "" {
		outcome = outcomeRejected
		return fmt.Errorf("connection id is required")
	}

	now := h.now()
	identity := Identity{
		UserID:      req.Principal.UserID,
		DisplayName: displayName(req.Principal),
		SessionID:   req.Principal.SessionID,
		Role:        req.Principal.Role,
		Observer:    h.classifier.IsObserver(req.Principal.Role),
		ConnectedAt: now,
	}

	if previous, replaced := h.registry.Register(req.ConnectionID, identity); replaced {
		h.logger.Warn("Duplicate connect, registry entry overwritten",
			zap.String("connection_id", req.ConnectionID),
			zap.String("previous_user_id", previous.UserID),
			zap.String("user_id", identity.UserID))
	}

	if identity.Observer {
		if err := h.out.SubscribeChannel(req.ConnectionID, ObserverChannel); err != nil {
			h.logger.Warn("Failed to subscribe observer",
				zap.String("connection_id", req.ConnectionID),
				zap.Error(err))
		}
	} else {
		h.persistConnect(ctx, req, identity, now)
	}

	users := h.currentOnlineUsers(ctx)
	if !identity.Observer {
		users = peerView(users)
	}
	h.send(req.ConnectionID, websocket.NewMessage(EventInitialOnlineUsers, InitialOnlineUsers{
		Users: users,
		Count: len(users),
	}))

	if !identity.Observer {
		h.out.BroadcastExcept(req.ConnectionID, websocket.NewMessage(EventUserConnected, UserPresence{
			UserID:    identity.UserID,
			UserName:  identity.DisplayName,
			SocketID:  req.ConnectionID,
			Timestamp: now,
		}))
	}

	h.logger.Info("Presence connected",
		zap.String("connection_id", req.ConnectionID),
		zap.String("user_id", identity.UserID),
		zap.Bool("observer", identity.Observer))

	return nil
}

func (h *Handler) persistConnect(ctx context.Context, req ConnectRequest, identity Identity, now time.Time) {
	err := h.store.Create(ctx, &session.Session{
		UserID:       identity.UserID,
		SessionID:    identity.SessionID,
		ConnectionID: req.ConnectionID,
		IPAddress:    req.IPAddress,
		UserAgent:    req.UserAgent,
		Active:       true,
		ConnectedAt:  now,
		LastActivity: now,
	})
	switch {
	case err == nil:
	case errors.Is(err, session.ErrSessionExists):
		// redelivered connect; keep the existing row and refresh it
		h.logger.Debug("Session already recorded",
			zap.String("connection_id", req.ConnectionID))
		if _, err := h.store.Touch(ctx, req.ConnectionID, now); err != nil {
			h.logger.Warn("Failed to refresh existing session",
				zap.String("connection_id", req.ConnectionID),
				zap.Error(err))
		}
	default:
		h.tracer.RecordError(ctx, err)
		h.logger.Error("Failed to persist session",
			zap.String("connection_id", req.ConnectionID),
			zap.String("user_id", identity.UserID),
			zap.Error(err))
	}
}

// Disconnect removes a closed connection. Unknown or already removed
// connections are ignored, so it is safe to call more than once.
func (h *Handler) Disconnect(ctx context.Context, connID string) {
	ctx, done := h.begin(ctx, "disconnect", connID)
	outcome := outcomeOK
	var failure error
	defer func() { done(outcome, failure) }()

	identity, ok := h.registry.Unregister(connID)
	if !ok {
		outcome = outcomeIgnored
		h.logger.Debug("Disconnect for unknown connection",
			zap.String("connection_id", connID))
		return
	}

	if identity.Observer {
		h.logger.Info("Observer disconnected",
			zap.String("connection_id", connID),
			zap.String("user_id", identity.UserID))
		return
	}

	now := h.now()
	deactivated, err := h.store.Deactivate(ctx, connID, now)
	switch {
	case err != nil:
		failure = err
		outcome = outcomeFailed
		h.logger.Error("Failed to deactivate session",
			zap.String("connection_id", connID),
			zap.String("user_id", identity.UserID),
			zap.Error(err))
	case !deactivated:
		h.logger.Debug("Session already inactive",
			zap.String("connection_id", connID))
	}

	h.out.Broadcast(websocket.NewMessage(EventUserDisconnected, UserPresence{
		UserID:    identity.UserID,
		UserName:  identity.DisplayName,
		SocketID:  connID,
		Timestamp: now,
	}))

	h.logger.Info("Presence disconnected",
		zap.String("connection_id", connID),
		zap.String("user_id", identity.UserID))
}

// Navigate records a page change and tells observers about it
func (h *Handler) Navigate(ctx context.Context, connID, page, title string) {
	ctx, done := h.begin(ctx, "page_change", connID)
	outcome := outcomeOK
	var failure error
	defer func() { done(outcome, failure) }()

	identity, ok := h.registry.Lookup(connID)
	if !ok || identity.Observer {
		outcome = outcomeIgnored
		return
	}

	page = truncate(page, maxPageLength)
	title = truncate(title, maxTitleLength)
	now := h.now()

	matched, err := h.store.Navigate(ctx, connID, page, title, now)
	if err != nil {
		failure = err
		outcome = outcomeFailed
		h.logger.Error("Failed to record navigation",
			zap.String("connection_id", connID),
			zap.Error(err))
	} else if !matched {
		outcome = outcomeIgnored
		h.logger.Debug("Navigation for inactive session",
			zap.String("connection_id", connID))
		return
	}

	h.out.BroadcastToChannel(ObserverChannel, websocket.NewMessage(EventUserPageChanged, PageChanged{
		UserID:    identity.UserID,
		SocketID:  connID,
		Page:      page,
		Title:     title,
		Timestamp: now,
	}))
}

// Heartbeat refreshes liveness and acknowledges with the server time
func (h *Handler) Heartbeat(ctx context.Context, connID string) {
	ctx, done := h.begin(ctx, "heartbeat", connID)
	outcome := outcomeOK
	var failure error
	defer func() { done(outcome, failure) }()

	identity, ok := h.registry.Lookup(connID)
	if !ok {
		outcome = outcomeIgnored
		return
	}

	now := h.now()
	if !identity.Observer {
		matched, err := h.store.Touch(ctx, connID, now)
		switch {
		case err != nil:
			failure = err
			outcome = outcomeFailed
			h.logger.Warn("Failed to record heartbeat",
				zap.String("connection_id", connID),
				zap.Error(err))
		case !matched:
			h.logger.Debug("Heartbeat for inactive session",
				zap.String("connection_id", connID))
		}
	}

	h.send(connID, websocket.NewMessage(EventHeartbeatAck, HeartbeatAck{Timestamp: now}))
}

// ListOnlineUsers answers get_online_users for an observer connection
func (h *Handler) ListOnlineUsers(ctx context.Context, connID string) (err error) {
	ctx, done := h.begin(ctx, "get_online_users", connID)
	outcome := outcomeOK
	defer func() { done(outcome, err) }()

	identity, ok := h.registry.Lookup(connID)
	if !ok || !identity.Observer {
		outcome = outcomeRejected
		h.logger.Debug("Online listing refused",
			zap.String("connection_id", connID),
			zap.Bool("known", ok))
		h.send(connID, websocket.NewErrorMessage("Unauthorized: observer role required"))
		return ErrNotObserver
	}

	users, err := h.OnlineUsers(ctx)
	if err != nil {
		outcome = outcomeFailed
		h.logger.Error("Failed to list online users",
			zap.String("connection_id", connID),
			zap.Error(err))
		h.send(connID, websocket.NewErrorMessage("Failed to load online users"))
		return err
	}

	h.send(connID, websocket.NewMessage(EventOnlineUsersList, OnlineUsersList{
		Users:     users,
		Count:     len(users),
		Timestamp: h.now(),
	}))
	return nil
}

// OnlineUsers reconciles stale sessions with the opportunistic threshold and
// returns the active users, most recently active first. A failed sweep does
// not prevent the listing.
func (h *Handler) OnlineUsers(ctx context.Context) ([]OnlineUser, error) {
	sweepCtx, cancel := context.WithTimeout(ctx, h.sweepTimeout)
	result, err := h.reconciler.sweep(sweepCtx, TriggerOpportunistic, h.opportunisticThreshold)
	cancel()
	if err != nil {
		h.logger.Warn("Opportunistic sweep failed",
			zap.Int("demoted", result.Demoted),
			zap.Error(err))
	}

	sessions, err := h.store.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list active sessions: %w", err)
	}

	users := h.joinUsers(ctx, sessions)
	h.metrics.SetOnlineSessions(len(users))
	return users, nil
}

// JoinObserverRoom subscribes an observer connection to observer broadcasts
func (h *Handler) JoinObserverRoom(ctx context.Context, connID string) (err error) {
	_, done := h.begin(ctx, "join_admin_room", connID)
	outcome := outcomeOK
	defer func() { done(outcome, err) }()

	identity, ok := h.registry.Lookup(connID)
	if !ok || !identity.Observer {
		outcome = outcomeRejected
		h.send(connID, websocket.NewErrorMessage("Unauthorized: observer role required"))
		return ErrNotObserver
	}

	if err := h.out.SubscribeChannel(connID, ObserverChannel); err != nil {
		outcome = outcomeFailed
		return fmt.Errorf("failed to join observer channel: %w", err)
	}
	return nil
}

// currentOnlineUsers is the roster sent on connect. It does not sweep; when
// the store is unavailable the local registry is used instead.
func (h *Handler) currentOnlineUsers(ctx context.Context) []OnlineUser {
	sessions, err := h.store.ListActive(ctx)
	if err != nil {
		h.logger.Warn("Falling back to local registry for roster", zap.Error(err))
		return h.registryUsers()
	}
	return h.joinUsers(ctx, sessions)
}

// peerView strips what only observers may see: contact details and the
// client address of other users
func peerView(users []OnlineUser) []OnlineUser {
	peers := make([]OnlineUser, len(users))
	for i, u := range users {
		peers[i] = OnlineUser{
			UserID:       u.UserID,
			UserName:     u.UserName,
			SocketID:     u.SocketID,
			CurrentPage:  u.CurrentPage,
			PageTitle:    u.PageTitle,
			ConnectedAt:  u.ConnectedAt,
			LastActivity: u.LastActivity,
		}
	}
	return peers
}

func (h *Handler) registryUsers() []OnlineUser {
	entries := h.registry.Snapshot()
	users := make([]OnlineUser, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if e.Observer {
			continue
		}
		users = append(users, OnlineUser{
			UserID:      e.UserID,
			UserName:    e.DisplayName,
			Role:        e.Role,
			SocketID:    e.ConnectionID,
			SessionID:   e.SessionID,
			ConnectedAt: e.ConnectedAt,
		})
	}
	return users
}

func (h *Handler) joinUsers(ctx context.Context, sessions []*session.Session) []OnlineUser {
	users := make([]OnlineUser, 0, len(sessions))
	if len(sessions) == 0 {
		return users
	}

	directory := h.lookupUsers(ctx, sessions)

	for _, s := range sessions {
		u := OnlineUser{
			UserID:      s.UserID,
			UserName:    s.UserID,
			SocketID:    s.ConnectionID,
			SessionID:   s.SessionID,
			CurrentPage: s.CurrentPage,
			PageTitle:   s.PageTitle,
			IPAddress:   s.IPAddress,
			UserAgent:   s.UserAgent,
			ConnectedAt: s.ConnectedAt,
		}
		if !s.LastActivity.IsZero() {
			lastActivity := s.LastActivity
			u.LastActivity = &lastActivity
		}

		if user, ok := directory[s.UserID]; ok {
			if h.classifier.IsObserver(user.Role) {
				continue
			}
			u.UserName = user.Name
			u.Email = user.Email
			u.Role = user.Role
		} else if identity, ok := h.registry.Lookup(s.ConnectionID); ok {
			u.UserName = identity.DisplayName
			u.Role = identity.Role
		}

		users = append(users, u)
	}
	return users
}

func (h *Handler) lookupUsers(ctx context.Context, sessions []*session.Session) map[string]*session.User {
	if h.directory == nil {
		return nil
	}

	seen := make(map[string]bool, len(sessions))
	ids := make([]string, 0, len(sessions))
	for _, s := range sessions {
		if !seen[s.UserID] {
			seen[s.UserID] = true
			ids = append(ids, s.UserID)
		}
	}

	users, err := h.directory.Users(ctx, ids)
	if err != nil {
		h.logger.Warn("User directory lookup failed", zap.Error(err))
		return nil
	}
	return users
}

func (h *Handler) send(connID string, msg *websocket.Message) {
	if err := h.out.Send(connID, msg); err != nil {
		h.logger.Debug("Failed to deliver message",
			zap.String("connection_id", connID),
			zap.String("msg_type", string(msg.Type)),
			zap.Error(err))
	}
}

// begin opens a span for one event and returns the function that closes it
func (h *Handler) begin(ctx context.Context, event, connID string) (context.Context, func(outcome string, err error)) {
	start := time.Now()
	ctx, span := h.tracer.Start(ctx, "presence."+event,
		trace.WithAttributes(attribute.String("presence.connection_id", connID)))

	return ctx, func(outcome string, err error) {
		if err != nil {
			h.tracer.RecordError(ctx, err)
		}
		span.SetAttributes(attribute.String("presence.outcome", outcome))
		span.End()
		h.metrics.RecordPresenceEvent(event, outcome, time.Since(start))
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
