package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/opentill/opentill/internal/core"
	"github.com/opentill/opentill/internal/events"
)

// CloseConflictError reports why a register session cannot close yet.
// Handlers map it to 409 with both counters in the body.
type CloseConflictError struct {
	ActiveOrdersCount   int `json:"activeOrdersCount"`
	OccupiedTablesCount int `json:"occupiedTablesCount"`
}

func (e *CloseConflictError) Error() string {
	return fmt.Sprintf("session has %d active orders and %d occupied tables", e.ActiveOrdersCount, e.OccupiedTablesCount)
}

// OpenSessionInput is a session opening request
type OpenSessionInput struct {
	BranchID     string  `json:"branch_id"`
	RestaurantID string  `json:"restaurant_id,omitempty"`
	CashierID    string  `json:"cashier_id"`
	OpeningFloat float64 `json:"opening_float"`
	Notes        string  `json:"notes,omitempty"`
}

// CloseSessionInput carries the cashier's counted drawer and the cash they
// expected to find in it. Aggregate totals are never taken from the client;
// only the physical drawer figures are.
type CloseSessionInput struct {
	ClosingCash  float64 `json:"closing_cash"`
	ExpectedCash float64 `json:"expected_cash"`
	Notes        string  `json:"notes,omitempty"`
}

// RegisterService manages the register session lifecycle
type RegisterService struct {
	sessions  core.SessionRepository
	orders    core.OrderRepository
	tables    core.TableRepository
	publisher core.Publisher
	now       func() time.Time
}

// NewRegisterService creates a new register service
func NewRegisterService(sessions core.SessionRepository, orders core.OrderRepository, tables core.TableRepository, publisher core.Publisher) *RegisterService {
	return &RegisterService{
		sessions:  sessions,
		orders:    orders,
		tables:    tables,
		publisher: publisher,
		now:       time.Now,
	}
}

// Open starts a session for a branch. A branch holds at most one open session
// at a time.
func (s *RegisterService) Open(ctx context.Context, in *OpenSessionInput) (*core.RegisterSession, error) {
	if in.BranchID == "" {
		return nil, fmt.Errorf("%w: branch_id is required", ErrValidation)
	}
	if in.CashierID == "" {
		return nil, fmt.Errorf("%w: cashier_id is required", ErrValidation)
	}
	if in.OpeningFloat < 0 {
		return nil, fmt.Errorf("%w: opening_float cannot be negative", ErrValidation)
	}

	existing, err := s.sessions.GetOpenByBranch(ctx, in.BranchID)
	if err != nil {
		return nil, fmt.Errorf("failed to check open session: %w", err)
	}
	if existing != nil {
		return nil, core.ErrOpenSessionExists
	}

	session := &core.RegisterSession{
		ID:           uuid.New().String(),
		BranchID:     in.BranchID,
		RestaurantID: in.RestaurantID,
		CashierID:    in.CashierID,
		Status:       core.SessionStatusOpen,
		OpenedAt:     s.now(),
		OpeningFloat: in.OpeningFloat,
		Notes:        in.Notes,
	}

	if err := s.sessions.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to open session: %w", err)
	}

	s.publisher.Publish(events.TopicBranch(session.BranchID), events.EventSessionOpened, session)

	return session, nil
}

// GetByID retrieves a session
func (s *RegisterService) GetByID(ctx context.Context, id string) (*core.RegisterSession, error) {
	return s.sessions.GetByID(ctx, id)
}

// Close settles and closes a session. The close is refused while orders are
// still active or tables still occupied in the session's scope, and every
// reported total is recomputed from the order store; the cashier contributes
// only the counted drawer and their expected cash figure, from which the
// variance is derived.
func (s *RegisterService) Close(ctx context.Context, sessionID string, in *CloseSessionInput) (*core.RegisterSession, error) {
	session, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status != core.SessionStatusOpen {
		return nil, core.ErrSessionNotOpen
	}

	now := s.now()
	scope, err := s.scopeFor(ctx, session, now)
	if err != nil {
		return nil, err
	}

	activeOrders, err := s.orders.CountActive(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("failed to count active orders: %w", err)
	}
	occupiedTables, err := s.tables.CountBlocking(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("failed to count occupied tables: %w", err)
	}
	if activeOrders > 0 || occupiedTables > 0 {
		return nil, &CloseConflictError{
			ActiveOrdersCount:   activeOrders,
			OccupiedTablesCount: occupiedTables,
		}
	}

	totals, err := s.orders.Aggregate(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate session totals: %w", err)
	}

	session.Status = core.SessionStatusClosed
	session.ClosedAt = &now
	session.Totals = *totals
	session.ClosingCash = in.ClosingCash
	session.ExpectedCash = in.ExpectedCash
	session.CashVariance = in.ClosingCash - in.ExpectedCash
	if in.Notes != "" {
		session.Notes = in.Notes
	}

	if err := s.sessions.Close(ctx, session); err != nil {
		return nil, err
	}

	if session.CashVariance != 0 {
		slog.Warn("session closed with cash variance",
			"session_id", session.ID, "branch_id", session.BranchID,
			"expected_cash", session.ExpectedCash, "closing_cash", session.ClosingCash,
			"variance", session.CashVariance)
	}

	s.publisher.Publish(events.TopicBranch(session.BranchID), events.EventSessionClosed, session)

	return session, nil
}

// scopeFor decides how the session's orders are selected: the session-id tag
// when any order carries it, otherwise the branch + time window between open
// and now. Tagging is preferred because window matching miscounts orders from
// a back-to-back previous session.
func (s *RegisterService) scopeFor(ctx context.Context, session *core.RegisterSession, until time.Time) (core.SessionScope, error) {
	tagged, err := s.orders.HasSessionTagged(ctx, session.ID)
	if err != nil {
		return core.SessionScope{}, fmt.Errorf("failed to check session tagging: %w", err)
	}
	return core.SessionScope{
		SessionID: session.ID,
		BranchID:  session.BranchID,
		From:      session.OpenedAt,
		To:        until,
		Tagged:    tagged,
	}, nil
}

// ListOrders returns the orders attributable to a session
func (s *RegisterService) ListOrders(ctx context.Context, sessionID string) ([]*core.Order, error) {
	session, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	until := s.now()
	if session.ClosedAt != nil {
		until = *session.ClosedAt
	}
	scope, err := s.scopeFor(ctx, session, until)
	if err != nil {
		return nil, err
	}
	return s.orders.ListForScope(ctx, scope)
}

// SweepStaleTables clears occupancy left behind by failed order linkage and
// returns how many tables were released
func (s *RegisterService) SweepStaleTables(ctx context.Context, branchID string) (int, error) {
	if branchID == "" {
		return 0, fmt.Errorf("%w: branch_id is required", ErrValidation)
	}
	cleared, err := s.tables.SweepStale(ctx, branchID)
	if err != nil {
		return 0, err
	}
	if cleared > 0 {
		slog.Info("swept stale table occupancy", "branch_id", branchID, "cleared", cleared)
	}
	return cleared, nil
}
