// README: Service request store backed by PostgreSQL with version-checked updates.
package request

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"roadside/internal/types"
)

const uniqueViolation = "23505"

type PGStore struct {
	db *pgxpool.Pool
}

func NewPGStore(db *pgxpool.Pool) *PGStore {
	return &PGStore{db: db}
}

const selectColumns = `
	id, requester_id, category, urgency,
	lat, lng, accuracy, address,
	vehicle, description,
	status, status_version, assigned_provider_id,
	offers, excluded_providers, round, reject_reason,
	created_at, updated_at, accepted_at, on_the_way_at, arrived_at,
	completed_at, cancelled_at, rejected_at`

func (s *PGStore) Create(ctx context.Context, r *ServiceRequest) error {
	row, err := toRow(r)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO service_requests (
			id, requester_id, category, urgency,
			lat, lng, accuracy, address,
			vehicle, description,
			status, status_version, assigned_provider_id,
			offers, excluded_providers, round, reject_reason, dispatch_due_at,
			created_at, updated_at, accepted_at, on_the_way_at, arrived_at,
			completed_at, cancelled_at, rejected_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8,
			$9, $10,
			$11, $12, $13,
			$14, $15, $16, $17, $18,
			$19, $20, $21, $22, $23,
			$24, $25, $26
		)`,
		string(r.ID), string(r.RequesterID), string(r.Category), string(r.Urgency),
		row.lat, row.lng, row.accuracy, row.address,
		row.vehicle, r.Description,
		string(r.Status), r.StatusVersion, row.assigned,
		row.offers, row.excluded, r.Round, row.rejectReason, r.DispatchDueAt(),
		r.CreatedAt, r.UpdatedAt, r.AcceptedAt, r.OnTheWayAt, r.ArrivedAt,
		r.CompletedAt, r.CancelledAt, r.RejectedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		if pgErr.ConstraintName == "service_requests_pkey" {
			return ErrConflict
		}
		return ErrActiveRequest
	}
	return err
}

func (s *PGStore) Get(ctx context.Context, id types.ID) (*ServiceRequest, error) {
	row := s.db.QueryRow(ctx, `SELECT `+selectColumns+` FROM service_requests WHERE id = $1`, string(id))
	r, err := scanRequest(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func (s *PGStore) Update(ctx context.Context, r *ServiceRequest, expectedVersion int) (bool, error) {
	row, err := toRow(r)
	if err != nil {
		return false, err
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE service_requests SET
			lat = $3, lng = $4, accuracy = $5, address = $6,
			status = $7, status_version = status_version + 1,
			assigned_provider_id = $8, offers = $9, excluded_providers = $10,
			round = $11, reject_reason = $12, dispatch_due_at = $13,
			updated_at = $14, accepted_at = $15, on_the_way_at = $16, arrived_at = $17,
			completed_at = $18, cancelled_at = $19, rejected_at = $20
		WHERE id = $1 AND status_version = $2`,
		string(r.ID), expectedVersion,
		row.lat, row.lng, row.accuracy, row.address,
		string(r.Status),
		row.assigned, row.offers, row.excluded,
		r.Round, row.rejectReason, r.DispatchDueAt(),
		r.UpdatedAt, r.AcceptedAt, r.OnTheWayAt, r.ArrivedAt,
		r.CompletedAt, r.CancelledAt, r.RejectedAt,
	)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() != 1 {
		return false, nil
	}
	r.StatusVersion = expectedVersion + 1
	return true, nil
}

func (s *PGStore) ListDispatchDue(ctx context.Context, now time.Time, limit int) ([]types.ID, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id FROM service_requests
		WHERE status = $1 AND dispatch_due_at <= $2
		ORDER BY dispatch_due_at, id
		LIMIT $3`, string(StatusPending), now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.ID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, types.ID(id))
	}
	return out, rows.Err()
}

func (s *PGStore) AppendEvent(ctx context.Context, e TransitionEvent) error {
	var actor *string
	if e.ActorID != nil {
		a := string(*e.ActorID)
		actor = &a
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO service_request_events (request_id, from_status, to_status, event, actor_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		string(e.RequestID), string(e.FromStatus), string(e.ToStatus), string(e.Event), actor, e.CreatedAt,
	)
	return err
}

type pgRow struct {
	lat, lng, accuracy *float64
	address            *string
	vehicle            []byte
	assigned           *string
	offers             []byte
	excluded           []string
	rejectReason       *string
}

func toRow(r *ServiceRequest) (pgRow, error) {
	var row pgRow
	if r.Location != nil {
		row.lat, row.lng = &r.Location.Lat, &r.Location.Lng
		row.accuracy = r.Location.Accuracy
		if r.Location.Address != "" {
			addr := r.Location.Address
			row.address = &addr
		}
	}
	var err error
	if row.vehicle, err = json.Marshal(r.VehicleInfo); err != nil {
		return row, fmt.Errorf("encode vehicle: %w", err)
	}
	offers := r.Offers
	if offers == nil {
		offers = []Offer{}
	}
	if row.offers, err = json.Marshal(offers); err != nil {
		return row, fmt.Errorf("encode offers: %w", err)
	}
	if r.AssignedProviderID != nil {
		a := string(*r.AssignedProviderID)
		row.assigned = &a
	}
	row.excluded = make([]string, len(r.ExcludedProviders))
	for i, x := range r.ExcludedProviders {
		row.excluded[i] = string(x)
	}
	if r.RejectReason != nil {
		reason := string(*r.RejectReason)
		row.rejectReason = &reason
	}
	return row, nil
}

func scanRequest(row pgx.Row) (*ServiceRequest, error) {
	var (
		r                                ServiceRequest
		id, requester, category, urgency string
		status                           string
		lat, lng, accuracy               *float64
		address, assigned, rejectReason  *string
		vehicle, offers                  []byte
		excluded                         []string
	)
	err := row.Scan(
		&id, &requester, &category, &urgency,
		&lat, &lng, &accuracy, &address,
		&vehicle, &r.Description,
		&status, &r.StatusVersion, &assigned,
		&offers, &excluded, &r.Round, &rejectReason,
		&r.CreatedAt, &r.UpdatedAt, &r.AcceptedAt, &r.OnTheWayAt, &r.ArrivedAt,
		&r.CompletedAt, &r.CancelledAt, &r.RejectedAt,
	)
	if err != nil {
		return nil, err
	}

	r.ID = types.ID(id)
	r.RequesterID = types.ID(requester)
	r.Category = types.Category(category)
	r.Urgency = Urgency(urgency)
	r.Status = Status(status)
	if lat != nil && lng != nil {
		r.Location = &types.Point{Lat: *lat, Lng: *lng, Accuracy: accuracy}
		if address != nil {
			r.Location.Address = *address
		}
	}
	if len(vehicle) > 0 {
		if err := json.Unmarshal(vehicle, &r.VehicleInfo); err != nil {
			return nil, fmt.Errorf("decode vehicle: %w", err)
		}
	}
	if len(offers) > 0 {
		if err := json.Unmarshal(offers, &r.Offers); err != nil {
			return nil, fmt.Errorf("decode offers: %w", err)
		}
	}
	if assigned != nil {
		a := types.ID(*assigned)
		r.AssignedProviderID = &a
	}
	for _, x := range excluded {
		r.ExcludedProviders = append(r.ExcludedProviders, types.ID(x))
	}
	if rejectReason != nil {
		reason := RejectReason(*rejectReason)
		r.RejectReason = &reason
	}
	return &r, nil
}
