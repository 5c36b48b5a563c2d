package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"swiftaid/internal/metrics"
	"swiftaid/internal/model"
	"swiftaid/internal/store"
)

// DriverStatusUpdate is a driver's self-reported availability.
type DriverStatusUpdate struct {
	Status   model.DriverStatus    `json:"status" validate:"required,oneof=available busy offline"`
	Location *model.DriverLocation `json:"location,omitempty"`
	Job      string                `json:"job,omitempty" validate:"max=500"`
}

// UpdateDriverStatus applies a self-service status change. A driver holding an
// active formal assignment cannot declare itself available; that happens
// through completion or cancellation of the request.
func (e *Engine) UpdateDriverStatus(ctx context.Context, driverID string, upd DriverStatusUpdate) (model.Driver, error) {
	const op = "UpdateDriverStatus"
	upd.Job = strings.TrimSpace(upd.Job)
	if err := e.check(op, upd); err != nil {
		e.reject(op, err)
		return model.Driver{}, err
	}
	if upd.Location != nil {
		if err := e.checkPoint(op, upd.Location.Coordinates); err != nil {
			e.reject(op, err)
			return model.Driver{}, err
		}
	}
	var (
		d   model.Driver
		err error
	)
	func() {
		unlock := e.locks.Lock(driverKey(driverID))
		defer unlock()
		if d, err = e.loadDriver(ctx, op, driverID); err != nil {
			return
		}
		active := false
		if upd.Status != model.DriverBusy && d.CurrentAssignment != "" {
			if active, err = e.assignmentActive(ctx, op, d.CurrentAssignment); err != nil {
				return
			}
			if active && upd.Status == model.DriverAvailable {
				err = &Error{Kind: ErrInvalidState, Op: op, Entity: "driver", ID: d.ID, State: string(d.Status), Target: string(upd.Status),
					Msg: fmt.Sprintf("driver holds active assignment %s", d.CurrentAssignment)}
				return
			}
		}
		next := d.Clone()
		next.Status = upd.Status
		if upd.Location != nil {
			loc := *upd.Location
			next.Location = &loc
		}
		if upd.Status == model.DriverBusy {
			if upd.Job != "" {
				next.CurrentJob = upd.Job
			}
		} else {
			next.CurrentJob = ""
			// an offline driver keeps an active assignment so going available stays guarded
			if !active {
				next.CurrentAssignment = ""
			}
		}
		next.UpdatedAt = e.clock.Now()
		next.Version++
		if err = e.store.SaveDriver(ctx, next); err != nil {
			err = storeErr(op, err)
			return
		}
		d = next
	}()
	if err != nil {
		e.reject(op, err)
		return model.Driver{}, err
	}

	metrics.DriverStatus.WithLabelValues(string(d.Status)).Inc()
	e.log.Info().Str("driver", d.ID).Str("status", string(d.Status)).Msg("driver status updated")
	e.publish(EventDriverStatus, nil, &d)
	return d, nil
}

// assignmentActive reads the request side without taking its lock. Taking a
// request lock while holding a driver lock would invert the lock order; a
// stale read is harmless because assignment and release both hold this
// driver's lock.
func (e *Engine) assignmentActive(ctx context.Context, op, requestID string) (bool, error) {
	r, err := e.store.GetRequest(ctx, requestID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%s: load request %s: %w", op, requestID, err)
	}
	return r.Status.Active(), nil
}

func (e *Engine) checkPoint(op string, p model.GeoPoint) error {
	if err := e.validate.Var(p.Lat, "latitude"); err != nil {
		return validationErr(op, "location.coordinates.lat must be a valid latitude")
	}
	if err := e.validate.Var(p.Lng, "longitude"); err != nil {
		return validationErr(op, "location.coordinates.lng must be a valid longitude")
	}
	return nil
}

// RegisterDriver provisions a driver record. Drivers are created out of band
// (seed file or admin tooling), never by the driver themselves.
func (e *Engine) RegisterDriver(ctx context.Context, d model.Driver) (model.Driver, error) {
	const op = "RegisterDriver"
	d.Name = strings.TrimSpace(d.Name)
	if d.Name == "" {
		err := validationErr(op, "name is required")
		e.reject(op, err)
		return model.Driver{}, err
	}
	if d.ID == "" {
		d.ID = newID("drv_")
	}
	if d.Status == "" {
		d.Status = model.DriverAvailable
	}
	if err := e.validate.Var(string(d.Status), "oneof=available busy offline"); err != nil {
		err = validationErr(op, "status must be one of [available busy offline]")
		e.reject(op, err)
		return model.Driver{}, err
	}
	if d.Location != nil {
		if err := e.checkPoint(op, d.Location.Coordinates); err != nil {
			e.reject(op, err)
			return model.Driver{}, err
		}
	}
	d.CurrentAssignment = ""
	if d.Status != model.DriverBusy {
		d.CurrentJob = ""
	}
	d.UpdatedAt = e.clock.Now()
	d.Version = 1
	if err := e.store.InsertDriver(ctx, d); err != nil {
		if errors.Is(err, store.ErrExists) {
			err = validationErr(op, fmt.Sprintf("driver %s already exists", d.ID))
		} else {
			err = storeErr(op, err)
		}
		e.reject(op, err)
		return model.Driver{}, err
	}
	e.log.Info().Str("driver", d.ID).Str("name", d.Name).Msg("driver registered")
	e.publish(EventDriverRegistered, nil, &d)
	return d, nil
}

func (e *Engine) GetDriver(ctx context.Context, id string) (model.Driver, error) {
	return e.loadDriver(ctx, "GetDriver", id)
}

func (e *Engine) ListDrivers(ctx context.Context, f model.DriverFilter) ([]model.Driver, error) {
	out, err := e.store.ListDrivers(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("ListDrivers: %w", err)
	}
	return out, nil
}
