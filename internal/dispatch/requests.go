package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"swiftaid/internal/metrics"
	"swiftaid/internal/model"
	"swiftaid/internal/severity"
	"swiftaid/internal/store"
)

// Event types published on the change stream and offered to webhook subscribers.
const (
	EventRequestCreated    = "request.created"
	EventRequestAssigned   = "request.assigned"
	EventRequestInProgress = "request.in-progress"
	EventRequestCompleted  = "request.completed"
	EventRequestCancelled  = "request.cancelled"
	EventRequestMessage    = "request.message"
	EventRequestRated      = "request.rated"
	EventDriverStatus      = "driver.status"
	EventDriverRegistered  = "driver.registered"
)

var transitionEvents = map[model.RequestStatus]string{
	model.StatusAssigned:   EventRequestAssigned,
	model.StatusInProgress: EventRequestInProgress,
	model.StatusCompleted:  EventRequestCompleted,
	model.StatusCancelled:  EventRequestCancelled,
}

const (
	msgArrived   = "The ambulance has arrived at your location."
	msgCompleted = "This emergency request has been completed."
	msgCancelled = "This emergency request has been cancelled."
)

type LocationInput struct {
	Address     string          `json:"address" validate:"required"`
	Coordinates *model.GeoPoint `json:"coordinates,omitempty"`
}

// NewRequest is the caller-supplied part of a request.
type NewRequest struct {
	UserID         string        `json:"userId"`
	UserName       string        `json:"userName"`
	UserPhone      string        `json:"userPhone,omitempty"`
	Location       LocationInput `json:"location"`
	Description    string        `json:"description" validate:"required,max=4000"`
	PatientName    string        `json:"patientName,omitempty"`
	PatientAge     string        `json:"patientAge,omitempty"`
	PatientGender  string        `json:"patientGender,omitempty"`
	EmergencyType  string        `json:"emergencyType,omitempty"`
	AdditionalInfo string        `json:"additionalInfo,omitempty"`
}

func (in *NewRequest) normalize() {
	in.Location.Address = strings.TrimSpace(in.Location.Address)
	in.Description = strings.TrimSpace(in.Description)
	in.UserName = strings.TrimSpace(in.UserName)
	in.EmergencyType = strings.ToLower(strings.TrimSpace(in.EmergencyType))
}

// CreateRequest classifies and stores a new pending request.
func (e *Engine) CreateRequest(ctx context.Context, in NewRequest) (model.Request, error) {
	const op = "CreateRequest"
	in.normalize()
	if err := e.check(op, in); err != nil {
		e.reject(op, err)
		return model.Request{}, err
	}
	if IsReservedSender(in.UserName) {
		err := validationErr(op, "userName is reserved")
		e.reject(op, err)
		return model.Request{}, err
	}
	level, keyword := severity.Matched(in.Description)
	coords := model.DefaultPoint
	if in.Location.Coordinates != nil {
		coords = *in.Location.Coordinates
	}
	r := model.Request{
		ID:             newID("req_"),
		UserID:         in.UserID,
		UserName:       in.UserName,
		UserPhone:      in.UserPhone,
		Location:       model.Location{Address: in.Location.Address, Coordinates: coords},
		Description:    in.Description,
		PatientName:    in.PatientName,
		PatientAge:     in.PatientAge,
		PatientGender:  in.PatientGender,
		EmergencyType:  in.EmergencyType,
		AdditionalInfo: in.AdditionalInfo,
		Severity:       level,
		Status:         model.StatusPending,
		Timestamp:      e.clock.Now(),
		Messages:       []model.Message{},
		Version:        1,
	}
	if err := e.store.InsertRequest(ctx, r); err != nil {
		err = storeErr(op, err)
		e.reject(op, err)
		return model.Request{}, err
	}
	metrics.RequestsCreated.WithLabelValues(string(level)).Inc()
	e.log.Info().Str("request", r.ID).Str("severity", string(level)).Str("keyword", keyword).Msg("request created")

	e.notify(ctx, model.Notification{
		RecipientID: model.AdminsRecipient,
		Title:       "New emergency request",
		Message:     FormatEmergencyRequest(r),
		Severity:    r.Severity,
		RequestID:   r.ID,
		Event:       EventRequestCreated,
	})
	e.publish(EventRequestCreated, &r, nil)
	return r, nil
}

// AssignDriver dispatches an available driver to a pending request.
// Of two concurrent calls naming the same driver exactly one succeeds.
func (e *Engine) AssignDriver(ctx context.Context, requestID, driverID string) (model.Request, error) {
	const op = "AssignDriver"
	var (
		r   model.Request
		d   model.Driver
		eta int
		err error
	)
	func() {
		unlock := e.locks.Lock(requestKey(requestID))
		defer unlock()
		if r, err = e.loadRequest(ctx, op, requestID); err != nil {
			return
		}
		unlockDriver := e.locks.Lock(driverKey(driverID))
		defer unlockDriver()
		if d, err = e.loadDriver(ctx, op, driverID); err != nil {
			return
		}
		if r.Status != model.StatusPending {
			err = invalidState(op, r.ID, r.Status, model.StatusAssigned, "only pending requests can be assigned")
			return
		}
		if d.Status != model.DriverAvailable {
			err = &Error{Kind: ErrDriverUnavailable, Op: op, Entity: "driver", ID: d.ID, State: string(d.Status)}
			return
		}

		now := e.clock.Now()
		eta = e.etaMin + e.rand.Intn(e.etaMax-e.etaMin+1)
		arrival := now.Add(time.Duration(eta) * time.Minute)

		next := r.Clone()
		next.Status = model.StatusAssigned
		next.AssignedTo = d.ID
		next.DriverName = d.Name
		next.DriverPhone = d.Phone
		next.DriverPhoto = d.PhotoURL
		next.AmbulanceID = d.AmbulanceID
		next.EstimatedArrival = &arrival
		e.appendSystem(&next, fmt.Sprintf("Ambulance %s has been assigned to your request. Driver %s is on the way.", d.AmbulanceID, d.Name))
		next.Version++

		nd := d.Clone()
		nd.Status = model.DriverBusy
		nd.CurrentAssignment = r.ID
		nd.UpdatedAt = now
		nd.Version++

		if err = e.store.SaveDispatch(ctx, next, nd); err != nil {
			err = storeErr(op, err)
			return
		}
		r, d = next, nd
	}()
	if err != nil {
		e.reject(op, err)
		return model.Request{}, err
	}

	metrics.RequestTransitions.WithLabelValues(string(model.StatusAssigned)).Inc()
	metrics.DriverStatus.WithLabelValues(string(model.DriverBusy)).Inc()
	metrics.AssignedETA.Observe(float64(eta))
	e.log.Info().Str("request", r.ID).Str("driver", d.ID).Int("etaMinutes", eta).Msg("driver assigned")

	e.notify(ctx, model.Notification{
		RecipientID: r.UserID,
		Title:       "Ambulance assigned",
		Message:     FormatDriverAssigned(d.Name, eta),
		Severity:    r.Severity,
		RequestID:   r.ID,
		Event:       EventRequestAssigned,
	})
	e.notify(ctx, model.Notification{
		RecipientID: d.ID,
		Title:       "New assignment",
		Message:     FormatAssignmentForDriver(r),
		Severity:    r.Severity,
		RequestID:   r.ID,
		Event:       EventRequestAssigned,
	})
	e.publish(EventRequestAssigned, &r, &d)
	return r, nil
}

// StartResponse marks the ambulance as arrived on scene.
func (e *Engine) StartResponse(ctx context.Context, requestID string) (model.Request, error) {
	return e.transition(ctx, "StartResponse", requestID, model.StatusInProgress, "")
}

// CompleteRequest closes an in-progress request and frees its driver in the same write.
func (e *Engine) CompleteRequest(ctx context.Context, requestID, note string) (model.Request, error) {
	return e.transition(ctx, "CompleteRequest", requestID, model.StatusCompleted, note)
}

// CancelRequest cancels a pending or assigned request. An attached driver is freed
// without counting a completed assignment.
func (e *Engine) CancelRequest(ctx context.Context, requestID, note string) (model.Request, error) {
	return e.transition(ctx, "CancelRequest", requestID, model.StatusCancelled, note)
}

// UpdateStatus is the generic status setter. Entering assigned is refused because
// an assignment needs a driver; use AssignDriver.
func (e *Engine) UpdateStatus(ctx context.Context, requestID string, status model.RequestStatus, note string) (model.Request, error) {
	const op = "UpdateStatus"
	if !validRequestStatus(status) {
		err := validationErr(op, fmt.Sprintf("unknown status %q", status))
		e.reject(op, err)
		return model.Request{}, err
	}
	return e.transition(ctx, op, requestID, status, note)
}

func (e *Engine) transition(ctx context.Context, op, requestID string, to model.RequestStatus, note string) (model.Request, error) {
	note = strings.TrimSpace(note)
	var (
		r       model.Request
		d       model.Driver
		touched bool // driver written alongside the request
		err     error
	)
	func() {
		unlock := e.locks.Lock(requestKey(requestID))
		defer unlock()
		if r, err = e.loadRequest(ctx, op, requestID); err != nil {
			return
		}
		if to == model.StatusAssigned && r.Status == model.StatusPending {
			err = invalidState(op, r.ID, r.Status, to, "assignment requires a driver")
			return
		}
		if !CanTransition(r.Status, to) {
			err = invalidState(op, r.ID, r.Status, to, "")
			return
		}

		now := e.clock.Now()
		next := r.Clone()
		next.Status = to
		switch to {
		case model.StatusInProgress:
			next.EstimatedArrival = &now
			e.appendSystem(&next, msgArrived)
		case model.StatusCompleted:
			next.CompletedAt = &now
			e.appendSystem(&next, msgCompleted)
		case model.StatusCancelled:
			next.CancelledAt = &now
			e.appendSystem(&next, msgCancelled)
		}
		if note != "" {
			next.Notes = append(next.Notes, note)
		}
		next.Version++

		freesDriver := next.AssignedTo != "" && (to == model.StatusCompleted || to == model.StatusCancelled)
		if !freesDriver {
			if err = e.store.SaveRequest(ctx, next); err != nil {
				err = storeErr(op, err)
				return
			}
			r = next
			return
		}

		unlockDriver := e.locks.Lock(driverKey(next.AssignedTo))
		defer unlockDriver()
		drv, derr := e.store.GetDriver(ctx, next.AssignedTo)
		if errors.Is(derr, store.ErrNotFound) {
			// driver record gone; the request still closes
			e.log.Warn().Str("request", next.ID).Str("driver", next.AssignedTo).Msg("assigned driver missing")
			if err = e.store.SaveRequest(ctx, next); err != nil {
				err = storeErr(op, err)
				return
			}
			r = next
			return
		}
		if derr != nil {
			err = fmt.Errorf("%s: load driver %s: %w", op, next.AssignedTo, derr)
			return
		}
		nd := drv.Clone()
		// an offline driver stays offline when its request closes
		if nd.Status != model.DriverOffline {
			nd.Status = model.DriverAvailable
		}
		nd.CurrentAssignment = ""
		nd.CurrentJob = ""
		if to == model.StatusCompleted {
			nd.CompletedAssignments++
		}
		nd.UpdatedAt = now
		nd.Version++
		if err = e.store.SaveDispatch(ctx, next, nd); err != nil {
			err = storeErr(op, err)
			return
		}
		r, d, touched = next, nd, true
	}()
	if err != nil {
		e.reject(op, err)
		return model.Request{}, err
	}

	metrics.RequestTransitions.WithLabelValues(string(to)).Inc()
	if touched {
		metrics.DriverStatus.WithLabelValues(string(model.DriverAvailable)).Inc()
	}
	e.log.Info().Str("op", op).Str("request", r.ID).Str("status", string(to)).Bool("driverFreed", touched).Msg("request status changed")

	evt := transitionEvents[to]
	switch to {
	case model.StatusInProgress:
		e.notify(ctx, model.Notification{RecipientID: r.UserID, Title: "Ambulance arrived", Message: msgArrived, Severity: r.Severity, RequestID: r.ID, Event: evt})
	case model.StatusCompleted:
		e.notify(ctx, model.Notification{RecipientID: r.UserID, Title: "Request completed", Message: msgCompleted, Severity: r.Severity, RequestID: r.ID, Event: evt})
	case model.StatusCancelled:
		if r.AssignedTo != "" {
			e.notify(ctx, model.Notification{RecipientID: r.AssignedTo, Title: "Assignment cancelled", Message: FormatCancelledForDriver(r), Severity: r.Severity, RequestID: r.ID, Event: evt})
		}
	}
	if touched {
		e.publish(evt, &r, &d)
	} else {
		e.publish(evt, &r, nil)
	}
	return r, nil
}

func (e *Engine) GetRequest(ctx context.Context, id string) (model.Request, error) {
	return e.loadRequest(ctx, "GetRequest", id)
}

// ListRequests returns matching requests, most recent first.
func (e *Engine) ListRequests(ctx context.Context, f model.RequestFilter) ([]model.Request, error) {
	if f.Status != "" && !validRequestStatus(f.Status) {
		return nil, validationErr("ListRequests", fmt.Sprintf("unknown status %q", f.Status))
	}
	out, err := e.store.ListRequests(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("ListRequests: %w", err)
	}
	return out, nil
}
