package dispatch

import (
	"context"
	"strings"

	"swiftaid/internal/model"
)

const maxMessageLen = 2000

// AddMessage appends a participant message to the request conversation. Only
// requests with a driver attached accept messages, and the system sender name
// is reserved.
func (e *Engine) AddMessage(ctx context.Context, requestID, sender, text string) (model.Request, error) {
	return e.addMessage(ctx, "AddMessage", requestID, strings.TrimSpace(sender), text, false)
}

// AddSystemMessage appends a message from the system sender in any status.
func (e *Engine) AddSystemMessage(ctx context.Context, requestID, text string) (model.Request, error) {
	return e.addMessage(ctx, "AddSystemMessage", requestID, model.SystemSender, text, true)
}

func (e *Engine) addMessage(ctx context.Context, op, requestID, sender, text string, system bool) (model.Request, error) {
	text = strings.TrimSpace(text)
	var (
		r   model.Request
		msg model.Message
		err error
	)
	func() {
		unlock := e.locks.Lock(requestKey(requestID))
		defer unlock()
		if r, err = e.loadRequest(ctx, op, requestID); err != nil {
			return
		}
		if !system && !r.Status.Active() {
			err = invalidState(op, r.ID, r.Status, nil, "messaging needs an assigned or in-progress request")
			return
		}
		switch {
		case text == "":
			err = validationErr(op, "text is required")
			return
		case len(text) > maxMessageLen:
			err = validationErr(op, "text is too long")
			return
		case sender == "":
			err = validationErr(op, "sender is required")
			return
		case !system && IsReservedSender(sender):
			err = validationErr(op, "sender name is reserved")
			return
		}
		next := r.Clone()
		msg = model.Message{ID: newID("msg_"), Sender: sender, Text: text, Timestamp: e.clock.Now()}
		next.Messages = append(next.Messages, msg)
		next.Version++
		if err = e.store.SaveRequest(ctx, next); err != nil {
			err = storeErr(op, err)
			return
		}
		r = next
	}()
	if err != nil {
		e.reject(op, err)
		return model.Request{}, err
	}

	e.log.Debug().Str("request", r.ID).Str("sender", sender).Msg("message added")
	for _, to := range messageRecipients(r, sender) {
		e.notify(ctx, model.Notification{
			RecipientID: to,
			Title:       "New message",
			Message:     FormatMessage(sender, text),
			Severity:    r.Severity,
			RequestID:   r.ID,
			Event:       EventRequestMessage,
		})
	}
	e.publish(EventRequestMessage, &r, nil)
	return r, nil
}

// messageRecipients picks the other party. Senders are display names, so a
// sender matching neither side reaches both.
func messageRecipients(r model.Request, sender string) []string {
	fromRequester := sender == r.UserName || sender == r.UserID
	fromDriver := r.AssignedTo != "" && (sender == r.DriverName || sender == "Driver "+r.DriverName || sender == r.AssignedTo)
	switch {
	case fromRequester && !fromDriver:
		return []string{r.AssignedTo}
	case fromDriver && !fromRequester:
		return []string{r.UserID}
	case sender == model.SystemSender:
		return nil
	}
	return []string{r.UserID, r.AssignedTo}
}

// AddRating records the requester's write-once rating of a completed request.
func (e *Engine) AddRating(ctx context.Context, requestID string, rating int, feedback string) (model.Request, error) {
	const op = "AddRating"
	feedback = strings.TrimSpace(feedback)
	if err := e.validate.Var(rating, "min=1,max=5"); err != nil {
		err = validationErr(op, "rating must be between 1 and 5")
		e.reject(op, err)
		return model.Request{}, err
	}
	if err := e.validate.Var(feedback, "max=2000"); err != nil {
		err = validationErr(op, DescribeValidation(err))
		e.reject(op, err)
		return model.Request{}, err
	}
	var (
		r   model.Request
		err error
	)
	func() {
		unlock := e.locks.Lock(requestKey(requestID))
		defer unlock()
		if r, err = e.loadRequest(ctx, op, requestID); err != nil {
			return
		}
		if r.Status != model.StatusCompleted {
			err = invalidState(op, r.ID, r.Status, nil, "only completed requests can be rated")
			return
		}
		if r.Rating != nil {
			err = &Error{Kind: ErrAlreadyRated, Op: op, Entity: "request", ID: r.ID}
			return
		}
		next := r.Clone()
		next.Rating = &model.Rating{Rating: rating, Feedback: feedback, Timestamp: e.clock.Now()}
		next.Version++
		if err = e.store.SaveRequest(ctx, next); err != nil {
			err = storeErr(op, err)
			return
		}
		r = next
	}()
	if err != nil {
		e.reject(op, err)
		return model.Request{}, err
	}

	e.log.Info().Str("request", r.ID).Int("rating", rating).Msg("request rated")
	e.notify(ctx, model.Notification{
		RecipientID: model.AdminsRecipient,
		Title:       "Service rated",
		Message:     FormatRating(r),
		Severity:    r.Severity,
		RequestID:   r.ID,
		Event:       EventRequestRated,
	})
	e.publish(EventRequestRated, &r, nil)
	return r, nil
}

// IsReservedSender reports whether name would pass for the system sender.
func IsReservedSender(name string) bool {
	return strings.EqualFold(strings.TrimSpace(name), model.SystemSender)
}
