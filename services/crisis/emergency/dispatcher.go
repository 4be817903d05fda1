// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package emergency

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianCrisis/pkg/extensions"
	"github.com/AleutianAI/AleutianCrisis/services/crisis/datatypes"
	"github.com/AleutianAI/AleutianCrisis/services/crisis/events"
)

// ErrNoContact is returned when the region has no contact able to serve an
// action.
var ErrNoContact = errors.New("no contact with required capability")

// ActionRequest is one action handed to a Dispatcher.
type ActionRequest struct {
	OverrideID  string
	Action      datatypes.ActionType
	SafetyLevel datatypes.SafetyLevel
	Request     datatypes.EmergencyOverrideRequest
	Contacts    []datatypes.EmergencyContact
}

// Dispatcher carries out a single emergency action.
//
// # Description
//
// Dispatch returns a short human-readable detail on success. It is called
// concurrently, one goroutine per action, on a context that is not
// cancelled by the caller of Activate. Implementations must honour the
// context deadline.
type Dispatcher interface {
	Dispatch(ctx context.Context, ar ActionRequest) (string, error)
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, ar ActionRequest) (string, error)

func (f DispatcherFunc) Dispatch(ctx context.Context, ar ActionRequest) (string, error) {
	return f(ctx, ar)
}

// =============================================================================
// EventDispatcher
// =============================================================================

// EventDispatcher publishes each action as an escalation event and sends
// supervisor alerts through a notifier.
//
// # Thread Safety
//
// Safe for concurrent use if the publisher and notifier are.
type EventDispatcher struct {
	publisher events.Publisher
	notifier  extensions.SupervisorNotifier
	now       func() time.Time
}

// NewEventDispatcher builds a dispatcher. Nil arguments fall back to the
// logging implementations.
func NewEventDispatcher(pub events.Publisher, notifier extensions.SupervisorNotifier) *EventDispatcher {
	if pub == nil {
		pub = events.LogPublisher{}
	}
	if notifier == nil {
		notifier = &extensions.LogSupervisorNotifier{}
	}
	return &EventDispatcher{publisher: pub, notifier: notifier, now: time.Now}
}

func (d *EventDispatcher) Dispatch(ctx context.Context, ar ActionRequest) (string, error) {
	switch ar.Action {
	case datatypes.ActionAlertSupervisors:
		return d.alertSupervisors(ctx, ar)
	case datatypes.ActionContactEmergencyServices:
		return d.publishWithContact(ctx, ar, events.TypeEmergencyDispatch, CapEmergencyServices)
	case datatypes.ActionConnectHotline:
		return d.publishWithContact(ctx, ar, events.TypeHotlineConnect, CapCrisisHotline)
	case datatypes.ActionMobilizeCrisisTeam:
		return d.publishWithContact(ctx, ar, events.TypeCrisisTeam, CapCrisisTeam)
	case datatypes.ActionActivateLocation:
		return d.requestLocation(ctx, ar)
	}
	return "", fmt.Errorf("unknown emergency action %q", ar.Action)
}

func (d *EventDispatcher) alertSupervisors(ctx context.Context, ar ActionRequest) (string, error) {
	alert := extensions.SupervisorAlert{
		SessionID:   ar.Request.SessionID,
		AnonymousID: ar.Request.AnonymousID,
		OverrideID:  ar.OverrideID,
		Severity:    ar.Request.Severity,
		SafetyLevel: string(ar.SafetyLevel),
		Reason:      ar.Request.TriggerReason,
		RaisedAt:    d.now().UTC(),
	}
	if err := d.notifier.NotifySupervisors(ctx, alert); err != nil {
		return "", fmt.Errorf("failed to alert supervisors: %w", err)
	}
	return "supervisors alerted", nil
}

func (d *EventDispatcher) publishWithContact(ctx context.Context, ar ActionRequest, eventType, capability string) (string, error) {
	contact, ok := firstWith(ar.Contacts, capability)
	if !ok {
		return "", fmt.Errorf("%s: %w", capability, ErrNoContact)
	}
	e := d.baseEvent(ar, eventType)
	e.Attributes["contact_name"] = contact.Name
	if contact.Phone != "" {
		e.Attributes["contact_phone"] = contact.Phone
	}
	if contact.SMS != "" {
		e.Attributes["contact_sms"] = contact.SMS
	}
	if err := d.publisher.Publish(ctx, e); err != nil {
		return "", fmt.Errorf("failed to publish %s: %w", eventType, err)
	}
	return contactDetail(contact), nil
}

// requestLocation asks for a location fix. Without a consented location the
// event becomes a consent request to the user's client.
func (d *EventDispatcher) requestLocation(ctx context.Context, ar ActionRequest) (string, error) {
	e := d.baseEvent(ar, events.TypeLocationRequest)
	detail := "location consent requested"
	if loc := ar.Request.Location; loc != nil {
		e.Attributes["latitude"] = strconv.FormatFloat(loc.Latitude, 'f', 6, 64)
		e.Attributes["longitude"] = strconv.FormatFloat(loc.Longitude, 'f', 6, 64)
		e.Attributes["accuracy_m"] = strconv.FormatFloat(loc.AccuracyMeters, 'f', 0, 64)
		detail = "location shared with responders"
	} else {
		e.Attributes["consent_requested"] = "true"
	}
	if err := d.publisher.Publish(ctx, e); err != nil {
		return "", fmt.Errorf("failed to publish location request: %w", err)
	}
	return detail, nil
}

func (d *EventDispatcher) baseEvent(ar ActionRequest, eventType string) events.Event {
	return events.Event{
		ID:          uuid.NewString(),
		Type:        eventType,
		SessionID:   ar.Request.SessionID,
		AnonymousID: ar.Request.AnonymousID,
		OverrideID:  ar.OverrideID,
		Severity:    ar.Request.Severity,
		SafetyLevel: string(ar.SafetyLevel),
		Reason:      ar.Request.TriggerReason,
		Region:      ar.Request.Region,
		Attributes:  map[string]string{"action": string(ar.Action)},
		OccurredAt:  d.now().UTC(),
	}
}

func firstWith(contacts []datatypes.EmergencyContact, capability string) (datatypes.EmergencyContact, bool) {
	for _, c := range contacts {
		if c.HasCapability(capability) {
			return c, true
		}
	}
	return datatypes.EmergencyContact{}, false
}

func contactDetail(c datatypes.EmergencyContact) string {
	switch {
	case c.Phone != "":
		return fmt.Sprintf("%s (%s)", c.Name, c.Phone)
	case c.SMS != "":
		return fmt.Sprintf("%s (text %s)", c.Name, c.SMS)
	}
	return c.Name
}

var (
	_ Dispatcher = (*EventDispatcher)(nil)
	_ Dispatcher = DispatcherFunc(nil)
)
