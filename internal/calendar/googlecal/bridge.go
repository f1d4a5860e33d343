// Package googlecal implements calendar.EventBridge against the Google
// Calendar API. Events are mirrored into the user's primary calendar.
package googlecal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/oauth2"
	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/ksaito/crewdesk/backend/internal/calendar"
)

// CallTimeout bounds every remote calendar call. A timeout is reported the
// same way as any other service failure.
const CallTimeout = 10 * time.Second

const defaultCalendarID = "primary"

// Bridge implements calendar.EventBridge using the Google Calendar API.
// A service is constructed per call from the caller-supplied access token,
// since tokens are per-user and validated by the credential refresher.
type Bridge struct {
	calendarID string
	timeout    time.Duration
	opts       []option.ClientOption
}

// NewBridge creates a Bridge targeting the primary calendar. Extra client
// options are passed through to the Calendar service (tests use
// option.WithEndpoint to point at a fake server).
func NewBridge(opts ...option.ClientOption) *Bridge {
	return &Bridge{
		calendarID: defaultCalendarID,
		timeout:    CallTimeout,
		opts:       opts,
	}
}

func (b *Bridge) service(ctx context.Context, accessToken string) (*gcal.Service, error) {
	opts := append([]option.ClientOption{
		option.WithTokenSource(oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken})),
	}, b.opts...)

	srv, err := gcal.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: unable to create calendar service: %v", calendar.ErrService, err)
	}
	return srv, nil
}

// CreateEvent creates a remote event and returns its identifier.
func (b *Bridge) CreateEvent(ctx context.Context, accessToken string, ev calendar.Event) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	srv, err := b.service(ctx, accessToken)
	if err != nil {
		return "", err
	}

	res, err := srv.Events.Insert(b.calendarID, toGoogleEvent(ev)).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("%w: unable to create event: %v", calendar.ErrService, err)
	}
	return res.Id, nil
}

// UpdateEvent rewrites the remote event with the final time bounds.
func (b *Bridge) UpdateEvent(ctx context.Context, accessToken string, remoteID string, ev calendar.Event) error {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	srv, err := b.service(ctx, accessToken)
	if err != nil {
		return err
	}

	_, err = srv.Events.Update(b.calendarID, remoteID, toGoogleEvent(ev)).Context(ctx).Do()
	if err != nil {
		if isGone(err) {
			return fmt.Errorf("event %s: %w", remoteID, calendar.ErrEventGone)
		}
		return fmt.Errorf("%w: unable to update event: %v", calendar.ErrService, err)
	}
	return nil
}

// DeleteEvent removes the remote event. "Already gone" is success.
func (b *Bridge) DeleteEvent(ctx context.Context, accessToken string, remoteID string) error {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	srv, err := b.service(ctx, accessToken)
	if err != nil {
		return err
	}

	if err := srv.Events.Delete(b.calendarID, remoteID).Context(ctx).Do(); err != nil {
		if isGone(err) {
			return nil
		}
		return fmt.Errorf("%w: unable to delete event: %v", calendar.ErrService, err)
	}
	return nil
}

func toGoogleEvent(ev calendar.Event) *gcal.Event {
	return &gcal.Event{
		Summary:     ev.Title,
		Description: ev.Description,
		Start:       &gcal.EventDateTime{DateTime: ev.Start.Format(time.RFC3339)},
		End:         &gcal.EventDateTime{DateTime: ev.End.Format(time.RFC3339)},
	}
}

// isGone reports whether the error means the remote resource no longer
// exists. Google returns 404 for deleted events and 410 for cancelled ones.
func isGone(err error) bool {
	var gErr *googleapi.Error
	if errors.As(err, &gErr) {
		return gErr.Code == 404 || gErr.Code == 410
	}
	return false
}
