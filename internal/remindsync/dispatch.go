package remindsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const DefaultDispatchTimeout = 15 * time.Second

type DispatcherOptions struct {
	HTTPClient *http.Client
	Timeout    time.Duration
	Logger     *zap.Logger
}

// Dispatcher performs the outbound reminder call: one POST of the
// appointment record to the configured webhook, bounded by a fixed timeout,
// no retries. Only a confirmed 2xx advances the appointment to sent.
type Dispatcher struct {
	store      *Store
	httpClient *http.Client
	timeout    time.Duration
	log        *zap.Logger
}

type DispatchResult struct {
	AppointmentID int64       `json:"appointmentId"`
	StatusCode    int         `json:"statusCode"`
	Appointment   Appointment `json:"appointment"`
	Sync          SyncOutcome `json:"sync"`
}

func NewDispatcher(store *Store, opts DispatcherOptions) *Dispatcher {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultDispatchTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		store:      store,
		httpClient: httpClient,
		timeout:    timeout,
		log:        logger,
	}
}

// Trigger dispatches the reminder for one appointment. Misconfiguration and
// unknown ids fail before any network traffic. Failures never change the
// appointment's state; callers may simply trigger again.
func (d *Dispatcher) Trigger(ctx context.Context, appointmentID int64) (DispatchResult, error) {
	webhookURL := d.store.GetSettings().WebhookURL
	if webhookURL == "" {
		return DispatchResult{}, fmt.Errorf("%w: webhook_url is not set", ErrMisconfigured)
	}
	appointment, err := d.store.GetAppointment(appointmentID)
	if err != nil {
		return DispatchResult{}, err
	}

	body, err := json.Marshal(appointment)
	if err != nil {
		return DispatchResult{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(body))
	if err != nil {
		return DispatchResult{}, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Correlation-Id", uuid.NewString())

	resp, err := d.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return DispatchResult{}, fmt.Errorf("%w after %s", ErrDispatchTimeout, d.timeout)
		}
		return DispatchResult{}, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	// The response body is irrelevant to the contract; drain so the
	// connection can be reused, then only the status code matters.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
	_ = resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		d.log.Warn("webhook rejected reminder",
			zap.Int64("appointmentId", appointmentID), zap.Int("status", resp.StatusCode))
		return DispatchResult{}, &DownstreamError{StatusCode: resp.StatusCode}
	}

	// Delivery is confirmed; persistence must not be cut short by whatever
	// remains of the dispatch deadline.
	sent, outcome, err := d.store.MarkSent(context.WithoutCancel(ctx), appointmentID)
	if err != nil {
		// The record vanished between dispatch and confirmation; the
		// webhook already fired, so surface the store's answer as-is.
		return DispatchResult{}, err
	}
	d.log.Info("reminder dispatched",
		zap.Int64("appointmentId", appointmentID), zap.Int("status", resp.StatusCode))
	return DispatchResult{
		AppointmentID: appointmentID,
		StatusCode:    resp.StatusCode,
		Appointment:   sent,
		Sync:          outcome,
	}, nil
}

func isTimeout(err error) bool {
	var urlErr *url.Error
	return errors.As(err, &urlErr) && urlErr.Timeout()
}
