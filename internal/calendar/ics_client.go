package calendar

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/google/uuid"
)

// ICSClient talks to a calendar collection over plain HTTP: one iCalendar
// object per event, addressed as <endpoint>/<uid>.ics with basic auth.
type ICSClient struct {
	endpoint   string
	username   string
	secret     string
	httpClient *http.Client
	newUID     func() string
	now        func() time.Time
}

type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("http %d", e.StatusCode)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

func NewICSClient(cfg Config) *ICSClient {
	return &ICSClient{
		endpoint:   strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/"),
		username:   strings.TrimSpace(cfg.Username),
		secret:     cfg.Secret,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		newUID:     uuid.NewString,
		now:        time.Now,
	}
}

func (c *ICSClient) Create(ctx context.Context, fields Fields) (string, error) {
	uid := c.newUID()
	if err := c.put(ctx, uid, fields); err != nil {
		return "", err
	}
	return uid, nil
}

func (c *ICSClient) Update(ctx context.Context, uid string, fields Fields) error {
	// A PUT would silently recreate a vanished object; probe first so the
	// caller can observe ErrNotFound and decide.
	if _, err := c.FindByUID(ctx, uid); err != nil {
		return err
	}
	return c.put(ctx, uid, fields)
}

func (c *ICSClient) Delete(ctx context.Context, uid string) error {
	resp, err := c.do(ctx, http.MethodDelete, uid, nil)
	if err != nil {
		return err
	}
	defer drainBody(resp)
	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &HTTPError{StatusCode: resp.StatusCode, Message: "delete failed"}
	}
	return nil
}

func (c *ICSClient) FindByUID(ctx context.Context, uid string) (Fields, error) {
	resp, err := c.do(ctx, http.MethodGet, uid, nil)
	if err != nil {
		return Fields{}, err
	}
	defer drainBody(resp)
	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		return Fields{}, ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Fields{}, &HTTPError{StatusCode: resp.StatusCode, Message: "fetch failed"}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Fields{}, err
	}
	return DecodeEvent(body)
}

func (c *ICSClient) put(ctx context.Context, uid string, fields Fields) error {
	payload := EncodeEvent(uid, fields, c.now().UTC())
	resp, err := c.do(ctx, http.MethodPut, uid, strings.NewReader(payload))
	if err != nil {
		return err
	}
	defer drainBody(resp)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &HTTPError{StatusCode: resp.StatusCode, Message: "put failed"}
	}
	return nil
}

func (c *ICSClient) do(ctx context.Context, method, uid string, body io.Reader) (*http.Response, error) {
	target := c.endpoint + "/" + url.PathEscape(uid) + ".ics"
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	if c.username != "" {
		req.SetBasicAuth(c.username, c.secret)
	}
	if body != nil {
		req.Header.Set("Content-Type", "text/calendar; charset=utf-8")
	}
	return c.httpClient.Do(req)
}

func drainBody(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}

// EncodeEvent renders fields as a single-VEVENT iCalendar payload.
func EncodeEvent(uid string, fields Fields, stamp time.Time) string {
	cal := ical.NewCalendar()
	cal.SetProductId("-//cal-sync//calendar mirror//EN")
	cal.SetMethod(ical.MethodPublish)
	event := cal.AddEvent(uid)
	event.SetDtStampTime(stamp)
	event.SetStartAt(fields.Start)
	event.SetEndAt(fields.End)
	event.SetSummary(fields.Title)
	if fields.Description != "" {
		event.SetDescription(fields.Description)
	}
	return cal.Serialize()
}

// DecodeEvent extracts the first VEVENT from an iCalendar payload.
func DecodeEvent(payload []byte) (Fields, error) {
	cal, err := ical.ParseCalendar(bytes.NewReader(payload))
	if err != nil {
		return Fields{}, err
	}
	events := cal.Events()
	if len(events) == 0 {
		return Fields{}, errors.New("payload contains no events")
	}
	event := events[0]
	var out Fields
	if p := event.GetProperty(ical.ComponentPropertySummary); p != nil {
		out.Title = p.Value
	}
	if p := event.GetProperty(ical.ComponentPropertyDescription); p != nil {
		out.Description = p.Value
	}
	start, err := event.GetStartAt()
	if err != nil {
		return Fields{}, fmt.Errorf("bad DTSTART: %w", err)
	}
	end, err := event.GetEndAt()
	if err != nil {
		return Fields{}, fmt.Errorf("bad DTEND: %w", err)
	}
	out.Start = start
	out.End = end
	return out, nil
}
