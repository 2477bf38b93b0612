package intercept

import (
	"context"
	"encoding/base64"
	"log/slog"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// Attach subscribes to the page's Network domain and publishes Wordstat
// events to q. It must be called before the first navigation. The returned
// function stops the subscription.
func Attach(page *rod.Page, q *Queue, logger *slog.Logger) (stop func(), err error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := (proto.NetworkEnable{}).Call(page); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := page.Context(ctx)

	type pending struct {
		url    string
		status int
		query  string
	}
	queries := make(map[proto.NetworkRequestID]string)
	matched := make(map[proto.NetworkRequestID]pending)

	wait := p.EachEvent(
		func(e *proto.NetworkRequestWillBeSent) {
			if e.Request == nil || !strings.Contains(e.Request.URL, PathSegment) {
				return
			}
			if s, ok := ParseSearchValue(e.Request.PostData); ok {
				queries[e.RequestID] = s
				return
			}
			if s, ok := ParseSearchValue(e.Request.URL); ok {
				queries[e.RequestID] = s
				return
			}
			queries[e.RequestID] = ""
		},
		func(e *proto.NetworkResponseReceived) {
			if e.Response == nil {
				return
			}
			r := e.Response
			if IsRateLimit(r.URL, r.Status) {
				delete(queries, e.RequestID)
				q.Push(Event{RateLimited: true, Status: r.Status, URL: r.URL, At: time.Now()})
				logger.Debug("intercept: rate limit signal", "status", r.Status, "url", r.URL)
				return
			}
			if !Match(r.URL, r.Status, r.MIMEType) {
				return
			}
			matched[e.RequestID] = pending{url: r.URL, status: r.Status, query: queries[e.RequestID]}
			delete(queries, e.RequestID)
		},
		func(e *proto.NetworkLoadingFinished) {
			m, ok := matched[e.RequestID]
			if !ok {
				return
			}
			delete(matched, e.RequestID)
			go publish(p, e.RequestID, m.url, m.status, m.query, q, logger)
		},
		func(e *proto.NetworkLoadingFailed) {
			delete(queries, e.RequestID)
			delete(matched, e.RequestID)
		},
	)
	go wait()

	return cancel, nil
}

// publish runs outside the event loop: CDP calls from inside an EachEvent
// handler would block the loop that delivers their replies.
func publish(p *rod.Page, id proto.NetworkRequestID, url string, status int, query string, q *Queue, logger *slog.Logger) {
	if query == "" {
		if res, err := (proto.NetworkGetRequestPostData{RequestID: id}).Call(p); err == nil {
			query, _ = ParseSearchValue(res.PostData)
		}
	}
	if query == "" {
		logger.Debug("intercept: response without searchValue dropped", "url", url)
		return
	}
	res, err := (proto.NetworkGetResponseBody{RequestID: id}).Call(p)
	if err != nil {
		logger.Debug("intercept: body unavailable", "url", url, "error", err)
		return
	}
	body := []byte(res.Body)
	if res.Base64Encoded {
		body, err = base64.StdEncoding.DecodeString(res.Body)
		if err != nil {
			return
		}
	}
	total, ok := ParseTotal(body)
	if !ok {
		logger.Debug("intercept: no totalValue", "url", url)
		return
	}
	q.Push(Event{Query: query, Total: total, Status: status, URL: url, At: time.Now()})
}
