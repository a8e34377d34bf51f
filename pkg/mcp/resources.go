package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/seekerlab/seeker/pkg/services"
)

// Resource URI scheme. Reports are addressable as seeker://reports/{id};
// the server status snapshot as seeker://status.
const (
	resourceScheme       = "seeker://"
	reportResourcePrefix = resourceScheme + "reports/"
	statusResourceURI    = resourceScheme + "status"
)

// ReportResourceURI renders the resource URI for a report id. Job event
// publishers use it for notifications/resources/updated.
func ReportResourceURI(id int64) string {
	return reportResourcePrefix + strconv.FormatInt(id, 10)
}

// handleResourcesList serves the status resource plus the most recent
// reports.
func (d *Dispatcher) handleResourcesList(ctx context.Context, req *Request) *Response {
	resources := []Resource{
		{
			URI:         statusResourceURI,
			Name:        "Server status",
			Description: "Live queue, worker pool, and health snapshot",
			MimeType:    "application/json",
		},
	}

	reports, err := d.deps.Reports.ListRecent(ctx, 50)
	if err != nil {
		d.logger.Warn("Listing reports for resources/list failed", "error", err)
	}
	for _, r := range reports {
		resources = append(resources, Resource{
			URI:      ReportResourceURI(r.ID),
			Name:     r.Query,
			MimeType: "text/markdown",
		})
	}

	return NewResponse(req.ID, map[string]any{"resources": resources})
}

// handleResourcesRead resolves one resource URI to its contents.
func (d *Dispatcher) handleResourcesRead(ctx context.Context, req *Request) *Response {
	uri, resp := resourceURIParam(req)
	if resp != nil {
		return resp
	}

	switch {
	case uri == statusResourceURI:
		result := handleGetServerStatus(ctx, d, &Caller{}, nil)
		text, _ := json.Marshal(result.StructuredContent)
		return NewResponse(req.ID, map[string]any{
			"contents": []ResourceContents{{URI: uri, MimeType: "application/json", Text: string(text)}},
		})

	case strings.HasPrefix(uri, reportResourcePrefix):
		id, err := strconv.ParseInt(strings.TrimPrefix(uri, reportResourcePrefix), 10, 64)
		if err != nil {
			return NewErrorResponse(req.ID, CodeInvalidParams, fmt.Sprintf("malformed report resource uri %q", uri), nil)
		}
		report, err := d.deps.Reports.Get(ctx, id)
		if err != nil {
			if errors.Is(err, services.ErrNotFound) {
				return NewErrorResponse(req.ID, CodeInvalidParams, fmt.Sprintf("resource not found: %s", uri), nil)
			}
			return NewErrorResponse(req.ID, CodeInternalError, "failed to read resource", nil)
		}
		return NewResponse(req.ID, map[string]any{
			"contents": []ResourceContents{{URI: uri, MimeType: "text/markdown", Text: report.Content}},
		})

	default:
		return NewErrorResponse(req.ID, CodeInvalidParams, fmt.Sprintf("resource not found: %s", uri), nil)
	}
}

// handleResourcesSubscribe records or removes a session's interest in a
// resource. Requires an established session.
func (d *Dispatcher) handleResourcesSubscribe(ctx context.Context, caller *Caller, req *Request, subscribe bool) *Response {
	uri, resp := resourceURIParam(req)
	if resp != nil {
		return resp
	}
	if caller.SessionID == "" {
		return NewErrorResponse(req.ID, CodeInvalidRequest, "resource subscriptions require an initialized session", nil)
	}

	var err error
	if subscribe {
		err = d.deps.Sessions.Subscribe(ctx, caller.SessionID, uri)
	} else {
		err = d.deps.Sessions.Unsubscribe(ctx, caller.SessionID, uri)
	}
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			return NewErrorResponse(req.ID, CodeInvalidRequest, "unknown session", nil)
		}
		return NewErrorResponse(req.ID, CodeInternalError, "failed to update subscription", nil)
	}
	return NewResponse(req.ID, map[string]any{})
}

func resourceURIParam(req *Request) (string, *Response) {
	var params struct {
		URI string `json:"uri"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.URI == "" {
		return "", NewErrorResponse(req.ID, CodeInvalidParams, "a resource uri is required", nil)
	}
	return params.URI, nil
}
