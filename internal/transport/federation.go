package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
)

// Federation wire payloads for the endpoints the core consumes.

// Transaction is the body of PUT /_matrix/federation/v1/send/{txnID}.
type Transaction struct {
	Origin         string            `json:"origin"`
	OriginServerTS int64             `json:"origin_server_ts"`
	PDUs           []json.RawMessage `json:"pdus"`
	EDUs           []json.RawMessage `json:"edus,omitempty"`
}

// TransactionResponse maps each sent PDU's event id to its processing
// outcome; an empty object means success.
type TransactionResponse struct {
	PDUs map[string]PDUResult `json:"pdus"`
}

// PDUResult reports one PDU's outcome inside a transaction response.
type PDUResult struct {
	Error string `json:"error,omitempty"`
}

// StateIDsResponse is the body of GET /state_ids/{roomID}.
type StateIDsResponse struct {
	StateEventIDs []string `json:"pdu_ids"`
	AuthChainIDs  []string `json:"auth_chain_ids"`
}

// StateResponse is the body of GET /state/{roomID}: full PDUs rather than
// ids.
type StateResponse struct {
	StateEvents []json.RawMessage `json:"pdus"`
	AuthChain   []json.RawMessage `json:"auth_chain"`
}

// EventResponse is the body of GET /event/{eventID}.
type EventResponse struct {
	Origin         string            `json:"origin"`
	OriginServerTS int64             `json:"origin_server_ts"`
	PDUs           []json.RawMessage `json:"pdus"`
}

// EventAuthResponse is the body of GET /event_auth/{roomID}/{eventID}.
type EventAuthResponse struct {
	AuthChain []json.RawMessage `json:"auth_chain"`
}

// MissingEventsRequest is the body of POST /get_missing_events/{roomID}.
type MissingEventsRequest struct {
	EarliestEvents []string `json:"earliest_events"`
	LatestEvents   []string `json:"latest_events"`
	Limit          int      `json:"limit"`
	MinDepth       int64    `json:"min_depth"`
}

// MissingEventsResponse is the body returned by get_missing_events.
type MissingEventsResponse struct {
	Events []json.RawMessage `json:"events"`
}

// SendTransaction delivers a transaction to a remote server.
func (c *Client) SendTransaction(ctx context.Context, destination, txnID string, txn Transaction) (*TransactionResponse, error) {
	var resp TransactionResponse
	path := "/_matrix/federation/v1/send/" + url.PathEscape(txnID)
	if err := c.Do(ctx, "PUT", destination, path, txn, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetEvent fetches a single PDU by id.
func (c *Client) GetEvent(ctx context.Context, destination, eventID string) (json.RawMessage, error) {
	var resp EventResponse
	path := "/_matrix/federation/v1/event/" + url.PathEscape(eventID)
	if err := c.Do(ctx, "GET", destination, path, nil, &resp); err != nil {
		return nil, err
	}
	if len(resp.PDUs) == 0 {
		return nil, fmt.Errorf("event response from %s contained no PDUs", destination)
	}
	return resp.PDUs[0], nil
}

// GetEventAuth fetches the auth chain for an event.
func (c *Client) GetEventAuth(ctx context.Context, destination, roomID, eventID string) (*EventAuthResponse, error) {
	var resp EventAuthResponse
	path := fmt.Sprintf("/_matrix/federation/v1/event_auth/%s/%s",
		url.PathEscape(roomID), url.PathEscape(eventID))
	if err := c.Do(ctx, "GET", destination, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetStateIDs fetches the state snapshot at an event as id lists.
func (c *Client) GetStateIDs(ctx context.Context, destination, roomID, eventID string) (*StateIDsResponse, error) {
	var resp StateIDsResponse
	path := fmt.Sprintf("/_matrix/federation/v1/state_ids/%s?event_id=%s",
		url.PathEscape(roomID), url.QueryEscape(eventID))
	if err := c.Do(ctx, "GET", destination, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetState fetches the state snapshot at an event as full PDUs.
func (c *Client) GetState(ctx context.Context, destination, roomID, eventID string) (*StateResponse, error) {
	var resp StateResponse
	path := fmt.Sprintf("/_matrix/federation/v1/state/%s?event_id=%s",
		url.PathEscape(roomID), url.QueryEscape(eventID))
	if err := c.Do(ctx, "GET", destination, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetMissingEvents backfills prev-events between known and wanted frontier.
func (c *Client) GetMissingEvents(ctx context.Context, destination, roomID string, req MissingEventsRequest) (*MissingEventsResponse, error) {
	var resp MissingEventsResponse
	path := "/_matrix/federation/v1/get_missing_events/" + url.PathEscape(roomID)
	if err := c.Do(ctx, "POST", destination, path, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
