// Package api is the REST side of the chat backend used by the client.
package api

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"jobchat/models"
)

const maxBodyBytes = 8 << 20

// Client calls the backend REST endpoints.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Log     log.FieldLogger
}

// NewClient returns a Client for baseURL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: timeout},
		Log:     log.WithField("component", "api"),
	}
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return "server returned " + http.StatusText(e.StatusCode) + ": " + e.Message
}

// MessagesPath is the history route for a job.
func MessagesPath(jobID string) string {
	return "/api/jobs/" + url.PathEscape(jobID) + "/messages"
}

// FetchHistory returns every message of jobID. The body may be a bare array
// or an object wrapping it under "messages" or "data".
func (c *Client) FetchHistory(ctx context.Context, jobID, credential string) ([]models.ChatMessage, error) {
	if credential == "" {
		return nil, errors.New("no session credential")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+MessagesPath(jobID), nil)
	if err != nil {
		return nil, errors.Wrap(err, "building history request")
	}
	req.Header.Set("Authorization", "Bearer "+credential)
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "fetching history for job %s", jobID)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, errors.Wrap(err, "reading history response")
	}
	if resp.StatusCode/100 != 2 {
		return nil, &StatusError{
			StatusCode: resp.StatusCode,
			Message:    models.ErrorMessage(body, strings.TrimSpace(string(body))),
		}
	}

	list := gjson.ParseBytes(body)
	if list.IsObject() {
		for _, key := range []string{"messages", "data"} {
			if v := list.Get(key); v.IsArray() {
				list = v
				break
			}
		}
	}
	if !list.IsArray() {
		return nil, errors.Errorf("history response for job %s is not a message list", jobID)
	}
	msgs, err := models.ParseMessages([]byte(list.Raw))
	if err != nil {
		return nil, err
	}
	if c.Log != nil {
		c.Log.WithFields(log.Fields{"job": jobID, "count": len(msgs)}).Debug("fetched message history")
	}
	return msgs, nil
}
