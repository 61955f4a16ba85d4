package watch

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/convoy/internal/api"
	"github.com/mattjoyce/convoy/internal/events"
	"github.com/mattjoyce/convoy/internal/lock"
)

type eventMsg events.Event

type healthMsg api.HealthzResponse

type locksMsg []lock.Record

type tickMsg time.Time

// errMsg reports a failed poll; retry repeats it.
type errMsg struct {
	err   error
	retry func() tea.Msg
}

func (e errMsg) Error() string { return e.err.Error() }

type sseDisconnectedMsg struct{}

type reconnectMsg struct{}

// Client talks to the status API of a running `convoy serve`.
type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

func (c Client) get(path string, timeout time.Duration) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodGet, strings.TrimRight(c.BaseURL, "/")+path, nil)
	if err != nil {
		return nil, err
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	hc := c.HTTP
	if hc == nil {
		hc = &http.Client{Timeout: timeout}
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("GET %s: %s", path, resp.Status)
	}
	return resp, nil
}

func (c Client) getJSON(path string, out any) error {
	resp, err := c.get(path, 2*time.Second)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// fetchHealth queries /healthz.
func (c Client) fetchHealth() tea.Msg {
	var h api.HealthzResponse
	if err := c.getJSON("/healthz", &h); err != nil {
		return errMsg{err: err, retry: c.fetchHealth}
	}
	return healthMsg(h)
}

// fetchLocks queries /locks for ACTIVE records.
func (c Client) fetchLocks() tea.Msg {
	var resp api.LocksResponse
	if err := c.getJSON("/locks?status="+string(lock.StatusActive), &resp); err != nil {
		return errMsg{err: err, retry: c.fetchLocks}
	}
	return locksMsg(resp.Locks)
}

// subscribe streams /events into ch, resuming after lastSeq. It returns
// sseDisconnectedMsg when the connection drops.
func (c Client) subscribe(lastSeq int64, ch chan<- events.Event) tea.Cmd {
	return func() tea.Msg {
		req, err := http.NewRequest(http.MethodGet, strings.TrimRight(c.BaseURL, "/")+"/events", nil)
		if err != nil {
			return errMsg{err: err}
		}
		if c.Token != "" {
			req.Header.Set("Authorization", "Bearer "+c.Token)
		}
		if lastSeq > 0 {
			req.Header.Set("Last-Event-ID", strconv.FormatInt(lastSeq, 10))
		}
		hc := c.HTTP
		if hc == nil {
			hc = &http.Client{}
		}
		resp, err := hc.Do(req)
		if err != nil {
			return sseDisconnectedMsg{}
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return sseDisconnectedMsg{}
		}
		_ = readSSE(resp.Body, ch)
		return sseDisconnectedMsg{}
	}
}

// readSSE parses a text/event-stream body and sends each complete event to
// ch. Comment lines (keep-alives) are ignored.
func readSSE(r io.Reader, ch chan<- events.Event) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var cur events.Event
	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data.Len() > 0 {
				cur.Data = json.RawMessage(data.String())
				cur.At = eventTime(cur.Data)
				ch <- cur
			}
			cur = events.Event{}
			data.Reset()
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "id: "):
			if id, err := strconv.ParseInt(line[4:], 10, 64); err == nil {
				cur.Seq = id
			}
		case strings.HasPrefix(line, "event: "):
			cur.Kind = line[7:]
		case strings.HasPrefix(line, "data: "):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(line[6:])
		}
	}
	return scanner.Err()
}

// eventTime uses the payload's "at" field when present.
func eventTime(data json.RawMessage) time.Time {
	var payload struct {
		At time.Time `json:"at"`
	}
	if err := json.Unmarshal(data, &payload); err == nil && !payload.At.IsZero() {
		return payload.At
	}
	return time.Now()
}

// receiveNextEvent waits for the next event from the channel.
func receiveNextEvent(ch <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		return eventMsg(<-ch)
	}
}
