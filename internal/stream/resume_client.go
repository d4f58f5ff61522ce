package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"chatsync/internal/chat"
	"chatsync/internal/relay"

	"github.com/coder/websocket"
)

// StatusStreamNotFound is the close code the relay server uses when the run
// it was following disappeared.
const StatusStreamNotFound websocket.StatusCode = 4404

// ResumeClient 通过 websocket 重新接入服务端缓存的运行
// ResumeClient reattaches to a relayed run over websocket
type ResumeClient struct {
	baseURL string
}

// NewResumeClient targets the relay server at serverURL (http or ws scheme).
func NewResumeClient(serverURL string) *ResumeClient {
	return &ResumeClient{baseURL: strings.TrimRight(strings.TrimSpace(serverURL), "/")}
}

// StreamURL returns the websocket endpoint for chatID.
func (c *ResumeClient) StreamURL(chatID string) (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/chats/" + url.PathEscape(chatID) + "/stream"
	return u.String(), nil
}

// Dial opens the stream of chatID. A 404 from the server maps to
// chat.ErrStreamNotFound.
func (c *ResumeClient) Dial(ctx context.Context, chatID string) (FrameSource, error) {
	target, err := c.StreamURL(chatID)
	if err != nil {
		return nil, err
	}
	conn, resp, err := websocket.Dial(ctx, target, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil, chat.ErrStreamNotFound
		}
		return nil, fmt.Errorf("%w: dial relay: %v", chat.ErrNetwork, err)
	}
	return &wsSource{conn: conn}, nil
}

type wsSource struct {
	conn *websocket.Conn
}

func (s *wsSource) Next(ctx context.Context) (relay.Frame, error) {
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure:
				return relay.Frame{}, io.EOF
			case StatusStreamNotFound:
				return relay.Frame{}, chat.ErrStreamNotFound
			}
			if errors.Is(err, context.Canceled) {
				return relay.Frame{}, err
			}
			return relay.Frame{}, fmt.Errorf("%w: read relay: %v", chat.ErrNetwork, err)
		}
		var f relay.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		return f, nil
	}
}

func (s *wsSource) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "client closing")
}
