package ai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tasksetu/internal/domain"
)

const (
	defaultLiveURL   = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1alpha.GenerativeService.BidiGenerateContent"
	defaultLiveModel = "models/gemini-2.0-flash-exp"
	inputAudioMIME   = "audio/pcm;rate=16000"
)

type LiveConfig struct {
	URL    string
	APIKey string
	Model  string
	Dialer *websocket.Dialer
}

// Frame is one decoded server message.
type Frame struct {
	// Audio is 24 kHz 16-bit mono PCM.
	Audio        []byte
	Text         string
	TurnComplete bool
}

// LiveSession is a bidirectional voice conversation.
type LiveSession struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

type liveTask struct {
	ID       string            `json:"id"`
	Title    string            `json:"title"`
	Status   domain.TaskStatus `json:"status"`
	Priority domain.Priority   `json:"priority"`
	TeamID   string            `json:"teamId"`
	Assignee string            `json:"assignee"`
	DueDate  domain.Date       `json:"dueDate"`
}

type liveSetup struct {
	Setup struct {
		Model            string `json:"model"`
		GenerationConfig struct {
			ResponseModalities []string `json:"responseModalities"`
		} `json:"generationConfig"`
		SystemInstruction content `json:"systemInstruction"`
	} `json:"setup"`
}

type liveInput struct {
	RealtimeInput struct {
		MediaChunks []InlineData `json:"mediaChunks"`
	} `json:"realtimeInput"`
}

type liveServerMessage struct {
	ServerContent *struct {
		ModelTurn *struct {
			Parts []Part `json:"parts"`
		} `json:"modelTurn"`
		TurnComplete bool `json:"turnComplete"`
	} `json:"serverContent"`
}

// LivePrompt builds the system prompt from a task snapshot.
func LivePrompt(tasks []domain.Task, userName string) (string, error) {
	snapshot := make([]liveTask, 0, len(tasks))
	for _, t := range tasks {
		snapshot = append(snapshot, liveTask{
			ID: t.ID, Title: t.Title, Status: t.Status, Priority: t.Priority,
			TeamID: t.TeamID, Assignee: t.AssigneeID, DueDate: t.DueDate,
		})
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return "", err
	}
	if userName == "" {
		userName = "the user"
	}
	return fmt.Sprintf(`You are Saathi, an intelligent AI task assistant for the app 'TaskSetu'.
You have access to the user's tasks across all their teams.
Here is the current Task Database: %s.
User Name: %s.
Instructions:
1. Answer queries about tasks efficiently.
2. Be friendly, professional, and concise.
3. If asked to 'create' or 'update' a task, explain that you can only read tasks in voice mode and guide them.
4. Use the specific Team IDs to differentiate context if needed. personal_ prefix implies Personal Workspace.
`, data, userName), nil
}

// DialLive opens the socket and sends the setup handshake.
func DialLive(ctx context.Context, cfg LiveConfig, tasks []domain.Task, userName string) (*LiveSession, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("%w: api key not configured", ErrUnavailable)
	}
	endpoint := cfg.URL
	if endpoint == "" {
		endpoint = defaultLiveURL
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("live url: %w", err)
	}
	q := u.Query()
	q.Set("key", cfg.APIKey)
	u.RawQuery = q.Encode()

	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial live session: %v", ErrUnavailable, err)
	}

	prompt, err := LivePrompt(tasks, userName)
	if err != nil {
		conn.Close()
		return nil, err
	}
	var setup liveSetup
	setup.Setup.Model = cfg.Model
	if setup.Setup.Model == "" {
		setup.Setup.Model = defaultLiveModel
	}
	setup.Setup.GenerationConfig.ResponseModalities = []string{"AUDIO"}
	setup.Setup.SystemInstruction = content{Parts: []Part{{Text: prompt}}}

	s := &LiveSession{conn: conn}
	if err := s.writeJSON(setup); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send live setup: %w", err)
	}
	return s, nil
}

func (s *LiveSession) writeJSON(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(v)
}

// SendAudio streams a chunk of 16 kHz 16-bit mono PCM.
func (s *LiveSession) SendAudio(pcm []byte) error {
	var msg liveInput
	msg.RealtimeInput.MediaChunks = []InlineData{{MimeType: inputAudioMIME, Data: base64.StdEncoding.EncodeToString(pcm)}}
	if err := s.writeJSON(msg); err != nil {
		return classifyClose(err)
	}
	return nil
}

// Receive blocks for the next server message. It returns io.EOF on a normal
// close and ErrUnavailable when the server closes for quota reasons.
func (s *LiveSession) Receive(ctx context.Context) (Frame, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = s.conn.SetReadDeadline(deadline)
	} else {
		_ = s.conn.SetReadDeadline(time.Time{})
	}
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return Frame{}, classifyClose(err)
		}
		var msg liveServerMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return Frame{}, fmt.Errorf("decode live message: %w", err)
		}
		if msg.ServerContent == nil {
			// setupComplete and other control messages.
			continue
		}
		var f Frame
		f.TurnComplete = msg.ServerContent.TurnComplete
		if turn := msg.ServerContent.ModelTurn; turn != nil {
			for _, p := range turn.Parts {
				if p.InlineData != nil && strings.HasPrefix(p.InlineData.MimeType, "audio/pcm") {
					pcm, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
					if err != nil {
						return Frame{}, fmt.Errorf("decode live audio: %w", err)
					}
					f.Audio = append(f.Audio, pcm...)
				}
				f.Text += p.Text
			}
		}
		return f, nil
	}
}

func (s *LiveSession) Close() error {
	s.writeMu.Lock()
	_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	s.writeMu.Unlock()
	return s.conn.Close()
}

func classifyClose(err error) error {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		reason := strings.ToLower(ce.Text)
		if ce.Code == websocket.CloseInternalServerErr && (strings.Contains(reason, "quota") || strings.Contains(reason, "resource exhausted")) {
			return fmt.Errorf("%w: %s", ErrUnavailable, ce.Text)
		}
		if ce.Code == websocket.CloseNormalClosure || ce.Code == websocket.CloseGoingAway {
			return io.EOF
		}
	}
	return err
}
