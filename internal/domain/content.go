package domain

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"
)

// aiSessionPrefix marks a comment whose body is a serialized assistant transcript.
const aiSessionPrefix = "[AI_SESSION]"

type ContentKind string

const (
	ContentText         ContentKind = "text"
	ContentAITranscript ContentKind = "ai_transcript"
)

type ChatMessage struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
}

// Content is the body of a comment: either plain text or an assistant transcript.
// It is stored as a single string so older clients keep reading it.
type Content struct {
	Kind       ContentKind
	Text       string
	Transcript []ChatMessage
}

func PlainText(s string) Content {
	return Content{Kind: ContentText, Text: s}
}

func AITranscript(msgs []ChatMessage) Content {
	return Content{Kind: ContentAITranscript, Transcript: slices.Clone(msgs)}
}

func (c Content) IsTranscript() bool { return c.Kind == ContentAITranscript }

func (c Content) Clone() Content {
	c.Transcript = slices.Clone(c.Transcript)
	return c
}

type transcriptEnvelope struct {
	Messages []ChatMessage `json:"messages"`
}

// Encode returns the stored string form.
func (c Content) Encode() (string, error) {
	if !c.IsTranscript() {
		return c.Text, nil
	}
	msgs := c.Transcript
	if msgs == nil {
		msgs = []ChatMessage{}
	}
	b, err := json.Marshal(transcriptEnvelope{Messages: msgs})
	if err != nil {
		return "", fmt.Errorf("encode transcript: %w", err)
	}
	return aiSessionPrefix + string(b), nil
}

// String renders a human readable form; transcripts are summarized.
func (c Content) String() string {
	if !c.IsTranscript() {
		return c.Text
	}
	return fmt.Sprintf("assistant session (%d messages)", len(c.Transcript))
}

// ParseContent decodes the stored string form. A malformed transcript payload
// is kept as plain text rather than dropped.
func ParseContent(s string) Content {
	rest, ok := strings.CutPrefix(s, aiSessionPrefix)
	if !ok {
		return PlainText(s)
	}
	var env transcriptEnvelope
	if err := json.Unmarshal([]byte(rest), &env); err != nil {
		return PlainText(s)
	}
	return AITranscript(env.Messages)
}

func (c Content) MarshalJSON() ([]byte, error) {
	s, err := c.Encode()
	if err != nil {
		return nil, err
	}
	return json.Marshal(s)
}

func (c *Content) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("comment content: %w", err)
	}
	*c = ParseContent(s)
	return nil
}

func (c Content) MarshalBSONValue() (bsontype.Type, []byte, error) {
	s, err := c.Encode()
	if err != nil {
		return 0, nil, err
	}
	return bson.MarshalValue(s)
}

func (c *Content) UnmarshalBSONValue(t bsontype.Type, data []byte) error {
	s, ok := bson.RawValue{Type: t, Value: data}.StringValueOK()
	if !ok {
		return fmt.Errorf("comment content: expected string, got %s", t)
	}
	*c = ParseContent(s)
	return nil
}
