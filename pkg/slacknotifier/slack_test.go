// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package slacknotifier

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestNotifier_DisabledWithoutWebhook(t *testing.T) {
	notifier := New("")
	if notifier.IsEnabled() {
		t.Error("IsEnabled() = true with empty webhook URL, want false")
	}

	// Disabled notifier swallows sends without error.
	if err := notifier.SendMessage(context.Background(), "hello"); err != nil {
		t.Errorf("SendMessage() on disabled notifier error = %v, want nil", err)
	}
	if err := notifier.SendAlert(context.Background(), "warning", "t", "m"); err != nil {
		t.Errorf("SendAlert() on disabled notifier error = %v, want nil", err)
	}
}

func TestNotifier_UpdateWebhookURL(t *testing.T) {
	notifier := New("")
	notifier.UpdateWebhookURL("https://hooks.slack.com/services/x")
	if !notifier.IsEnabled() {
		t.Error("IsEnabled() = false after UpdateWebhookURL, want true")
	}
	notifier.UpdateWebhookURL("")
	if notifier.IsEnabled() {
		t.Error("IsEnabled() = true after clearing webhook URL, want false")
	}
}

func TestSendAlert_PayloadShape(t *testing.T) {
	var received Message
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &received); err != nil {
			t.Errorf("failed to decode payload: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	notifier := New(server.URL)
	err := notifier.SendAlert(context.Background(), "danger", "Metering API Failure", "home: connection reset")
	if err != nil {
		t.Fatalf("SendAlert() error = %v", err)
	}

	if len(received.Attachments) != 1 {
		t.Fatalf("attachments = %d, want 1", len(received.Attachments))
	}
	att := received.Attachments[0]
	if att.Color != "danger" {
		t.Errorf("color = %q, want \"danger\"", att.Color)
	}
	if att.Title != "Metering API Failure" {
		t.Errorf("title = %q", att.Title)
	}
	if att.Footer != "Vue Energy Logger" {
		t.Errorf("footer = %q, want \"Vue Energy Logger\"", att.Footer)
	}
}

func TestSendAlert_WebhookFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	notifier := New(server.URL)
	if err := notifier.SendAlert(context.Background(), "warning", "t", "m"); err == nil {
		t.Error("SendAlert() = nil, want error on non-200 webhook response")
	}
}

func TestSeverityToColor(t *testing.T) {
	tests := []struct {
		severity string
		want     string
	}{
		{"danger", "danger"},
		{"error", "danger"},
		{"warning", "warning"},
		{"warn", "warning"},
		{"good", "good"},
		{"success", "good"},
		{"whatever", "#808080"},
	}
	for _, tt := range tests {
		if got := severityToColor(tt.severity); got != tt.want {
			t.Errorf("severityToColor(%q) = %q, want %q", tt.severity, got, tt.want)
		}
	}
}

func TestAdapter_GapAccepted(t *testing.T) {
	var received Message
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &received)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	adapter := NewAdapter(New(server.URL))
	if !adapter.IsEnabled() {
		t.Fatal("IsEnabled() = false, want true")
	}

	start := time.Date(2025, 6, 1, 11, 58, 40, 0, time.UTC)
	err := adapter.GapAccepted(context.Background(), "home", start, start.Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("GapAccepted() error = %v", err)
	}

	if len(received.Attachments) != 1 {
		t.Fatalf("attachments = %d, want 1", len(received.Attachments))
	}
	if received.Attachments[0].Color != "warning" {
		t.Errorf("color = %q, want \"warning\"", received.Attachments[0].Color)
	}
}
