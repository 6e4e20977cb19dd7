package main

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func Test_webhook(t *testing.T) {
	wh := &GithubWebhookHandler{
		remote: "https://github.com/org/index.git",
		branch: "master",
		secret: "a1b2c3d4e5",
		log:    slog.Default(),
	}

	body := []byte(`{"foo":"bar", "action": "foo"}`)
	signature := wh.computeHMAC(body, wh.secret)

	t.Run("validate signature", func(t *testing.T) {

		if !wh.isValidSignature(body, signature) {
			t.Errorf("isValidSignature() expected true")
		}

		invalidSig := wh.computeHMAC(body, "invalid-secret")

		if wh.isValidSignature(body, invalidSig) {
			t.Errorf("isValidSignature() expected false")
		}

		if wh.isValidSignature([]byte{}, "") {
			t.Errorf("isValidSignature() expected false for emtpy signature")
		}
	})

	t.Run("invalid method", func(t *testing.T) {
		server := httptest.NewServer(http.Handler(wh))
		defer server.Close()

		req, err := http.NewRequest("GET", server.URL, strings.NewReader(string(body)))
		if err != nil {
			t.Fatalf("Failed to make a request: %v", err)
		}
		req.Header.Set("X-Hub-Signature-256", signature)

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("Failed to send request: %v", err)
		}

		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("Expected status %v, got %v", http.StatusBadRequest, resp.StatusCode)
		}
	})

	t.Run("ping event", func(t *testing.T) {
		server := httptest.NewServer(http.Handler(wh))
		defer server.Close()

		req, err := http.NewRequest("POST", server.URL, strings.NewReader(string(body)))
		if err != nil {
			t.Fatalf("Failed to make a request: %v", err)
		}
		req.Header.Set("X-Hub-Signature-256", signature)
		req.Header.Set("X-GitHub-Event", "ping")

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("Failed to send request: %v", err)
		}
		if resp.StatusCode != http.StatusOK {
			t.Errorf("Expected status %v, got %v", http.StatusOK, resp.StatusCode)
		}

		reply, _ := io.ReadAll(resp.Body)
		if string(reply) != "pong" {
			t.Errorf("Expected pong for ping event")
		}
	})
}

func Test_webhook_push(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		wantTrigger bool
	}{
		{
			name:        "mirrored-branch",
			body:        `{"ref":"refs/heads/master","after":"abc","repository":{"html_url":"https://github.com/org/index","clone_url":"https://github.com/org/index.git"}}`,
			wantTrigger: true,
		},
		{
			name:        "ssh-url",
			body:        `{"ref":"refs/heads/master","repository":{"ssh_url":"git@github.com:org/index.git"}}`,
			wantTrigger: true,
		},
		{
			name:        "other-branch",
			body:        `{"ref":"refs/heads/feature","repository":{"clone_url":"https://github.com/org/index.git"}}`,
			wantTrigger: false,
		},
		{
			name:        "other-repo",
			body:        `{"ref":"refs/heads/master","repository":{"clone_url":"https://github.com/org/other.git"}}`,
			wantTrigger: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			trigger := make(chan struct{}, 1)
			wh := &GithubWebhookHandler{
				remote:  "https://github.com/org/index.git",
				branch:  "master",
				secret:  "a1b2c3d4e5",
				trigger: trigger,
				log:     slog.Default(),
			}

			server := httptest.NewServer(http.Handler(wh))
			defer server.Close()

			body := []byte(tt.body)
			req, err := http.NewRequest("POST", server.URL, strings.NewReader(tt.body))
			if err != nil {
				t.Fatalf("Failed to make a request: %v", err)
			}
			req.Header.Set("X-Hub-Signature-256", wh.computeHMAC(body, wh.secret))
			req.Header.Set("X-GitHub-Event", "push")

			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("Failed to send request: %v", err)
			}
			if resp.StatusCode != http.StatusOK {
				t.Errorf("Expected status %v, got %v", http.StatusOK, resp.StatusCode)
			}

			if got := len(trigger) == 1; got != tt.wantTrigger {
				t.Errorf("sync triggered = %v, want %v", got, tt.wantTrigger)
			}

			// second push while a sync is queued must not block
			if tt.wantTrigger {
				wh.processPushEvent(GitHubEvent{Ref: "refs/heads/master"})
			}
		})
	}
}
