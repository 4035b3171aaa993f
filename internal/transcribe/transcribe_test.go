package transcribe

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func writeAudio(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audio_5511_1.ogg")
	if err := os.WriteFile(path, []byte("OggS fake voice"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestTranscribe(t *testing.T) {
	var gotModel, gotFile, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/audio/transcriptions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
		}
		gotModel = r.FormValue("model")
		f, hdr, err := r.FormFile("file")
		if err == nil {
			data, _ := io.ReadAll(f)
			gotFile = hdr.Filename + ":" + string(data)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"text":" quero marcar um horário "}`))
	}))
	defer srv.Close()

	c := New(srv.URL+"/v1/", "sk-test", "", nil)
	text, ok := c.Transcribe(context.Background(), writeAudio(t))
	if !ok || text != "quero marcar um horário" {
		t.Fatalf("Transcribe = %q, %v", text, ok)
	}
	if gotAuth != "Bearer sk-test" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotModel != "whisper-1" {
		t.Errorf("model = %q", gotModel)
	}
	if gotFile != "audio_5511_1.ogg:OggS fake voice" {
		t.Errorf("file = %q", gotFile)
	}
}

func TestTranscribeFailures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"server error", http.StatusInternalServerError, `{"error":"boom"}`},
		{"empty transcript", http.StatusOK, `{"text":"   "}`},
		{"bad json", http.StatusOK, `{"text":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				io.Copy(io.Discard, r.Body)
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := New(srv.URL, "sk-test", "whisper-1", nil)
			if text, ok := c.Transcribe(context.Background(), writeAudio(t)); ok || text != "" {
				t.Errorf("Transcribe = %q, %v; want failure", text, ok)
			}
		})
	}
}

func TestTranscribePlainText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		w.Write([]byte("bom dia\n"))
	}))
	defer srv.Close()

	c := New(srv.URL, "sk-test", "", nil)
	if text, ok := c.Transcribe(context.Background(), writeAudio(t)); !ok || text != "bom dia" {
		t.Errorf("Transcribe = %q, %v", text, ok)
	}
}

func TestTranscribeMissingFileOrKey(t *testing.T) {
	c := New("http://127.0.0.1:1", "sk-test", "", nil)
	if _, ok := c.Transcribe(context.Background(), filepath.Join(t.TempDir(), "nope.ogg")); ok {
		t.Error("missing file should fail")
	}
	c = New("http://127.0.0.1:1", "", "", nil)
	if _, ok := c.Transcribe(context.Background(), writeAudio(t)); ok {
		t.Error("missing key should fail")
	}
}
