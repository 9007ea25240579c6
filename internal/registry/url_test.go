package registry

import (
	"errors"
	"testing"

	"github.com/calder-b/kernelbook/internal/errdefs"
)

func TestParseConnectionURL(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  Server
	}{
		{
			name:  "local with query token",
			input: "http://localhost:8888/?token=abc123",
			want:  Server{IP: "localhost", Port: "8888", Token: "abc123"},
		},
		{
			name:  "no scheme",
			input: "localhost:8888?token=abc",
			want:  Server{IP: "localhost", Port: "8888", Token: "abc"},
		},
		{
			name:  "https default port",
			input: "https://hub.example.org/?token=tok",
			want:  Server{IP: "hub.example.org", Port: "443", Token: "tok"},
		},
		{
			name:  "http default port",
			input: "http://127.0.0.1",
			want:  Server{IP: "127.0.0.1", Port: "8888"},
		},
		{
			name:  "path prefix ignored",
			input: "http://jupyter.local:9999/user/jovyan/lab?token=xyz",
			want:  Server{IP: "jupyter.local", Port: "9999", Token: "xyz"},
		},
		{
			name:  "kaggle proxy port in path",
			input: "https://kkb.jupyter-proxy.kaggle.net/proxy/8889/lab?token=k",
			want:  Server{IP: "kkb.jupyter-proxy.kaggle.net", Port: "8889", Token: "k"},
		},
		{
			name:  "token in fragment",
			input: "http://localhost:8888/lab#token=frag",
			want:  Server{IP: "localhost", Port: "8888", Token: "frag"},
		},
		{
			name:  "no token",
			input: "http://localhost:8888",
			want:  Server{IP: "localhost", Port: "8888"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseConnectionURL(tt.input)
			if err != nil {
				t.Fatalf("ParseConnectionURL(%q): %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("ParseConnectionURL(%q) = %+v, want %+v", tt.input, got, tt.want)
			}
		})
	}
}

func TestParseConnectionURLRejects(t *testing.T) {
	inputs := []string{
		"",
		"   ",
		"not a url",
		"ftp://example.org:21",
		"http://",
		"://missing",
	}
	for _, input := range inputs {
		_, err := ParseConnectionURL(input)
		if err == nil {
			t.Errorf("ParseConnectionURL(%q): expected error", input)
			continue
		}
		if !errors.Is(err, errdefs.ErrParse) {
			t.Errorf("ParseConnectionURL(%q): error %v does not wrap ErrParse", input, err)
		}
		var pe *ParseError
		if !errors.As(err, &pe) {
			t.Errorf("ParseConnectionURL(%q): error %T is not *ParseError", input, err)
		}
	}
}

func TestServerKeyAndBaseURL(t *testing.T) {
	s := Server{IP: "localhost", Port: "8888", Token: "t"}
	if s.Key() != "localhost:8888" {
		t.Errorf("Key = %q, want localhost:8888", s.Key())
	}
	if s.BaseURL() != "http://localhost:8888" {
		t.Errorf("BaseURL = %q", s.BaseURL())
	}
	tls := Server{IP: "hub.example.org", Port: "443"}
	if tls.BaseURL() != "https://hub.example.org" {
		t.Errorf("BaseURL = %q, want https", tls.BaseURL())
	}
}
