package socks5

import (
	"bytes"
	"testing"
)

func TestGreeting(t *testing.T) {
	got := Greeting()
	want := []byte{Version5, 0x01, MethodUserPass}
	if !bytes.Equal(got, want) {
		t.Errorf("Greeting() = % x, want % x", got, want)
	}
}

func TestParseGreetingReply(t *testing.T) {
	tests := []struct {
		name    string
		buf     []byte
		wantErr bool
	}{
		{"accepted", []byte{Version5, MethodUserPass}, false},
		{"short", []byte{Version5}, true},
		{"wrong version", []byte{0x04, MethodUserPass}, true},
		{"wrong method", []byte{Version5, 0x00}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ParseGreetingReply(tt.buf)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseGreetingReply(% x) error = %v, wantErr %v", tt.buf, err, tt.wantErr)
			}
		})
	}
}

func TestAuthRequest(t *testing.T) {
	buf, err := AuthRequest("user", "pass")
	if err != nil {
		t.Fatalf("AuthRequest() unexpected error: %v", err)
	}
	want := []byte{AuthVersion, 4, 'u', 's', 'e', 'r', 4, 'p', 'a', 's', 's'}
	if !bytes.Equal(buf, want) {
		t.Errorf("AuthRequest() = % x, want % x", buf, want)
	}

	if _, err := AuthRequest("", "pass"); err == nil {
		t.Error("AuthRequest() with empty username expected error, got nil")
	}

	long := make([]byte, 256)
	for i := range long {
		long[i] = 'a'
	}
	if _, err := AuthRequest(string(long), "pass"); err == nil {
		t.Error("AuthRequest() with oversized username expected error, got nil")
	}
}

func TestParseAuthReply(t *testing.T) {
	if err := ParseAuthReply([]byte{AuthVersion, AuthSuccess}); err != nil {
		t.Errorf("ParseAuthReply() unexpected error: %v", err)
	}
	if err := ParseAuthReply([]byte{AuthVersion, 0x01}); err == nil {
		t.Error("ParseAuthReply() with rejection byte expected error, got nil")
	}
	if err := ParseAuthReply([]byte{AuthVersion}); err == nil {
		t.Error("ParseAuthReply() with short buffer expected error, got nil")
	}
}

func TestRequestAndParseReply(t *testing.T) {
	addr := [4]byte{10, 0, 0, 1}
	req := Request(CmdConnect, addr, 8080)

	want := []byte{Version5, CmdConnect, 0x00, 0x01, 10, 0, 0, 1, 0x1f, 0x90}
	if !bytes.Equal(req, want) {
		t.Errorf("Request() = % x, want % x", req, want)
	}

	reply := []byte{Version5, ReplySuccess, 0x00, 0x01, 127, 0, 0, 1, 0x04, 0xd2}
	if err := ParseReply(reply); err != nil {
		t.Errorf("ParseReply() unexpected error: %v", err)
	}

	rejected := []byte{Version5, 0x05, 0x00, 0x01, 0, 0, 0, 0, 0, 0}
	if err := ParseReply(rejected); err == nil {
		t.Error("ParseReply() with nonzero REP expected error, got nil")
	}

	if err := ParseReply(reply[:4]); err == nil {
		t.Error("ParseReply() with short buffer expected error, got nil")
	}
}

func TestBindPort(t *testing.T) {
	reply := []byte{Version5, ReplySuccess, 0x00, 0x01, 0, 0, 0, 0, 0x1f, 0x90}
	port, err := BindPort(reply)
	if err != nil {
		t.Fatalf("BindPort() unexpected error: %v", err)
	}
	if port != 8080 {
		t.Errorf("BindPort() = %d, want 8080", port)
	}

	if _, err := BindPort(reply[:ReplyLen-1]); err == nil {
		t.Error("BindPort() with short buffer expected error, got nil")
	}
}
