package validation

import (
	"strings"
	"testing"
)

func TestValidateRoomID(t *testing.T) {
	tests := []struct {
		name    string
		roomID  string
		wantErr bool
	}{
		{"valid", "team-standup_1", false},
		{"empty", "", true},
		{"too long", strings.Repeat("a", 101), true},
		{"spaces", "team standup", true},
		{"slash", "room/1", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRoomID(tt.roomID)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateRoomID() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateUserID(t *testing.T) {
	tests := []struct {
		name    string
		userID  string
		wantErr bool
	}{
		{"uuid", "5f0c3a52-2f7e-4a57-9c1d-0d1f6f0b9a11", false},
		{"short", "h", false},
		{"empty", "", true},
		{"colon", "user:1", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateUserID(tt.userID)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateUserID() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateSDP(t *testing.T) {
	valid := "v=0\r\no=- 1 2 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"

	tests := []struct {
		name    string
		sdp     string
		wantErr bool
	}{
		{"valid", valid, false},
		{"empty", "", true},
		{"no version", "o=- 1 2 IN IP4 127.0.0.1\r\n", true},
		{"missing timing", "v=0\r\no=- 1 2 IN IP4 127.0.0.1\r\ns=-\r\n", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSDP(tt.sdp)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateSDP() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateChatText(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		wantErr bool
	}{
		{"valid", "hello", false},
		{"unicode", "привет", false},
		{"blank", "   ", true},
		{"too long", strings.Repeat("x", MaxChatMessageLength+1), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateChatText(tt.text)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateChatText() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateMaxParticipants(t *testing.T) {
	if err := ValidateMaxParticipants(50); err != nil {
		t.Errorf("ValidateMaxParticipants(50) unexpected error: %v", err)
	}
	if err := ValidateMaxParticipants(1); err == nil {
		t.Error("ValidateMaxParticipants(1) should fail")
	}
	if err := ValidateMaxParticipants(101); err == nil {
		t.Error("ValidateMaxParticipants(101) should fail")
	}
}

func TestValidateICEServerURL(t *testing.T) {
	if err := ValidateICEServerURL("stun:stun.l.google.com:19302"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := ValidateICEServerURL("turns:turn.example.com:5349"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := ValidateICEServerURL("http://example.com"); err == nil {
		t.Error("expected error for http URL")
	}
	if err := ValidateICEServerURL("stun:"); err == nil {
		t.Error("expected error for empty host")
	}
}

func TestValidateDisplayName(t *testing.T) {
	if err := ValidateDisplayName("Alice"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := ValidateDisplayName("  "); err == nil {
		t.Error("expected error for blank name")
	}
	if err := ValidateDisplayName(strings.Repeat("n", MaxDisplayNameLength+1)); err == nil {
		t.Error("expected error for long name")
	}
}
