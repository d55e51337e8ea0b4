package parser

import (
	"errors"
	"testing"
)

func TestLooksLikeSendRequest(t *testing.T) {
	tests := []struct {
		text string
		want bool
	}{
		{`{message: "Please, check Shelf #10", ChatName: "NotiBotGroup123"}`, true},
		{`{"message":"hi","ChatName":"Ops"}`, true},
		// Marker check is case-sensitive on ChatName.
		{`{"message":"hi","chatName":"Ops"}`, false},
		{`{"Message":"hi","ChatName":"Ops"}`, false},
		{"hello there", false},
		{"", false},
		// Prose mentioning both words passes the pre-check.
		{"what message did ChatName get?", true},
	}
	for _, tt := range tests {
		if got := LooksLikeSendRequest(tt.text); got != tt.want {
			t.Errorf("LooksLikeSendRequest(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}
}

func TestParse_RelaxedNotation(t *testing.T) {
	req, err := Parse(`{message: "Please, check Shelf #10", ChatName: "NotiBotGroup123"}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if req.Message != "Please, check Shelf #10" {
		t.Errorf("message = %q", req.Message)
	}
	if req.ChatName != "NotiBotGroup123" {
		t.Errorf("chatName = %q", req.ChatName)
	}
}

func TestParse_Accepted(t *testing.T) {
	tests := []struct {
		name, text, message, chat string
	}{
		{"strict json", `{"message":"Restock aisle 4","chatName":"Warehouse"}`, "Restock aisle 4", "Warehouse"},
		{"pascal case", `{"Message":"a","ChatName":"b"}`, "a", "b"},
		{"single quotes", `{message: 'x y', ChatName: 'Ops Team'}`, "x y", "Ops Team"},
		{"numeric chat name", `{"message":"a","ChatName":123}`, "a", "123"},
		{"numeric relaxed", `{message: "a", ChatName: 123}`, "a", "123"},
		{"null message", `{"message":null,"ChatName":"Ops"}`, "", "Ops"},
		{"extra fields", `{"message":"a","ChatName":"b","priority":"high"}`, "a", "b"},
		{"unicode escape", `{"message":"café","ChatName":"b"}`, "café", "b"},
		{"surrounding space", "  {\"message\":\"a\",\"ChatName\":\"b\"}\n", "a", "b"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := Parse(tt.text)
			if err != nil {
				t.Fatalf("parse %q: %v", tt.text, err)
			}
			if req.Message != tt.message || req.ChatName != tt.chat {
				t.Errorf("got %+v, want message=%q chatName=%q", req, tt.message, tt.chat)
			}
		})
	}
}

func TestParse_Rejected(t *testing.T) {
	tests := []struct {
		name, text string
	}{
		{"empty", ""},
		{"prose", "what message did ChatName get?"},
		{"list", `["message", "ChatName"]`},
		{"unterminated", `{message: "hi", ChatName: "Ops"`},
		{"missing chat name", `{"message":"hi"}`},
		{"nested chat name", `{"message":"hi","ChatName":{"id":1}}`},
		{"nested relaxed", `{message: hi, ChatName: [a, b]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse(tt.text); !errors.Is(err, ErrParse) {
				t.Errorf("Parse(%q): expected ErrParse, got %v", tt.text, err)
			}
		})
	}
}

func TestParse_CaseVariantsResolveDeterministically(t *testing.T) {
	tests := []struct {
		name        string
		text        string
		wantMessage string
		wantChat    string
	}{
		{"exact spelling wins", `{"Message":"a","message":"b","ChatName":"x","chatName":"y"}`, "b", "y"},
		{"exact spelling wins relaxed", `{MESSAGE: a, message: b, chatName: y, CHATNAME: x}`, "b", "y"},
		{"lowest key without exact", `{"MESSAGE":"a","Message":"b","ChatName":"x","CHATNAME":"y"}`, "a", "y"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for i := 0; i < 20; i++ {
				req, err := Parse(tt.text)
				if err != nil {
					t.Fatal(err)
				}
				if req.Message != tt.wantMessage || req.ChatName != tt.wantChat {
					t.Fatalf("got %+v, want message=%q chatName=%q", req, tt.wantMessage, tt.wantChat)
				}
			}
		})
	}
}
