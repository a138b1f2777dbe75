package naming

import "testing"

func TestIsDisplayable(t *testing.T) {
	const chatID = "5511999998888@c.us"
	tests := []struct {
		name      string
		candidate string
		want      bool
	}{
		{"real name", "Maria Silva", true},
		{"empty", "", false},
		{"equals id", chatID, false},
		{"raw id other server", "5511999998888@s.whatsapp.net", false},
		{"digits then at", "123@x", false},
		{"too short", "Jo", false},
		{"exactly three", "Ana", true},
		{"three runes multibyte", "Zoë", true},
		{"digits without at", "5511999998888", true},
		{"name with at later", "Maria@home", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsDisplayable(tt.candidate, chatID); got != tt.want {
				t.Errorf("IsDisplayable(%q) = %v, want %v", tt.candidate, got, tt.want)
			}
		})
	}
}

func TestFallback(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"5511999998888@c.us", "5511999998888"},
		{"120363025246125244@g.us", "120363025246125244"},
		{"123456789012345678901234@g.us", "12345678901234567..."},
		{"noserver", "noserver"},
	}
	for _, tt := range tests {
		if got := Fallback(tt.in); got != tt.want {
			t.Errorf("Fallback(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestPick(t *testing.T) {
	const chatID = "5511@c.us"
	if got := Pick(chatID, "", "5511@c.us", "Jo", "Joana"); got != "Joana" {
		t.Errorf("Pick = %q, want Joana", got)
	}
	if got := Pick(chatID, "", "x"); got != "" {
		t.Errorf("Pick = %q, want empty", got)
	}
}
