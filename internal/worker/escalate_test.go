package worker

import "testing"

func TestShouldEscalate(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want bool
	}{
		{"plain answer", "Your car will be ready tomorrow at 5pm.", false},
		{"empty", "   ", false},
		{"accented portuguese", "Isso está fora da minha alçada, desculpe.", true},
		{"upper case keyword", "ESCALAR para a rainha", true},
		{"mixed case", "Não Tenho Certeza sobre esse valor", true},
		{"needs queen", "Vou verificar, preciso da Sophia.", true},
		{"english", "That is outside my scope.", true},
		{"english escalate", "I will Escalate this.", true},
		{"curly apostrophe", "I don’t have access to billing data.", true},
		{"near miss", "We can schedule your scaling service.", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ShouldEscalate(tc.in); got != tc.want {
				t.Fatalf("ShouldEscalate(%q) = %v, want %v", tc.in, got, tc.want)
			}
		})
	}
}
