package ai

import "testing"

type sample struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestUnmarshalFlexible(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  sample
	}{
		{
			name:  "plain json",
			input: `{"name": "alpha", "count": 2}`,
			want:  sample{Name: "alpha", Count: 2},
		},
		{
			name:  "double encoded",
			input: `"{\"name\": \"beta\", \"count\": 3}"`,
			want:  sample{Name: "beta", Count: 3},
		},
		{
			name:  "malformed but repairable",
			input: `{name: "gamma", count: 4}`,
			want:  sample{Name: "gamma", Count: 4},
		},
		{
			name:  "trailing comma",
			input: `{"name": "delta", "count": 5,}`,
			want:  sample{Name: "delta", Count: 5},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got sample
			if err := UnmarshalFlexible(tt.input, &got); err != nil {
				t.Fatalf("UnmarshalFlexible() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("UnmarshalFlexible() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestUnmarshalFlexibleUnrecoverable(t *testing.T) {
	var got sample
	if err := UnmarshalFlexible("not json at all {{{[", &got); err == nil {
		t.Fatal("UnmarshalFlexible() should fail on unrecoverable input")
	}
}
