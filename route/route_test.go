package route

import "testing"

func TestParse(t *testing.T) {
	tests := []struct {
		name  string
		route string
		want  *Record
	}{
		{
			name:  "three segments",
			route: "area.player.login",
			want:  &Record{Route: "area.player.login", ServerType: "area", Handler: "player", Method: "login"},
		},
		{
			name:  "two segments",
			route: "area.player",
			want:  nil,
		},
		{
			name:  "four segments",
			route: "area.player.login.extra",
			want:  nil,
		},
		{
			name:  "empty",
			route: "",
			want:  nil,
		},
		{
			name:  "empty middle segment",
			route: "area..login",
			want:  nil,
		},
		{
			name:  "empty leading segment",
			route: ".player.login",
			want:  nil,
		},
		{
			name:  "empty trailing segment",
			route: "area.player.",
			want:  nil,
		},
		{
			name:  "no trimming",
			route: "area. player.login",
			want:  &Record{Route: "area. player.login", ServerType: "area", Handler: " player", Method: "login"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Parse(tt.route)
			if tt.want == nil {
				if got != nil {
					t.Fatalf("Parse(%q) = %+v, want nil", tt.route, got)
				}
				return
			}
			if got == nil {
				t.Fatalf("Parse(%q) = nil, want %+v", tt.route, tt.want)
			}
			if *got != *tt.want {
				t.Errorf("Parse(%q) = %+v, want %+v", tt.route, *got, *tt.want)
			}
		})
	}
}
