package url

import "testing"

func TestSchemeFromURL(t *testing.T) {
	cases := []struct {
		name    string
		url     string
		want    string
		wantErr bool
	}{
		{name: "scheme", url: "file://migrations", want: "file"},
		{name: "scheme with path", url: "postgres://user@host/db", want: "postgres"},
		{name: "empty", url: "", wantErr: true},
		{name: "no scheme", url: "migrations", wantErr: true},
		{name: "leading colon", url: "://migrations", wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := SchemeFromURL(tc.url)
			if (err != nil) != tc.wantErr {
				t.Fatalf("SchemeFromURL(%q) error = %v, wantErr %v", tc.url, err, tc.wantErr)
			}
			if got != tc.want {
				t.Errorf("SchemeFromURL(%q) = %q, want %q", tc.url, got, tc.want)
			}
		})
	}
}
