package stagehand

import (
	nurl "net/url"
	"testing"
)

func TestFilterCustomQuery(t *testing.T) {
	cases := []struct {
		url    string
		expect string
	}{
		{"sqlite:///db.sqlite?x-history-table=h", "sqlite:///db.sqlite"},
		{"postgres://host/db?x-lock-table=l&sslmode=disable", "postgres://host/db?sslmode=disable"},
		{"mysql://host/db?parseTime=true", "mysql://host/db?parseTime=true"},
		{"sqlite:///db.sqlite?x=keep", "sqlite:///db.sqlite?x=keep"},
	}
	for _, c := range cases {
		u, err := nurl.Parse(c.url)
		if err != nil {
			t.Fatal(err)
		}
		if got := FilterCustomQuery(u).String(); got != c.expect {
			t.Errorf("expected %v, got %v", c.expect, got)
		}
	}
}
