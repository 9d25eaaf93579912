package main

import "testing"

func TestRouteLabel(t *testing.T) {
	cases := map[string]string{
		"/":                             "/",
		"/healthz":                      "/healthz",
		"/debug/info":                   "/debug/info",
		"/debug/pprof":                  "/debug/other",
		"/pickups/abc":                  "/pickups/{id}",
		"/pickups/abc/cancel":           "/pickups/{id}/cancel",
		"/pickups/abc/x1":               "/pickups/{id}/other",
		"/zones/Z1/pending":             "/zones/{zone}/pending",
		"/zones/Z1/events/x9":           "/zones/{zone}/events/other",
		"/zones/Z1/drivers":             "/zones/{zone}/drivers",
		"/zones/Z1/drivers/D1/optimize": "/zones/{zone}/drivers/{driver}/optimize",
		"/zones/Z1/drivers/D1/zzz-9f3a": "/zones/{zone}/drivers/{driver}/other",
		"/zones/Z1/drivers/D1/next/a/b": "/zones/{zone}/drivers/{driver}/next/other",
		"/zones/Z1/bogus":               "/zones/{zone}/other",
		"/wp-admin.php":                 "/other",
	}
	for in, want := range cases {
		if got := routeLabel(in); got != want {
			t.Fatalf("routeLabel(%q) = %q, want %q", in, got, want)
		}
	}
}
