package discovery

import "testing"

func TestDefaultAddrs(t *testing.T) {
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"indexer grpc", DefaultGRPCAddr(ServiceIndexer), "indexer:8090"},
		{"indexer http", DefaultHTTPAddr(ServiceIndexer), "indexer:42069"},
		{"jaeger http", DefaultHTTPAddr(ServiceJaeger), "jaeger:16686"},
		{"jaeger grpc", DefaultGRPCAddr(ServiceJaeger), ""},
		{"unknown", DefaultHTTPAddr("nope"), ""},
		{"trimmed", DefaultGRPCAddr("  indexer "), "indexer:8090"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Fatalf("%s = %q, want %q", tt.name, tt.got, tt.want)
		}
	}
}

func TestDefaultPorts(t *testing.T) {
	if got := DefaultGRPCPort(ServiceIndexer); got != 8090 {
		t.Fatalf("grpc port = %d, want 8090", got)
	}
	if got := DefaultHTTPPort(ServiceIndexer); got != 42069 {
		t.Fatalf("http port = %d, want 42069", got)
	}
	if got := DefaultHTTPPort("nope"); got != 0 {
		t.Fatalf("unknown port = %d, want 0", got)
	}
}

func TestOrDefault(t *testing.T) {
	if got := OrDefaultGRPCAddr(" localhost:9000 ", ServiceIndexer); got != "localhost:9000" {
		t.Fatalf("OrDefaultGRPCAddr explicit = %q", got)
	}
	if got := OrDefaultGRPCAddr("", ServiceIndexer); got != "indexer:8090" {
		t.Fatalf("OrDefaultGRPCAddr default = %q", got)
	}
	if got := OrDefaultHTTPBaseURL("http://localhost:42069/", ServiceIndexer); got != "http://localhost:42069" {
		t.Fatalf("OrDefaultHTTPBaseURL explicit = %q", got)
	}
	if got := OrDefaultHTTPBaseURL("", ServiceIndexer); got != "http://indexer:42069" {
		t.Fatalf("OrDefaultHTTPBaseURL default = %q", got)
	}
	if got := OrDefaultHTTPBaseURL("", "nope"); got != "" {
		t.Fatalf("OrDefaultHTTPBaseURL unknown = %q", got)
	}
}
