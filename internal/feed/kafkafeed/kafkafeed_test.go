package kafkafeed

import (
	"testing"

	"github.com/rs/zerolog"
)

func noopLogger() zerolog.Logger { return zerolog.Nop() }

func TestParseTopicMapExplicitNumbers(t *testing.T) {
	m, names, err := ParseTopicMap("prices:10,trades:20")
	if err != nil {
		t.Fatalf("ParseTopicMap: %v", err)
	}
	if m["prices"] != 10 || m["trades"] != 20 {
		t.Fatalf("got %+v", m)
	}
	if len(names) != 2 {
		t.Fatalf("got names %+v", names)
	}
}

func TestParseTopicMapImplicitNumbers(t *testing.T) {
	m, _, err := ParseTopicMap("a,b,c")
	if err != nil {
		t.Fatalf("ParseTopicMap: %v", err)
	}
	if m["a"] != 1 || m["b"] != 2 || m["c"] != 3 {
		t.Fatalf("got %+v", m)
	}
}

func TestParseTopicMapRejectsBadNumber(t *testing.T) {
	if _, _, err := ParseTopicMap("a:notanumber"); err == nil {
		t.Fatal("expected error")
	}
}

func TestNewRejectsEmptyBrokers(t *testing.T) {
	if _, err := New(Config{TopicMap: map[string]int32{"a": 1}}, func(int32, []byte) int { return 0 }, noopLogger()); err == nil {
		t.Fatal("expected error for empty brokers")
	}
}
